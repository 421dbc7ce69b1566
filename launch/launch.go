// Package launch starts the member processes of a cluster and lets the
// invoker observe and end them.
package launch

import (
	"context"
)

// Job describes the members to start. Exec uses Binary, Args, Dir and Env;
// InProcess only calls Run.
type Job struct {
	Size   int
	Binary string
	Args   []string
	Dir    string
	// Env returns the extra environment of one member.
	Env func(rank int) []string
	Run func(ctx context.Context, rank int) error
}

// Handle observes a launched set of members.
type Handle interface {
	// Wait blocks until every member has exited and returns the first failure.
	Wait() error
	// Done is closed once every member has exited.
	Done() <-chan struct{}
	Exited() bool
	// Kill ends every member that is still running.
	Kill() error
}

type Launcher interface {
	Launch(ctx context.Context, job Job) (Handle, error)
}

// waitGroup is the shared completion bookkeeping of both launchers.
type waitGroup struct {
	done chan struct{}
	err  error
}

func (w *waitGroup) Wait() error {
	<-w.done
	return w.err
}

func (w *waitGroup) Done() <-chan struct{} { return w.done }

func (w *waitGroup) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
