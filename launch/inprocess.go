package launch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"taskfarm/errs"
)

// InProcess runs every member as a goroutine of the invoking process. One
// member failing does not stop the others, matching separate processes.
type InProcess struct{}

type inProcessHandle struct {
	waitGroup
	cancel context.CancelFunc
}

func (InProcess) Launch(ctx context.Context, job Job) (Handle, error) {
	if job.Run == nil {
		return nil, errs.ConfigError.New("in-process launcher needs a member function")
	}
	// members outlive the caller's ctx; Kill ends them
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &inProcessHandle{
		waitGroup: waitGroup{done: make(chan struct{})},
		cancel:    cancel,
	}

	var g errgroup.Group
	for rank := range job.Size {
		g.Go(func() error {
			return job.Run(ctx, rank)
		})
	}
	go func() {
		h.err = g.Wait()
		cancel()
		close(h.done)
	}()
	return h, nil
}

func (h *inProcessHandle) Kill() error {
	h.cancel()
	return nil
}
