package launch

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskfarm/errs"
)

// Exec starts every member as a separate OS process running Binary. Member
// output goes straight to Stdout and Stderr, the invoker's own by default.
type Exec struct {
	Stdout, Stderr io.Writer
	Logger         *zap.Logger
}

type execHandle struct {
	waitGroup
	cmds   []*exec.Cmd
	exited []atomic.Bool
}

func (e Exec) Launch(ctx context.Context, job Job) (Handle, error) {
	log := e.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if job.Binary == "" {
		return nil, errs.ConfigError.New("exec launcher needs a binary")
	}
	stdout, stderr := e.Stdout, e.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	h := &execHandle{
		waitGroup: waitGroup{done: make(chan struct{})},
		cmds:      make([]*exec.Cmd, job.Size),
		exited:    make([]atomic.Bool, job.Size),
	}
	for rank := range job.Size {
		if err := ctx.Err(); err != nil {
			h.killStarted()
			return nil, err
		}
		// members outlive ctx; Kill ends them
		cmd := exec.Command(job.Binary, job.Args...)
		cmd.Dir = job.Dir
		cmd.Env = os.Environ()
		if job.Env != nil {
			cmd.Env = append(cmd.Env, job.Env(rank)...)
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			h.killStarted()
			return nil, errs.ConfigError.New("start member %d: %v", rank, err)
		}
		log.Debug("member started", zap.Int("rank", rank), zap.Int("pid", cmd.Process.Pid))
		h.cmds[rank] = cmd
	}

	var g errgroup.Group
	for rank, cmd := range h.cmds {
		g.Go(func() error {
			err := cmd.Wait()
			h.exited[rank].Store(true)
			if err != nil {
				log.Warn("member exited", zap.Int("rank", rank), zap.Error(err))
				return errs.PeerExitedError.New("member %d: %v", rank, err)
			}
			return nil
		})
	}
	go func() {
		h.err = g.Wait()
		close(h.done)
	}()
	return h, nil
}

// killStarted cleans up after a partial launch.
func (h *execHandle) killStarted() {
	for _, cmd := range h.cmds {
		if cmd != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	}
}

func (h *execHandle) Kill() error {
	var first error
	for rank, cmd := range h.cmds {
		if h.exited[rank].Load() {
			continue
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && first == nil {
			first = err
		}
	}
	return first
}
