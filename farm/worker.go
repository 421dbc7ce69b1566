package farm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"taskfarm/comm"
	"taskfarm/config"
	"taskfarm/errs"
	"taskfarm/farm/rpc"
)

// Worker runs in every member except the coordinator. It loads the task of
// each batch, applies it to whatever inputs it is handed and reports back.
type Worker struct {
	Id       comm.Rank
	MasterId comm.Rank

	State rpc.WorkerState
	Task  Func

	comm  comm.Comm
	batch uint64

	heartbeatInterval, heartbeatTimeout time.Duration

	log *zap.Logger
}

func NewWorker(c comm.Comm, masterId comm.Rank, cfg *config.Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Id:                c.Rank(),
		MasterId:          masterId,
		State:             rpc.Idle,
		comm:              c,
		heartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		heartbeatTimeout:  cfg.Scheduler.HeartbeatTimeout,
		log:               log,
	}
}

// Run serves batches until the shutdown descriptor arrives or the
// coordinator disappears.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	monitor := NewMonitor(w.comm, []comm.Rank{w.MasterId}, w.heartbeatInterval, w.heartbeatTimeout,
		func(r comm.Rank, reason string) {
			cancel(errs.CoordinatorLostError.New("coordinator %v: %s", r, reason))
		}, w.log)
	monitor.Run()
	defer monitor.Stop()

	for {
		msg, err := w.comm.Recv(ctx, w.MasterId, comm.AnyTag)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && errs.Is(cause, errs.CoordinatorLostError) {
				return cause
			}
			return err
		}

		switch msg.Tag {
		case comm.TagBcast:
			var t rpc.TaskMessage
			if err := rpc.Unmarshal(msg.Payload, &t); err != nil {
				w.log.Error("undecodable task message", zap.Error(err))
				continue
			}
			if t.Shutdown() {
				w.log.Debug("worker shutting down")
				return nil
			}
			if err := w.loadTask(ctx, t); err != nil {
				return err
			}
		case rpc.TagWork:
			if err := w.work(ctx, msg.Payload); err != nil {
				return err
			}
		case rpc.TagDie:
			var d rpc.DieMessage
			if err := rpc.Unmarshal(msg.Payload, &d); err == nil && d.Batch == w.batch {
				w.Task = nil
				w.State = rpc.Idle
			}
		default:
			w.log.Warn("unexpected message", zap.Int("tag", int(msg.Tag)))
		}
	}
}

func (w *Worker) loadTask(ctx context.Context, t rpc.TaskMessage) error {
	w.batch = t.Batch
	fn, err := loadTask(t.Descriptor)
	if err != nil {
		w.Task = nil
		w.State = rpc.Failed
		w.log.Error("cannot load task", zap.Uint64("batch", t.Batch), zap.Error(err))
		return w.reply(ctx, rpc.TagError, rpc.ResultMessage{Batch: t.Batch, Index: rpc.LoadFailed, Err: err.Error()})
	}
	w.Task = fn
	w.State = rpc.Idle
	return nil
}

func (w *Worker) work(ctx context.Context, payload []byte) error {
	var job rpc.WorkMessage
	if err := rpc.Unmarshal(payload, &job); err != nil {
		w.log.Error("undecodable work message", zap.Error(err))
		return nil
	}
	if job.Batch != w.batch {
		w.log.Debug("stale work", zap.Uint64("batch", job.Batch), zap.Int("index", job.Index))
		return nil
	}
	if w.Task == nil {
		return w.reply(ctx, rpc.TagError, rpc.ResultMessage{Batch: job.Batch, Index: job.Index, Err: "no task loaded"})
	}

	w.State = rpc.Busy
	out, err := apply(w.Task, job.Input)
	w.State = rpc.Idle
	if err != nil {
		w.log.Error("task failed on input",
			zap.Uint64("batch", job.Batch), zap.Int("index", job.Index), zap.Error(err))
		return w.reply(ctx, rpc.TagError, rpc.ResultMessage{Batch: job.Batch, Index: job.Index, Err: err.Error()})
	}
	return w.reply(ctx, rpc.TagResult, rpc.ResultMessage{Batch: job.Batch, Index: job.Index, Output: out})
}

func (w *Worker) reply(ctx context.Context, tag comm.Tag, res rpc.ResultMessage) error {
	payload, err := rpc.Marshal(res)
	if err != nil {
		return err
	}
	if err := w.comm.Send(ctx, w.MasterId, tag, payload); err != nil {
		return errs.CoordinatorLostError.New("reply to %v: %v", w.MasterId, err)
	}
	return nil
}
