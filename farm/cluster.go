// Package farm runs a task over a batch of inputs on a cluster of member
// processes: one elected coordinator dispatches inputs to the other members
// and hands results back to the invoking process through a shared-memory
// channel, in input order.
package farm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskfarm/comm"
	"taskfarm/config"
	"taskfarm/errs"
	"taskfarm/farm/rpc"
	"taskfarm/launch"
	"taskfarm/shm"
)

const (
	configFile = "cluster.yaml"
	lockFile   = "coordinator.lock"
	peersDir   = "peers"
)

// Cluster is the invoker's handle on a running cluster. It is not safe for
// concurrent use; batches run one at a time.
type Cluster struct {
	ID string

	cfg     *config.Config
	dir     string
	channel *shm.Channel
	handle  launch.Handle
	// in-process members when the local transport is used
	local []*comm.Local

	log *zap.Logger

	mu       sync.Mutex
	active   *Stream
	closed   bool
	stopOnce sync.Once
	stopErr  error
}

type options struct {
	launcher launch.Launcher
	log      *zap.Logger
}

type Option func(*options)

// WithLauncher overrides the launcher picked from the configuration.
func WithLauncher(l launch.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// StartCluster launches cfg.Cluster.Processes members and returns once they
// are started. Election and transport setup continue in the background; the
// first batch waits for them.
func StartCluster(ctx context.Context, cfg *config.Config, opts ...Option) (*Cluster, error) {
	o := options{log: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, errs.ConfigError.Wrap(err)
	}
	c := &Cluster{ID: uuid.NewString()}
	c.log = o.log.With(zap.String("cluster", c.ID))

	parent := cfg.Cluster.TmpDir
	if parent == "" {
		parent = os.TempDir()
	}
	c.dir = filepath.Join(parent, "taskfarm-"+c.ID)
	if err := os.MkdirAll(filepath.Join(c.dir, peersDir), 0o700); err != nil {
		return nil, errs.ConfigError.Wrap(err)
	}

	if c.channel, err = shm.Create(c.dir, cfg.Cluster.BufferSize); err != nil {
		os.RemoveAll(c.dir)
		return nil, err
	}
	c.channel.SetPollInterval(cfg.Scheduler.PollInterval)

	member := *cfg
	member.Member = config.MemberConfig{
		Size:         cfg.Cluster.Processes,
		Dir:          c.dir,
		InvokingHost: host,
		InvokerPID:   os.Getpid(),
	}
	c.cfg = &member
	configPath := filepath.Join(c.dir, configFile)
	if err := config.Save(c.cfg, configPath); err != nil {
		c.cleanup()
		return nil, err
	}

	job := launch.Job{
		Size:   cfg.Cluster.Processes,
		Binary: cfg.Cluster.Binary,
		Args:   cfg.Cluster.Args,
		Env: func(rank int) []string {
			return config.MemberEnv(configPath, rank, cfg.Cluster.Processes)
		},
		Run: c.runInProcess,
	}
	// exec members re-run this binary unless told otherwise
	if job.Binary == "" {
		job.Binary, _ = os.Executable()
	}
	if len(job.Args) == 0 {
		job.Args = []string{"member"}
	}
	launcher := o.launcher
	if launcher == nil {
		switch cfg.Cluster.Launcher {
		case config.LauncherInProcess:
			launcher = launch.InProcess{}
		default:
			launcher = launch.Exec{Logger: c.log}
		}
	}
	if cfg.Cluster.Transport == config.TransportLocal {
		c.local = comm.NewLocalGroup(cfg.Cluster.Processes)
	}

	if c.handle, err = launcher.Launch(ctx, job); err != nil {
		c.cleanup()
		return nil, err
	}
	c.log.Info("cluster started", zap.Int("processes", cfg.Cluster.Processes), zap.String("dir", c.dir))
	return c, nil
}

// WithCluster starts a cluster, runs fn against it and always shuts it down.
func WithCluster(ctx context.Context, cfg *config.Config, fn func(*Cluster) error, opts ...Option) error {
	c, err := StartCluster(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	err = fn(c)
	if serr := c.Shutdown(); err == nil {
		err = serr
	}
	return err
}

// runInProcess is one member when members are goroutines of the invoker.
func (c *Cluster) runInProcess(ctx context.Context, rank int) error {
	cfg := *c.cfg
	cfg.Member.Rank = rank

	var member comm.Comm
	if c.local != nil {
		member = c.local[rank]
	} else {
		g, err := JoinGroup(ctx, &cfg, c.log.With(zap.Int("rank", rank)))
		if err != nil {
			return err
		}
		member = g
	}
	// peers see a finished member as gone
	defer member.Close()
	return RunMember(ctx, &cfg, member, c.log)
}

// Dir is the per-cluster directory holding the channel and rendezvous files.
func (c *Cluster) Dir() string { return c.dir }

// Size is the number of members, coordinator included.
func (c *Cluster) Size() int { return c.cfg.Cluster.Processes }

// coordinatorAlive bounds the invoker's waits.
func (c *Cluster) coordinatorAlive() bool {
	return !c.handle.Exited() && shm.PIDAlive(c.channel.CoordinatorPID())
}

func (c *Cluster) await(ctx context.Context, want ...shm.Stage) (shm.Stage, error) {
	s, err := c.channel.AwaitOneOf(ctx, c.coordinatorAlive, want...)
	if errs.Is(err, errs.PeerExitedError) {
		return s, errs.CoordinatorLostError.New("coordinator gone at stage %v", s)
	}
	return s, err
}

// Map applies task to every input and returns one Result per input, in
// input order. Inputs that failed carry an ItemError; the error return is
// reserved for failures of the batch as a whole.
func (c *Cluster) Map(ctx context.Context, task Task, inputs [][]byte) ([]Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.submit(ctx, task, inputs, false); err != nil {
		return nil, err
	}
	if _, err := c.await(ctx, shm.StageResultsReady); err != nil {
		return nil, err
	}
	flag, payload, err := c.channel.Read(shm.RegionResult)
	c.channel.SetStage(shm.StageReleased)
	if err != nil {
		return nil, err
	}
	if flag == 1 {
		return nil, decodeFault(payload)
	}

	var chunk rpc.Chunk
	if err := rpc.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}
	if chunk.Start != 0 || len(chunk.Outcomes) != len(inputs) {
		return nil, errs.ProtocolError.New("got %d results from %d for %d inputs", len(chunk.Outcomes), chunk.Start, len(inputs))
	}
	return toResults(chunk), nil
}

// IMap starts task over inputs and returns a Stream of results in input
// order, available as soon as each contiguous prefix is done. The Stream
// must be drained or closed before the next batch; starting one closes it.
func (c *Cluster) IMap(ctx context.Context, task Task, inputs [][]byte) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.submit(ctx, task, inputs, true); err != nil {
		return nil, err
	}
	c.active = &Stream{c: c, ctx: ctx, total: len(inputs)}
	return c.active, nil
}

// submit checks and writes a batch. It must be called with mu held.
func (c *Cluster) submit(ctx context.Context, task Task, inputs [][]byte, streaming bool) error {
	if c.closed {
		return errs.ClosedError.New("cluster %s shut down", c.ID)
	}
	desc, err := task.Encode()
	if err != nil {
		return err
	}
	batch, err := rpc.Marshal(inputs)
	if err != nil {
		return err
	}
	// nothing is written unless the whole batch fits
	if err := c.channel.Check(len(desc)); err != nil {
		return err
	}
	if err := c.channel.Check(len(batch)); err != nil {
		return err
	}

	if c.active != nil {
		c.active.abandon()
		c.active = nil
	}
	if err := c.settle(ctx); err != nil {
		return err
	}

	var flag byte
	if streaming {
		flag = 1
	}
	if err := c.channel.Write(shm.RegionTask, flag, desc); err != nil {
		return err
	}
	c.channel.SetStage(shm.StageTaskReady)
	if err := c.channel.Write(shm.RegionInput, 0, batch); err != nil {
		return err
	}
	c.channel.SetStage(shm.StageInputReady)
	c.log.Debug("batch submitted", zap.String("task", task.Name), zap.Int("inputs", len(inputs)), zap.Bool("streaming", streaming))
	return nil
}

// settle walks the stage flag back to idle, consuming whatever an earlier
// abandoned batch left behind.
func (c *Cluster) settle(ctx context.Context) error {
	for {
		s := c.channel.Stage()
		switch s {
		case shm.StageIdle:
			return nil
		case shm.StageResultsReady:
			flag, _, err := c.channel.Read(shm.RegionTask)
			if err != nil {
				return err
			}
			if flag == 1 {
				c.channel.SetStage(shm.StageConsumed)
			} else {
				c.channel.SetStage(shm.StageReleased)
			}
		case shm.StageStreamDone:
			c.channel.SetStage(shm.StageReleased)
		default:
			// the coordinator's move
			if _, err := c.channel.Await(ctx, c.coordinatorAlive, func(cur shm.Stage) bool { return cur != s }); err != nil {
				if errs.Is(err, errs.PeerExitedError) {
					return errs.CoordinatorLostError.New("coordinator gone at stage %v", s)
				}
				return err
			}
		}
	}
}

func decodeFault(payload []byte) error {
	var f rpc.Fault
	if len(payload) == 0 || rpc.Unmarshal(payload, &f) != nil {
		return errs.ProtocolError.New("coordinator reported an unreadable fault")
	}
	return f.Error()
}

func toResults(chunk rpc.Chunk) []Result {
	out := make([]Result, len(chunk.Outcomes))
	for i, o := range chunk.Outcomes {
		out[i] = Result{Index: chunk.Start + i, Value: o.Value}
		if o.Failed {
			out[i].Value = nil
			out[i].Err = errs.ItemError.New("input %d: %s", chunk.Start+i, o.Err)
		}
	}
	return out
}

// Shutdown asks the cluster to exit, waits up to the configured shutdown
// timeout, then kills what is left and removes the cluster directory. It is
// safe to call more than once, and after members have died; it only returns
// an error when a member survives being killed.
func (c *Cluster) Shutdown() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		if c.active != nil {
			c.active.abandon()
			c.active = nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Cluster.ShutdownTimeout)
		defer cancel()

		if !c.handle.Exited() {
			if err := c.settle(ctx); err == nil {
				c.channel.Write(shm.RegionTask, 0, nil)
				c.channel.SetStage(shm.StageTaskReady)
			} else {
				c.log.Warn("cluster did not settle", zap.Error(err))
			}
		}

		select {
		case <-c.handle.Done():
		case <-ctx.Done():
			c.log.Warn("cluster did not exit in time, killing it", zap.Duration("timeout", c.cfg.Cluster.ShutdownTimeout))
			c.handle.Kill()
			select {
			case <-c.handle.Done():
			case <-time.After(c.cfg.Cluster.ShutdownTimeout):
			}
		}
		// members that died on their own were already reported by the
		// batch they broke; teardown only fails if one outlives Kill
		if c.handle.Exited() {
			if err := c.handle.Wait(); err != nil {
				c.log.Warn("cluster member exited with an error", zap.Error(err))
			}
		} else {
			c.stopErr = errs.PeerExitedError.New("cluster %s still running after kill", c.ID)
		}
		c.cleanup()
		c.log.Info("cluster shut down")
	})
	return c.stopErr
}

func (c *Cluster) cleanup() {
	if c.channel != nil {
		c.channel.Close()
	}
	os.RemoveAll(c.dir)
}
