package farm

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"taskfarm/comm"
	"taskfarm/config"
	"taskfarm/election"
	"taskfarm/observability"
	"taskfarm/shm"
)

// RunMember is the body of every cluster member once its transport is up:
// it takes part in the election and then serves as coordinator or worker
// until the cluster shuts down.
func RunMember(ctx context.Context, cfg *config.Config, c comm.Comm, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	log = observability.ForMember(log, int(c.Rank()), host)

	ectx, cancel := context.WithTimeout(ctx, cfg.Election.Timeout)
	coordinator, release, err := election.Elect(ectx, election.Params{
		Comm:         c,
		Host:         host,
		InvokingHost: cfg.Member.InvokingHost,
		LockPath:     filepath.Join(cfg.Member.Dir, lockFile),
		Mode:         cfg.Election.Mode,
		FixedRank:    cfg.Election.FixedRank,
		Logger:       log,
	})
	cancel()
	if err != nil {
		log.Error("election failed", zap.Error(err))
		return err
	}
	defer release()

	if coordinator != c.Rank() {
		return NewWorker(c, coordinator, cfg, log).Run(ctx)
	}

	channel, err := shm.Open(cfg.Member.Dir)
	if err != nil {
		return err
	}
	defer channel.Close()
	channel.SetPollInterval(cfg.Scheduler.PollInterval)
	channel.SetCoordinatorPID(os.Getpid())

	return NewMaster(c, channel, cfg, log).Run(ctx)
}

// JoinGroup connects the member described by cfg.Member to its peers over
// TCP, meeting them in the cluster directory.
func JoinGroup(ctx context.Context, cfg *config.Config, log *zap.Logger) (*comm.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Cluster.JoinTimeout)
	defer cancel()
	return comm.Join(ctx, comm.JoinOptions{
		Rank:          comm.Rank(cfg.Member.Rank),
		Size:          cfg.Member.Size,
		Dir:           filepath.Join(cfg.Member.Dir, peersDir),
		ListenAddr:    cfg.Cluster.ListenAddr,
		AdvertiseHost: cfg.Cluster.AdvertiseHost,
		Logger:        log,
	})
}
