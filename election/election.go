// Package election picks the single coordinator of a freshly launched cluster.
//
// In lock mode every member running on the invoking host races for a
// non-blocking exclusive lock on a well-known file. The winner announces its
// rank to everyone else, losers and members on other hosts wait for that
// announcement, and the whole group then passes a barrier. The lock is held
// for the lifetime of the cluster.
//
// Fixed mode skips the race and always picks the configured rank. It is only
// correct when that member is known to run on the invoking host.
package election

import (
	"context"
	"encoding/binary"

	"go.uber.org/zap"

	"taskfarm/comm"
	"taskfarm/config"
	"taskfarm/errs"
)

const tagCoordinator = comm.TagSystem + 10

type Params struct {
	Comm comm.Comm
	// Host this member runs on and the host the invoker runs on.
	Host         string
	InvokingHost string
	LockPath     string
	Mode         string
	FixedRank    int
	Logger       *zap.Logger
}

// Elect blocks until every member agrees on the coordinator. release frees
// the lock if this member holds it and is safe to call more than once.
func Elect(ctx context.Context, p Params) (coordinator comm.Rank, release func(), err error) {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	release = func() {}

	mode := p.Mode
	if mode == config.ElectionLock && !lockSupported {
		log.Warn("advisory file locks unsupported here, falling back to a fixed coordinator",
			zap.Int("fixed_rank", p.FixedRank))
		mode = config.ElectionFixed
	}

	switch mode {
	case config.ElectionFixed:
		if p.FixedRank < 0 || p.FixedRank >= p.Comm.Size() {
			return 0, release, errs.ElectionError.New("fixed rank %d outside group of %d", p.FixedRank, p.Comm.Size())
		}
		coordinator = comm.Rank(p.FixedRank)
	case config.ElectionLock:
		coordinator, release, err = race(ctx, p, log)
		if err != nil {
			return 0, release, err
		}
	default:
		return 0, release, errs.ElectionError.New("unknown election mode %q", p.Mode)
	}

	if err := comm.Barrier(ctx, p.Comm); err != nil {
		release()
		return 0, func() {}, errs.ElectionError.New("barrier after election: %v", err)
	}
	log.Debug("coordinator elected", zap.Stringer("coordinator", coordinator))
	return coordinator, release, nil
}

func race(ctx context.Context, p Params, log *zap.Logger) (comm.Rank, func(), error) {
	self := p.Comm.Rank()
	if p.Host == p.InvokingHost {
		unlock, won, err := tryLock(p.LockPath)
		if err != nil {
			return 0, func() {}, err
		}
		if won {
			log.Info("won coordinator lock", zap.String("lock", p.LockPath))
			var payload [8]byte
			binary.LittleEndian.PutUint64(payload[:], uint64(self))
			for r := comm.Rank(0); int(r) < p.Comm.Size(); r++ {
				if r == self {
					continue
				}
				if err := p.Comm.Send(ctx, r, tagCoordinator, payload[:]); err != nil {
					unlock()
					return 0, func() {}, errs.ElectionError.New("announce to %v: %v", r, err)
				}
			}
			return self, unlock, nil
		}
	}

	msg, err := p.Comm.Recv(ctx, comm.AnySource, tagCoordinator)
	if err != nil {
		return 0, func() {}, errs.ElectionError.New("waiting for coordinator announcement: %v", err)
	}
	if len(msg.Payload) != 8 {
		return 0, func() {}, errs.ProtocolError.New("coordinator announcement of %d bytes", len(msg.Payload))
	}
	return comm.Rank(binary.LittleEndian.Uint64(msg.Payload)), func() {}, nil
}
