package comm

import (
	"bytes"
	"context"
	"sync/atomic"

	"taskfarm/errs"
)

var _ Comm = &Local{}

// Local is an in-process group member. Members of one group share the
// same address space and hand messages to each other's mailboxes directly,
// which stands in for a network transport in tests and embedded clusters.
type Local struct {
	rank   Rank
	peers  []*Local
	box    *mailbox
	closed atomic.Bool
}

// NewLocalGroup returns n connected members, indexed by rank.
func NewLocalGroup(n int) []*Local {
	peers := make([]*Local, n)
	for i := range peers {
		peers[i] = &Local{rank: Rank(i), peers: peers, box: newMailbox()}
	}
	return peers
}

func (l *Local) Rank() Rank { return l.rank }
func (l *Local) Size() int  { return len(l.peers) }

func (l *Local) peer(dest Rank) (*Local, error) {
	if l.closed.Load() {
		return nil, errs.ClosedError.New("%v: group member closed", l.rank)
	}
	if dest < 0 || int(dest) >= len(l.peers) {
		return nil, errs.TransportError.New("%v: no such member %v", l.rank, dest)
	}
	p := l.peers[dest]
	if p.closed.Load() {
		return nil, errs.TransportError.New("%v: member %v is gone", l.rank, dest)
	}
	return p, nil
}

func (l *Local) Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.peer(dest)
	if err != nil {
		return err
	}
	if err := p.box.deliver(Message{Source: l.rank, Tag: tag, Payload: bytes.Clone(payload)}); err != nil {
		return errs.TransportError.Wrap(err)
	}
	return nil
}

func (l *Local) Recv(ctx context.Context, source Rank, tag Tag) (Message, error) {
	return l.box.take(ctx, source, tag)
}

func (l *Local) Ping(ctx context.Context, dest Rank) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := l.peer(dest)
	return err
}

func (l *Local) Post(msg Message) error {
	return l.box.deliver(msg)
}

// Close detaches the member; peers see it as unreachable from then on.
func (l *Local) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.box.close()
	return nil
}
