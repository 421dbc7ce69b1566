// Package comm is the message-passing layer between cluster members: a
// fixed-size group of ranked processes with point-to-point send/receive
// (matched on source and tag), fan-out broadcast and a barrier.
package comm

import (
	"context"
	"fmt"

	"taskfarm/errs"
)

// Rank identifies a member within its group, 0..Size()-1.
type Rank int

// Tag labels a message so receivers can select what they wait for.
type Tag int

const (
	AnySource Rank = -1
	AnyTag    Tag  = -1
)

// Tags at or above TagSystem are reserved for group-level protocols.
const (
	TagSystem Tag = 1 << 16

	TagBcast   = TagSystem + 1
	tagBarrier = TagSystem + 2
	tagRelease = TagSystem + 3
)

// Message is one delivered frame.
type Message struct {
	Source  Rank
	Tag     Tag
	Payload []byte
}

// Comm is a member's handle on its group.
//
// Sends between one pair of members are delivered in the order they were
// made. Send returns once the message sits in the receiver's mailbox; it
// never waits for a matching Recv.
type Comm interface {
	Rank() Rank
	Size() int
	// Send delivers payload to dest's mailbox.
	Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error
	// Recv blocks until a message matching source and tag (either may be a
	// wildcard) is available and removes it from the mailbox.
	Recv(ctx context.Context, source Rank, tag Tag) (Message, error)
	// Ping checks that dest is still reachable.
	Ping(ctx context.Context, dest Rank) error
	// Post puts msg into this member's own mailbox, as if it had been received.
	Post(msg Message) error
	Close() error
}

func (r Rank) String() string {
	if r == AnySource {
		return "any"
	}
	return fmt.Sprintf("rank-%d", int(r))
}

// Broadcast sends payload from c to every other member under TagBcast and
// returns the ranks that could not be reached. Receivers pick the message up
// with Recv(ctx, root, TagBcast). It stops with a ClosedError if c itself
// has been closed.
func Broadcast(ctx context.Context, c Comm, payload []byte) ([]Rank, error) {
	var unreachable []Rank
	for r := Rank(0); int(r) < c.Size(); r++ {
		if r == c.Rank() {
			continue
		}
		if err := c.Send(ctx, r, TagBcast, payload); err != nil {
			if errs.Is(err, errs.ClosedError) {
				return unreachable, err
			}
			unreachable = append(unreachable, r)
		}
	}
	return unreachable, nil
}

// Barrier returns once every member of the group has entered it. Rank 0
// gathers arrivals and releases everyone.
func Barrier(ctx context.Context, c Comm) error {
	const root Rank = 0
	if c.Rank() != root {
		if err := c.Send(ctx, root, tagBarrier, nil); err != nil {
			return err
		}
		_, err := c.Recv(ctx, root, tagRelease)
		return err
	}
	for i := 1; i < c.Size(); i++ {
		if _, err := c.Recv(ctx, AnySource, tagBarrier); err != nil {
			return err
		}
	}
	for r := Rank(1); int(r) < c.Size(); r++ {
		if err := c.Send(ctx, r, tagRelease, nil); err != nil {
			return err
		}
	}
	return nil
}
