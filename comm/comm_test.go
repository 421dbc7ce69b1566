package comm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"taskfarm/errs"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMailboxSelectiveReceive(t *testing.T) {
	ctx := testCtx(t)
	box := newMailbox()
	require.NoError(t, box.deliver(Message{Source: 1, Tag: 5, Payload: []byte("a")}))
	require.NoError(t, box.deliver(Message{Source: 2, Tag: 7, Payload: []byte("b")}))
	require.NoError(t, box.deliver(Message{Source: 1, Tag: 7, Payload: []byte("c")}))

	m, err := box.take(ctx, AnySource, 7)
	require.NoError(t, err)
	require.Equal(t, "b", string(m.Payload))

	m, err = box.take(ctx, 1, AnyTag)
	require.NoError(t, err)
	require.Equal(t, "a", string(m.Payload))

	m, err = box.take(ctx, 1, 7)
	require.NoError(t, err)
	require.Equal(t, "c", string(m.Payload))
	require.Equal(t, 0, box.pending())
}

func TestMailboxBlocksUntilDelivery(t *testing.T) {
	ctx := testCtx(t)
	box := newMailbox()
	go func() {
		time.Sleep(20 * time.Millisecond)
		box.deliver(Message{Source: 3, Tag: 1})
	}()
	m, err := box.take(ctx, 3, 1)
	require.NoError(t, err)
	require.Equal(t, Rank(3), m.Source)
}

func TestMailboxCancelAndClose(t *testing.T) {
	box := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := box.take(ctx, AnySource, AnyTag)
	require.ErrorIs(t, err, context.Canceled)

	box.close()
	_, err = box.take(context.Background(), AnySource, AnyTag)
	require.True(t, errs.Is(err, errs.ClosedError))
	require.Error(t, box.deliver(Message{}))
}

func TestLocalSendRecvOrdering(t *testing.T) {
	ctx := testCtx(t)
	group := NewLocalGroup(2)
	for i := 0; i < 100; i++ {
		require.NoError(t, group[0].Send(ctx, 1, 3, []byte{byte(i)}))
	}
	for i := 0; i < 100; i++ {
		m, err := group[1].Recv(ctx, 0, 3)
		require.NoError(t, err)
		require.Equal(t, byte(i), m.Payload[0])
	}
}

func TestLocalClosedPeerIsUnreachable(t *testing.T) {
	ctx := testCtx(t)
	group := NewLocalGroup(3)
	require.NoError(t, group[0].Ping(ctx, 2))
	require.NoError(t, group[2].Close())
	require.NoError(t, group[2].Close())

	require.True(t, errs.Is(group[0].Ping(ctx, 2), errs.TransportError))
	require.True(t, errs.Is(group[0].Send(ctx, 2, 1, nil), errs.TransportError))
	require.True(t, errs.Is(group[0].Send(ctx, 9, 1, nil), errs.TransportError))
}

func TestBroadcastAndBarrier(t *testing.T) {
	ctx := testCtx(t)
	group := NewLocalGroup(5)
	const root Rank = 2

	var g errgroup.Group
	got := make([]string, len(group))
	for _, member := range group {
		member := member
		g.Go(func() error {
			if member.Rank() == root {
				if missed, err := Broadcast(ctx, member, []byte("task")); err != nil || len(missed) > 0 {
					t.Errorf("unreachable: %v %v", missed, err)
				}
				got[root] = "task"
			} else {
				m, err := member.Recv(ctx, root, TagBcast)
				if err != nil {
					return err
				}
				got[member.Rank()] = string(m.Payload)
			}
			return Barrier(ctx, member)
		})
	}
	require.NoError(t, g.Wait())
	for _, s := range got {
		require.Equal(t, "task", s)
	}
}

func TestBroadcastReportsUnreachable(t *testing.T) {
	ctx := testCtx(t)
	group := NewLocalGroup(4)
	group[3].Close()
	missed, err := Broadcast(ctx, group[0], nil)
	require.NoError(t, err)
	require.Equal(t, []Rank{3}, missed)
}

func TestBroadcastFromClosedMember(t *testing.T) {
	ctx := testCtx(t)
	group := NewLocalGroup(3)
	group[0].Close()
	_, err := Broadcast(ctx, group[0], nil)
	require.True(t, errs.Is(err, errs.ClosedError), "got %v", err)
}

func TestPostDeliversToSelf(t *testing.T) {
	ctx := testCtx(t)
	group := NewLocalGroup(2)
	require.NoError(t, group[0].Post(Message{Source: 1, Tag: 42}))
	m, err := group[0].Recv(ctx, 1, 42)
	require.NoError(t, err)
	require.Equal(t, Tag(42), m.Tag)
}

func TestRPCGroup(t *testing.T) {
	ctx := testCtx(t)
	dir := t.TempDir()
	const size = 3

	groups := make([]*Group, size)
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < size; i++ {
		i := i
		g.Go(func() error {
			member, err := Join(ctx, JoinOptions{
				Rank:          Rank(i),
				Size:          size,
				Dir:           dir,
				ListenAddr:    "127.0.0.1:0",
				AdvertiseHost: "127.0.0.1",
			})
			if err != nil {
				return err
			}
			mu.Lock()
			groups[i] = member
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	defer func() {
		for _, member := range groups {
			member.Close()
		}
	}()

	require.NoError(t, groups[0].Ping(ctx, 2))
	require.NoError(t, groups[1].Send(ctx, 0, 9, []byte("hello")))
	require.NoError(t, groups[2].Send(ctx, 0, 9, []byte("world")))
	seen := map[Rank]string{}
	for i := 0; i < 2; i++ {
		m, err := groups[0].Recv(ctx, AnySource, 9)
		require.NoError(t, err)
		seen[m.Source] = string(m.Payload)
	}
	require.Equal(t, map[Rank]string{1: "hello", 2: "world"}, seen)

	var b errgroup.Group
	for _, member := range groups {
		member := member
		b.Go(func() error { return Barrier(ctx, member) })
	}
	require.NoError(t, b.Wait())

	groups[2].Close()
	require.Error(t, groups[0].Ping(ctx, 2))
	require.Error(t, groups[0].Send(ctx, 2, 1, nil))
}
