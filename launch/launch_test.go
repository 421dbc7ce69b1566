package launch

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskfarm/errs"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInProcessRunsEveryRank(t *testing.T) {
	var seen [4]atomic.Bool
	h, err := InProcess{}.Launch(context.Background(), Job{
		Size: 4,
		Run: func(ctx context.Context, rank int) error {
			seen[rank].Store(true)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	require.True(t, h.Exited())
	for i := range seen {
		require.True(t, seen[i].Load(), "rank %d never ran", i)
	}
}

func TestInProcessFailureDoesNotStopPeers(t *testing.T) {
	boom := errors.New("boom")
	var finished atomic.Int32
	h, err := InProcess{}.Launch(context.Background(), Job{
		Size: 3,
		Run: func(ctx context.Context, rank int) error {
			if rank == 0 {
				return boom
			}
			time.Sleep(20 * time.Millisecond)
			if ctx.Err() == nil {
				finished.Add(1)
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.ErrorIs(t, h.Wait(), boom)
	require.EqualValues(t, 2, finished.Load())
}

func TestInProcessKill(t *testing.T) {
	h, err := InProcess{}.Launch(context.Background(), Job{
		Size: 2,
		Run: func(ctx context.Context, rank int) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	require.False(t, h.Exited())
	require.NoError(t, h.Kill())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("members ignored Kill")
	}
	require.ErrorIs(t, h.Wait(), context.Canceled)
}

func TestExecPassesMemberEnvironment(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}
	out := &lockedBuffer{}
	h, err := Exec{Stdout: out}.Launch(context.Background(), Job{
		Size:   3,
		Binary: sh,
		Args:   []string{"-c", "echo rank=$MEMBER_RANK"},
		Dir:    t.TempDir(),
		Env: func(rank int) []string {
			return []string{"MEMBER_RANK=" + string(rune('0'+rank))}
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	lines := strings.Fields(out.String())
	sort.Strings(lines)
	require.Equal(t, []string{"rank=0", "rank=1", "rank=2"}, lines)
}

func TestExecKill(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}
	h, err := Exec{}.Launch(context.Background(), Job{
		Size:   2,
		Binary: sh,
		Args:   []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)
	require.NoError(t, h.Kill())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("members survived Kill")
	}
	require.True(t, errs.Is(h.Wait(), errs.PeerExitedError))
}

func TestExecNeedsBinary(t *testing.T) {
	_, err := Exec{}.Launch(context.Background(), Job{Size: 1})
	require.True(t, errs.Is(err, errs.ConfigError))
}
