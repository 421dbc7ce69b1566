package farm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskfarm/config"
)

func init() {
	Register("identity", func(b []byte) ([]byte, error) { return b, nil })
	RegisterTyped("square", func(x int) (int, error) { return x * x, nil })
	RegisterTyped("jitter", func(x int) (int, error) {
		time.Sleep(time.Duration(x%3) * time.Millisecond)
		return x, nil
	})
	RegisterTyped("inflate", func(x int) ([]byte, error) { return make([]byte, 1000), nil })
	RegisterTyped("explode", func(x int) (int, error) {
		if x == 2 {
			panic("kaboom")
		}
		return x, nil
	})
	RegisterTypedFactory("reciprocal", func(numerator float64) (func(float64) (float64, error), error) {
		return func(x float64) (float64, error) {
			if x == 0 {
				return 0, errors.New("division by zero")
			}
			return numerator / x, nil
		}, nil
	})
	RegisterFactory("broken-factory", func([]byte) (Func, error) { return nil, errors.New("no") })
	RegisterFactory("panicking-factory", func([]byte) (Func, error) { panic("no") })
	RegisterFactory("empty-factory", func([]byte) (Func, error) { return nil, nil })
}

// testConfig runs n members as goroutines over the in-process transport.
func testConfig(t *testing.T, n int) *config.Config {
	cfg := config.Default()
	cfg.Cluster.Processes = n
	cfg.Cluster.Launcher = config.LauncherInProcess
	cfg.Cluster.Transport = config.TransportLocal
	cfg.Cluster.TmpDir = t.TempDir()
	cfg.Cluster.BufferSize = 1 << 20
	cfg.Cluster.ShutdownTimeout = 5 * time.Second
	cfg.Scheduler.HeartbeatInterval = 20 * time.Millisecond
	cfg.Scheduler.HeartbeatTimeout = 200 * time.Millisecond
	cfg.Election.Timeout = 5 * time.Second
	return cfg
}

type Harness struct {
	cluster *Cluster
	n       int
	t       *testing.T
}

func NewHarness(t *testing.T, n int, tweaks ...func(*config.Config)) *Harness {
	t.Helper()
	cfg := testConfig(t, n)
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	cluster, err := StartCluster(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { cluster.Shutdown() })
	return &Harness{cluster: cluster, n: n, t: t}
}

func (h *Harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *Harness) Task(name string) Task {
	return Task{Name: name}
}

func (h *Harness) Inputs(n int) [][]byte {
	values := make([]int, n)
	for i := range values {
		values[i] = i
	}
	return encode(h.t, values)
}

// Map runs a bulk batch and fails the test on a batch-level error.
func (h *Harness) Map(task Task, inputs [][]byte) []Result {
	h.t.Helper()
	results, err := h.cluster.Map(h.ctx(), task, inputs)
	require.NoError(h.t, err)
	require.Len(h.t, results, len(inputs))
	return results
}

// Stream runs a streaming batch to the end and returns what it yielded.
func (h *Harness) Stream(task Task, inputs [][]byte) []Result {
	h.t.Helper()
	s, err := h.cluster.IMap(h.ctx(), task, inputs)
	require.NoError(h.t, err)
	var out []Result
	for r := range s.All() {
		out = append(out, r)
	}
	require.NoError(h.t, s.Err())
	return out
}

// Kill detaches an in-process member as if its process had died.
func (h *Harness) Kill(rank int) {
	h.cluster.local[rank].Close()
}

func encode[T any](t *testing.T, values []T) [][]byte {
	t.Helper()
	in, err := EncodeAll(values)
	require.NoError(t, err)
	return in
}

func decodeAll[T any](t *testing.T, results []Result) []T {
	t.Helper()
	out := make([]T, len(results))
	for i, r := range results {
		v, err := DecodeResult[T](r)
		require.NoError(t, err, "result %d", i)
		out[i] = v
	}
	return out
}
