package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskfarm/errs"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TASKFARM_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Cluster.Processes)
	require.Equal(t, PolicyRemove, cfg.Scheduler.FailurePolicy)
	require.Equal(t, ElectionLock, cfg.Election.Mode)
	require.Equal(t, 64<<20, cfg.Cluster.BufferSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKFARM_CONFIG", "")
	t.Setenv("TASKFARM_CLUSTER_PROCESSES", "7")
	t.Setenv("TASKFARM_SCHEDULER_FAILURE_POLICY", "KEEP")
	t.Setenv("TASKFARM_MEMBER_RANK", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Cluster.Processes)
	require.Equal(t, PolicyKeep, cfg.Scheduler.FailurePolicy)
	require.Equal(t, 3, cfg.Member.Rank)
}

func TestSaveThenLoad(t *testing.T) {
	t.Setenv("TASKFARM_CONFIG", "")
	path := filepath.Join(t.TempDir(), "cluster.yaml")

	cfg := Default()
	cfg.Cluster.Processes = 3
	cfg.Scheduler.HeartbeatTimeout = 2 * time.Second
	cfg.Member.Dir = "/tmp/somewhere"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Cluster.Processes)
	require.Equal(t, 2*time.Second, loaded.Scheduler.HeartbeatTimeout)
	require.Equal(t, "/tmp/somewhere", loaded.Member.Dir)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"single process":  func(c *Config) { c.Cluster.Processes = 1 },
		"tiny buffer":     func(c *Config) { c.Cluster.BufferSize = 4 },
		"bad policy":      func(c *Config) { c.Scheduler.FailurePolicy = "retry" },
		"bad election":    func(c *Config) { c.Election.Mode = "vote" },
		"fixed rank":      func(c *Config) { c.Election.Mode = ElectionFixed; c.Election.FixedRank = 9 },
		"local over exec": func(c *Config) { c.Cluster.Transport = TransportLocal },
		"heartbeat order": func(c *Config) { c.Scheduler.HeartbeatTimeout = c.Scheduler.HeartbeatInterval },
		"log level":       func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.ConfigError), "got %v", err)
		})
	}
}

func TestMemberEnv(t *testing.T) {
	env := MemberEnv("/x/cluster.yaml", 2, 5)
	require.Equal(t, []string{
		"TASKFARM_CONFIG=/x/cluster.yaml",
		"TASKFARM_MEMBER_RANK=2",
		"TASKFARM_MEMBER_SIZE=5",
	}, env)
}
