// Package config provides YAML and environment based configuration for taskfarm.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"taskfarm/errs"
)

// EnvPrefix prefixes every environment override, e.g. TASKFARM_CLUSTER_PROCESSES=8.
const EnvPrefix = "TASKFARM"

const (
	LauncherExec      = "exec"
	LauncherInProcess = "inprocess"

	TransportRPC   = "rpc"
	TransportLocal = "local"

	PolicyRemove = "remove"
	PolicyKeep   = "keep"

	ElectionLock  = "lock"
	ElectionFixed = "fixed"
)

// frameHeader mirrors the handoff channel's per-region header: one flag byte and a u64 length.
const frameHeader = 9

// Config is the root configuration shared by the invoker and every cluster member.
type Config struct {
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Election  ElectionConfig  `mapstructure:"election" yaml:"election"`
	Member    MemberConfig    `mapstructure:"member" yaml:"member"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ClusterConfig controls how the cluster is launched and wired.
type ClusterConfig struct {
	// Processes is the number of members, coordinator included.
	Processes int `mapstructure:"processes" yaml:"processes"`
	// Launcher: exec or inprocess
	Launcher string `mapstructure:"launcher" yaml:"launcher"`
	// Binary launched for every member by the exec launcher; defaults to the running executable.
	Binary string `mapstructure:"binary" yaml:"binary"`
	// Args passed to Binary before the member environment is applied.
	Args []string `mapstructure:"args" yaml:"args"`
	// TmpDir is the parent of the per-cluster directory; empty means os.TempDir().
	TmpDir string `mapstructure:"tmp_dir" yaml:"tmp_dir"`
	// BufferSize is the capacity in bytes of each handoff region.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	// Transport: rpc or local (local requires the inprocess launcher)
	Transport     string        `mapstructure:"transport" yaml:"transport"`
	ListenAddr    string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AdvertiseHost string        `mapstructure:"advertise_host" yaml:"advertise_host"`
	JoinTimeout   time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	// ShutdownTimeout bounds the graceful teardown before members are killed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SchedulerConfig tunes the coordinator's dispatch loop and liveness checks.
type SchedulerConfig struct {
	// FailurePolicy: remove drops a worker from the batch after an item failure, keep reassigns it.
	FailurePolicy     string        `mapstructure:"failure_policy" yaml:"failure_policy"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// ElectionConfig selects how the coordinator is chosen.
type ElectionConfig struct {
	// Mode: lock (advisory file lock on the invoking host) or fixed (degraded: FixedRank always wins)
	Mode      string        `mapstructure:"mode" yaml:"mode"`
	FixedRank int           `mapstructure:"fixed_rank" yaml:"fixed_rank"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MemberConfig is filled in by the launcher for each member process.
type MemberConfig struct {
	Rank         int    `mapstructure:"rank" yaml:"rank"`
	Size         int    `mapstructure:"size" yaml:"size"`
	Dir          string `mapstructure:"dir" yaml:"dir"`
	InvokingHost string `mapstructure:"invoking_host" yaml:"invoking_host"`
	InvokerPID   int    `mapstructure:"invoker_pid" yaml:"invoker_pid"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Processes:       4,
			Launcher:        LauncherExec,
			BufferSize:      64 << 20,
			Transport:       TransportRPC,
			ListenAddr:      "127.0.0.1:0",
			AdvertiseHost:   "127.0.0.1",
			JoinTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			FailurePolicy:     PolicyRemove,
			PollInterval:      time.Millisecond,
			HeartbeatInterval: 500 * time.Millisecond,
			HeartbeatTimeout:  5 * time.Second,
		},
		Election: ElectionConfig{
			Mode:    ElectionLock,
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/taskfarm.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from the file named
// by TASKFARM_CONFIG or a taskfarm.yaml in the usual places, then applies
// environment overrides. Keys map to variables by upper-casing and replacing
// `.` with `_`: TASKFARM_SCHEDULER_FAILURE_POLICY=keep.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("cluster.processes", cfg.Cluster.Processes)
	v.SetDefault("cluster.launcher", cfg.Cluster.Launcher)
	v.SetDefault("cluster.binary", cfg.Cluster.Binary)
	v.SetDefault("cluster.args", cfg.Cluster.Args)
	v.SetDefault("cluster.tmp_dir", cfg.Cluster.TmpDir)
	v.SetDefault("cluster.buffer_size", cfg.Cluster.BufferSize)
	v.SetDefault("cluster.transport", cfg.Cluster.Transport)
	v.SetDefault("cluster.listen_addr", cfg.Cluster.ListenAddr)
	v.SetDefault("cluster.advertise_host", cfg.Cluster.AdvertiseHost)
	v.SetDefault("cluster.join_timeout", cfg.Cluster.JoinTimeout)
	v.SetDefault("cluster.shutdown_timeout", cfg.Cluster.ShutdownTimeout)
	v.SetDefault("scheduler.failure_policy", cfg.Scheduler.FailurePolicy)
	v.SetDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	v.SetDefault("scheduler.heartbeat_interval", cfg.Scheduler.HeartbeatInterval)
	v.SetDefault("scheduler.heartbeat_timeout", cfg.Scheduler.HeartbeatTimeout)
	v.SetDefault("election.mode", cfg.Election.Mode)
	v.SetDefault("election.fixed_rank", cfg.Election.FixedRank)
	v.SetDefault("election.timeout", cfg.Election.Timeout)
	v.SetDefault("member.rank", cfg.Member.Rank)
	v.SetDefault("member.size", cfg.Member.Size)
	v.SetDefault("member.dir", cfg.Member.Dir)
	v.SetDefault("member.invoking_host", cfg.Member.InvokingHost)
	v.SetDefault("member.invoker_pid", cfg.Member.InvokerPID)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskfarm")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".taskfarm"))
		}
	}

	// a missing file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errs.ConfigError.New("read config: %v", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.ConfigError.New("decode config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML so that exec-launched members can Load the identical settings.
func Save(cfg *Config, path string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errs.ConfigError.New("encode config: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errs.ConfigError.Wrap(err)
	}
	return nil
}

// Validate normalizes cfg and rejects settings the cluster cannot run with.
func (c *Config) Validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errs.ConfigError.New("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	// one coordinator plus at least one worker
	if c.Cluster.Processes < 2 {
		return errs.ConfigError.New("cluster.processes must be at least 2, got %d", c.Cluster.Processes)
	}
	if c.Cluster.BufferSize <= frameHeader {
		return errs.ConfigError.New("cluster.buffer_size must exceed %d bytes, got %d", frameHeader, c.Cluster.BufferSize)
	}

	c.Cluster.Launcher = strings.ToLower(strings.TrimSpace(c.Cluster.Launcher))
	switch c.Cluster.Launcher {
	case LauncherExec, LauncherInProcess:
	default:
		return errs.ConfigError.New("invalid cluster.launcher: %q", c.Cluster.Launcher)
	}

	c.Cluster.Transport = strings.ToLower(strings.TrimSpace(c.Cluster.Transport))
	switch c.Cluster.Transport {
	case TransportRPC:
	case TransportLocal:
		if c.Cluster.Launcher != LauncherInProcess {
			return errs.ConfigError.New("cluster.transport %q needs the %q launcher", TransportLocal, LauncherInProcess)
		}
	default:
		return errs.ConfigError.New("invalid cluster.transport: %q", c.Cluster.Transport)
	}

	c.Scheduler.FailurePolicy = strings.ToLower(strings.TrimSpace(c.Scheduler.FailurePolicy))
	switch c.Scheduler.FailurePolicy {
	case PolicyRemove, PolicyKeep:
	default:
		return errs.ConfigError.New("invalid scheduler.failure_policy: %q", c.Scheduler.FailurePolicy)
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = time.Millisecond
	}
	if c.Scheduler.HeartbeatInterval <= 0 || c.Scheduler.HeartbeatTimeout <= c.Scheduler.HeartbeatInterval {
		return errs.ConfigError.New("scheduler.heartbeat_timeout (%v) must exceed a positive heartbeat_interval (%v)",
			c.Scheduler.HeartbeatTimeout, c.Scheduler.HeartbeatInterval)
	}

	c.Election.Mode = strings.ToLower(strings.TrimSpace(c.Election.Mode))
	switch c.Election.Mode {
	case ElectionLock:
	case ElectionFixed:
		if c.Election.FixedRank < 0 || c.Election.FixedRank >= c.Cluster.Processes {
			return errs.ConfigError.New("election.fixed_rank %d out of range [0,%d)", c.Election.FixedRank, c.Cluster.Processes)
		}
	default:
		return errs.ConfigError.New("invalid election.mode: %q", c.Election.Mode)
	}
	return nil
}

// MemberEnv returns the environment entries that give an exec-launched member its identity.
func MemberEnv(configPath string, rank, size int) []string {
	return []string{
		fmt.Sprintf("%s_CONFIG=%s", EnvPrefix, configPath),
		fmt.Sprintf("%s_MEMBER_RANK=%d", EnvPrefix, rank),
		fmt.Sprintf("%s_MEMBER_SIZE=%d", EnvPrefix, size),
	}
}
