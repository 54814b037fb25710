// Package config loads forkpool settings from defaults, a YAML file,
// FORKPOOL_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/forkpool/internal/cgroups"
	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/supervisor"
	"github.com/psantana5/forkpool/internal/worker"
	"github.com/psantana5/forkpool/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g. FORKPOOL_POOL_WORKERS.
const EnvPrefix = "FORKPOOL"

type ListenConfig struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	Network           string        `mapstructure:"network" yaml:"network"`
	Handoff           string        `mapstructure:"handoff" yaml:"handoff"`
	BindRetryInterval time.Duration `mapstructure:"bind_retry_interval" yaml:"bind_retry_interval"`
	BindMaxAttempts   int           `mapstructure:"bind_max_attempts" yaml:"bind_max_attempts"`
}

type PoolConfig struct {
	// Workers is the pool size. 0 means one per CPU core.
	Workers              int           `mapstructure:"workers" yaml:"workers"`
	ReadyTimeout         time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	RestartDelay         time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
	MaxRestarts          int           `mapstructure:"max_restarts" yaml:"max_restarts"`
	RespawnRetryInterval time.Duration `mapstructure:"respawn_retry_interval" yaml:"respawn_retry_interval"`
	Label                string        `mapstructure:"label" yaml:"label"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

type WorkerConfig struct {
	Handler      string         `mapstructure:"handler" yaml:"handler"`
	Greeting     string         `mapstructure:"greeting" yaml:"greeting"`
	Title        string         `mapstructure:"title" yaml:"title"`
	DrainTimeout time.Duration  `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	Limits       cgroups.Limits `mapstructure:"limits" yaml:"limits"`
}

type AdminConfig struct {
	// Addr is the admin endpoint address. Empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Token, when set, is required as a bearer token on all routes but /healthz.
	Token string `mapstructure:"token" yaml:"token"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	// File writes logs under the per-component log directory instead of stdout.
	File bool `mapstructure:"file" yaml:"file"`
}

// Config is the complete forkpool configuration.
type Config struct {
	Listen   ListenConfig   `mapstructure:"listen" yaml:"listen"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen.host", "127.0.0.1")
	v.SetDefault("listen.port", 3000)
	v.SetDefault("listen.network", "tcp")
	v.SetDefault("listen.handoff", string(handoff.ModeInherit))
	v.SetDefault("listen.bind_retry_interval", time.Second)
	v.SetDefault("listen.bind_max_attempts", 0)

	v.SetDefault("pool.workers", 0)
	v.SetDefault("pool.ready_timeout", 2*time.Second)
	v.SetDefault("pool.restart_delay", time.Duration(0))
	v.SetDefault("pool.max_restarts", 0)
	v.SetDefault("pool.respawn_retry_interval", time.Second)
	v.SetDefault("pool.label", handoff.DefaultLabel)

	v.SetDefault("shutdown.grace_period", 10*time.Second)

	v.SetDefault("worker.handler", worker.KindEcho)
	v.SetDefault("worker.greeting", worker.DefaultGreeting)
	v.SetDefault("worker.title", "forkpool-worker")
	v.SetDefault("worker.drain_timeout", worker.DefaultDrainTimeout)
	v.SetDefault("worker.limits.cpu_quota", 0.0)
	v.SetDefault("worker.limits.cpu_weight", 0)
	v.SetDefault("worker.limits.memory_mb", 0)

	v.SetDefault("admin.addr", "127.0.0.1:9100")
	v.SetDefault("admin.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes v into a Config, fills derived defaults and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize resolves values that depend on the host.
func (c *Config) Normalize() {
	if c.Pool.Workers == 0 {
		n, err := cpu.Counts(true)
		if err != nil || n < 1 {
			n = 1
		}
		c.Pool.Workers = n
	}
	if c.Listen.Network == "" {
		c.Listen.Network = "tcp"
	}
	if c.Listen.Handoff == "" {
		c.Listen.Handoff = string(handoff.ModeInherit)
	}
	if c.Pool.Label == "" {
		c.Pool.Label = handoff.DefaultLabel
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.Workers < 1 {
		errs = append(errs, fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port out of range: %d", c.Listen.Port))
	}
	if _, err := handoff.ParseMode(c.Listen.Handoff); err != nil {
		errs = append(errs, fmt.Errorf("listen.handoff: %w", err))
	}
	if c.Listen.BindMaxAttempts < 0 {
		errs = append(errs, errors.New("listen.bind_max_attempts must not be negative"))
	}
	if c.Pool.MaxRestarts < 0 {
		errs = append(errs, errors.New("pool.max_restarts must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"listen.bind_retry_interval":  c.Listen.BindRetryInterval,
		"pool.ready_timeout":          c.Pool.ReadyTimeout,
		"pool.restart_delay":          c.Pool.RestartDelay,
		"pool.respawn_retry_interval": c.Pool.RespawnRetryInterval,
		"shutdown.grace_period":       c.Shutdown.GracePeriod,
		"worker.drain_timeout":        c.Worker.DrainTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.Worker.Handler {
	case worker.KindEcho, worker.KindHTTP:
	default:
		errs = append(errs, fmt.Errorf("worker.handler must be %s or %s, got %q", worker.KindEcho, worker.KindHTTP, c.Worker.Handler))
	}
	if err := c.Worker.Limits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker.limits: %w", err))
	}
	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Address returns host:port of the shared socket.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Listen.Host, strconv.Itoa(c.Listen.Port))
}

// Supervisor converts the config into the pool settings.
func (c *Config) Supervisor() supervisor.Config {
	sc := supervisor.DefaultConfig(c.Address(), c.Pool.Workers)
	sc.Network = c.Listen.Network
	sc.Mode = handoff.Mode(c.Listen.Handoff)
	sc.Label = c.Pool.Label
	sc.BindRetryInterval = c.Listen.BindRetryInterval
	sc.BindMaxAttempts = c.Listen.BindMaxAttempts
	sc.ReadyTimeout = c.Pool.ReadyTimeout
	sc.RestartDelay = c.Pool.RestartDelay
	sc.MaxRestarts = c.Pool.MaxRestarts
	sc.RespawnRetryInterval = c.Pool.RespawnRetryInterval
	sc.GracePeriod = c.Shutdown.GracePeriod
	return sc
}

// YAML renders the config as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Example is a commented config file with every default spelled out.
const Example = `# forkpool configuration
# Every key can be overridden with FORKPOOL_<SECTION>_<KEY>, e.g. FORKPOOL_POOL_WORKERS=4.

listen:
  host: 127.0.0.1
  port: 3000
  network: tcp
  # inherit: workers share the supervisor's socket
  # reuseport: every worker binds its own SO_REUSEPORT socket
  handoff: inherit
  bind_retry_interval: 1s
  # 0 retries an occupied address forever
  bind_max_attempts: 0

pool:
  # 0 starts one worker per CPU core
  workers: 0
  ready_timeout: 2s
  restart_delay: 0s
  # 0 respawns without limit
  max_restarts: 0
  respawn_retry_interval: 1s
  label: server

shutdown:
  # SIGKILL follows if a worker outlives this
  grace_period: 10s

worker:
  # echo or http
  handler: echo
  greeting: "hello "
  title: forkpool-worker
  drain_timeout: 5s
  limits:
    cpu_quota: 0
    cpu_weight: 0
    memory_mb: 0

admin:
  # empty disables the admin endpoint
  addr: 127.0.0.1:9100
  # bearer token for every route except /healthz; prefer FORKPOOL_ADMIN_TOKEN
  token: ""

log:
  level: info
  json: false
  file: false
`
