package supervisor

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/listener"
)

// Config controls the pool.
type Config struct {
	PoolSize int
	Network  string
	Address  string
	Mode     handoff.Mode
	Label    string

	// BindRetryInterval is the fixed delay between address-in-use retries.
	BindRetryInterval time.Duration
	// BindMaxAttempts caps bind attempts. 0 retries forever.
	BindMaxAttempts int

	// ReadyTimeout promotes a worker to running if it stays alive this long
	// without sending ready. 0 waits for the message.
	ReadyTimeout time.Duration
	// RestartDelay postpones each respawn. 0 respawns immediately.
	RestartDelay time.Duration
	// MaxRestarts caps respawns per slot. 0 is unbounded.
	MaxRestarts int
	// RespawnRetryInterval spaces deferred respawns after a failed respawn.
	RespawnRetryInterval time.Duration

	// GracePeriod is how long a worker has to exit after TermSignal before
	// it is killed. 0 never escalates.
	GracePeriod time.Duration
	TermSignal  os.Signal
}

// DefaultConfig returns the pool defaults for address.
func DefaultConfig(address string, poolSize int) Config {
	return Config{
		PoolSize:             poolSize,
		Network:              "tcp",
		Address:              address,
		Mode:                 handoff.ModeInherit,
		Label:                handoff.DefaultLabel,
		BindRetryInterval:    listener.DefaultRetryInterval,
		ReadyTimeout:         2 * time.Second,
		RespawnRetryInterval: time.Second,
		GracePeriod:          10 * time.Second,
		TermSignal:           syscall.SIGTERM,
	}
}

// Validate checks the config and fills zero values that have a default.
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.PoolSize)
	}
	if c.Address == "" {
		return errors.New("listen address is required")
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Mode == "" {
		c.Mode = handoff.ModeInherit
	}
	if _, err := handoff.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Label == "" {
		c.Label = handoff.DefaultLabel
	}
	if c.BindRetryInterval <= 0 {
		c.BindRetryInterval = listener.DefaultRetryInterval
	}
	if c.RespawnRetryInterval <= 0 {
		c.RespawnRetryInterval = time.Second
	}
	if c.TermSignal == nil {
		c.TermSignal = syscall.SIGTERM
	}
	if c.BindMaxAttempts < 0 || c.MaxRestarts < 0 {
		return errors.New("attempt and restart caps must not be negative")
	}
	if c.ReadyTimeout < 0 || c.RestartDelay < 0 || c.GracePeriod < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
