// Package listener creates the pool's shared listening socket.
//
// Binding never gives up on an occupied address: EADDRINUSE is retried at a
// fixed interval until the address frees up (or an optional attempt cap is
// reached). Every other bind error is returned immediately.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psantana5/forkpool/pkg/retry"
)

// DefaultRetryInterval matches the one second pause between bind attempts.
const DefaultRetryInterval = time.Second

// ListenFunc opens a listener. Tests substitute it to simulate an occupied address.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// Options configures Bind.
type Options struct {
	Network string
	Address string

	// ReusePort sets SO_REUSEPORT so that several processes may bind the
	// same address independently.
	ReusePort bool

	RetryInterval time.Duration
	MaxAttempts   int // 0 = unbounded

	// Listen overrides the socket constructor.
	Listen ListenFunc

	// OnRetry is called after every address-in-use failure.
	OnRetry func(attempt int, err error)
}

// Bind opens the listening socket, retrying while the address is in use.
// It returns the listener and the number of attempts it took.
func Bind(ctx context.Context, opts Options) (net.Listener, int, error) {
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	listen := opts.Listen
	if listen == nil {
		lc := Config(opts.ReusePort)
		listen = lc.Listen
	}

	cfg := retry.Fixed(opts.RetryInterval)
	if opts.MaxAttempts > 0 {
		cfg.MaxRetries = opts.MaxAttempts - 1
	}
	cfg.Retryable = IsAddrInUse
	if opts.OnRetry != nil {
		cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
			opts.OnRetry(attempt, err)
		}
	}

	var ln net.Listener
	attempts, err := retry.Do(ctx, cfg, func() error {
		l, err := listen(ctx, opts.Network, opts.Address)
		if err != nil {
			return err
		}
		ln = l
		return nil
	})
	if err != nil {
		return nil, attempts, fmt.Errorf("bind %s %s: %w", opts.Network, opts.Address, err)
	}
	return ln, attempts, nil
}

// IsAddrInUse reports whether err is an address-already-in-use bind failure.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// Config returns a ListenConfig that sets SO_REUSEADDR and, when asked,
// SO_REUSEPORT on the socket before bind.
func Config(reusePort bool) *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr == nil && reusePort {
					opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}

// File returns a duplicate descriptor for ln, suitable for exec.Cmd.ExtraFiles.
// Closing the returned file does not close ln.
func File(ln net.Listener) (*os.File, error) {
	f, ok := ln.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("listener %T cannot be shared across processes", ln)
	}
	return f.File()
}
