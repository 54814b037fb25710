// Package worker is the process side of the pool: it takes the socket handed
// over by the supervisor, serves connections from it, and drains on request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/listener"
	"github.com/psantana5/forkpool/pkg/logging"
)

// DefaultDrainTimeout bounds how long in-flight connections may take after
// a termination request.
const DefaultDrainTimeout = 5 * time.Second

// Config controls one worker.
type Config struct {
	Slot         int
	DrainTimeout time.Duration
}

// Worker serves a Service and reports its lifecycle to the supervisor.
type Worker struct {
	cfg      Config
	service  Service
	notifier *handoff.Notifier
	logger   *logging.Logger
}

// New creates a worker. notifier may be nil when no supervisor is listening.
func New(cfg Config, service Service, notifier *handoff.Notifier, logger *logging.Logger) *Worker {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{cfg: cfg, service: service, notifier: notifier, logger: logger}
}

// readyInfo is the payload of the ready message.
type readyInfo struct {
	Slot int    `json:"slot"`
	Addr string `json:"addr"`
}

// Run serves ln until ctx is cancelled, then drains. A drain that runs out
// of time is logged, not returned: the worker still exits cleanly.
func (w *Worker) Run(ctx context.Context, ln net.Listener) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- w.service.Serve(ln) }()

	w.notifier.Notify(handoff.NewMessage(handoff.MessageReady, readyInfo{Slot: w.cfg.Slot, Addr: ln.Addr().String()}))
	w.logger.Info("worker ready", logging.Fields{"slot": w.cfg.Slot, "addr": ln.Addr().String()})

	select {
	case err := <-serveErr:
		if isClosed(err) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	w.notifier.Notify(handoff.NewMessage(handoff.MessageDraining, nil))
	w.logger.Info("draining", logging.Fields{"timeout": w.cfg.DrainTimeout.String()})

	drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()
	if err := w.service.Shutdown(drainCtx); err != nil {
		w.logger.Warn("drain incomplete", logging.Fields{"error": err.Error()})
	}
	if err := <-serveErr; err != nil && !isClosed(err) {
		w.logger.Warn("serve ended with error", logging.Fields{"error": err.Error()})
	}
	return nil
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, ErrServiceClosed) ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed)
}

// Listen returns the worker's listener: the inherited socket, or in
// reuseport mode a socket of its own bound to the shared address.
func Listen(ctx context.Context, rcv *handoff.Received, retryInterval time.Duration) (net.Listener, error) {
	switch rcv.Mode {
	case handoff.ModeInherit:
		if rcv.Listener == nil {
			return nil, errors.New("no inherited listener")
		}
		return rcv.Listener, nil
	case handoff.ModeReusePort:
		ln, _, err := listener.Bind(ctx, listener.Options{
			Address:       rcv.Addr,
			ReusePort:     true,
			RetryInterval: retryInterval,
		})
		return ln, err
	default:
		return nil, fmt.Errorf("unsupported handoff mode %q", rcv.Mode)
	}
}
