package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/forkpool/pkg/logging"
)

// Signals are the termination requests the manager reacts to.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM}

// Manager handles graceful shutdown
type Manager struct {
	shutdownFuncs []func(context.Context) error
	mu            sync.Mutex
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
	reason        string
	err           error
	logger        *logging.Logger
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		shutdownFuncs: make([]func(context.Context) error, 0),
		timeout:       timeout,
		doneChan:      make(chan struct{}),
		logger:        logger.WithComponent("shutdown"),
	}
}

// Register adds a shutdown function
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// Listen blocks until ctx is done, turning the first termination signal
// into Shutdown. Later signals are logged and ignored.
func (m *Manager) Listen(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, Signals...)
	defer signal.Stop(sigChan)

	m.watch(ctx, sigChan)
}

func (m *Manager) watch(ctx context.Context, sigChan <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			if m.Initiated() {
				m.logger.Warn("Shutdown already in progress, ignoring signal", logging.Fields{"signal": sig.String()})
				continue
			}
			m.logger.Info("Received signal, initiating graceful shutdown", logging.Fields{"signal": sig.String()})
			go m.Shutdown(sig.String())
		}
	}
}

// Initiated reports whether Shutdown has been called.
func (m *Manager) Initiated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason != ""
}

// Done returns a channel that is closed when shutdown has completed
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Reason returns what triggered the shutdown, empty if it has not started.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Shutdown executes all registered shutdown functions exactly once.
// Concurrent and repeated callers block until the first run completes
// and all receive its error.
func (m *Manager) Shutdown(reason string) error {
	m.once.Do(func() {
		m.mu.Lock()
		m.reason = reason
		funcs := make([]func(context.Context) error, len(m.shutdownFuncs))
		copy(funcs, m.shutdownFuncs)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](ctx); err != nil {
				m.logger.Error("Shutdown function failed", logging.Fields{"index": i, "error": err.Error()})
				errs = append(errs, err)
			}
		}
		m.err = errors.Join(errs...)

		m.logger.Info("Graceful shutdown complete", logging.Fields{"reason": reason})
		close(m.doneChan)
	})

	<-m.doneChan
	return m.err
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}
