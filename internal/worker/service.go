package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/forkpool/pkg/logging"
)

// Service accepts and serves connections from a listener.
type Service interface {
	// Serve blocks until the listener fails or Shutdown is called.
	Serve(ln net.Listener) error
	// Shutdown stops accepting and waits for in-flight connections until ctx expires.
	Shutdown(ctx context.Context) error
}

// ErrServiceClosed is returned by Serve after Shutdown.
var ErrServiceClosed = errors.New("worker: service closed")

// ConnService runs a Handler for every accepted connection.
type ConnService struct {
	handler Handler
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	inFlight sync.WaitGroup
}

// NewConnService creates a service for h.
func NewConnService(h Handler, logger *logging.Logger) *ConnService {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnService{
		handler: h,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

func (s *ConnService) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	s.ln = ln
	s.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServiceClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// temporary accept failure (EMFILE and friends)
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logger.Warn("accept error, retrying", logging.Fields{"error": err.Error(), "backoff": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			return ErrServiceClosed
		}
		go func() {
			defer s.inFlight.Done()
			defer s.untrack(conn)
			defer conn.Close()
			s.handler.ServeConn(s.ctx, conn)
		}()
	}
}

func (s *ConnService) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.inFlight.Add(1)
	return true
}

func (s *ConnService) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *ConnService) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Active returns the number of connections being served.
func (s *ConnService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes the listener, then waits for handlers to finish. When ctx
// expires the remaining connections are closed and ctx's error is returned.
func (s *ConnService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	idle := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		s.cancel()
		return nil
	case <-ctx.Done():
	}

	s.cancel()
	s.mu.Lock()
	forced := len(s.conns)
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	<-idle

	s.logger.Warn("drain timed out, closed remaining connections", logging.Fields{"connections": forced})
	return ctx.Err()
}

// NewHTTPService serves a small HTTP API identifying the worker.
func NewHTTPService(pid, slot int) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "worker pid %d\n", pid)
	}).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/slot", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "%d\n", slot)
	}).Methods(http.MethodGet)

	return &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler kinds.
const (
	KindEcho = "echo"
	KindHTTP = "http"
)

// ServiceOptions selects and configures a bundled service.
type ServiceOptions struct {
	Kind     string
	Greeting string
	PID      int
	Slot     int
	Logger   *logging.Logger
}

// NewService builds one of the bundled services.
func NewService(opts ServiceOptions) (Service, error) {
	switch opts.Kind {
	case KindEcho, "":
		greeting := opts.Greeting
		if greeting == "" {
			greeting = DefaultGreeting
		}
		return NewConnService(Echo(greeting), opts.Logger), nil
	case KindHTTP:
		return NewHTTPService(opts.PID, opts.Slot), nil
	default:
		return nil, fmt.Errorf("unknown worker handler %q (want %s or %s)", opts.Kind, KindEcho, KindHTTP)
	}
}
