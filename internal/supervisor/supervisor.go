// Package supervisor owns the shared listening socket and keeps a pool of
// worker processes serving from it.
//
// All lifecycle decisions happen on one goroutine (Run). Worker messages,
// worker exits and timers are turned into events and delivered to that
// loop, so the pool bookkeeping needs no locking of its own; the registry
// lock only protects concurrent status readers.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/listener"
	"github.com/psantana5/forkpool/internal/metrics"
	"github.com/psantana5/forkpool/internal/observe"
	"github.com/psantana5/forkpool/internal/registry"
	"github.com/psantana5/forkpool/internal/report"
	"github.com/psantana5/forkpool/pkg/logging"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateInit      State = "init"
	StateListening State = "listening"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateStopped   State = "stopped"
)

var allStates = []string{
	string(StateInit), string(StateListening), string(StateRunning),
	string(StateDraining), string(StateStopped),
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithListenFunc overrides how the shared socket is opened.
func WithListenFunc(fn listener.ListenFunc) Option {
	return func(s *Supervisor) { s.listen = fn }
}

// WithCrashLog sets where unexpected exits are kept.
func WithCrashLog(c *report.CrashLog) Option {
	return func(s *Supervisor) { s.crashes = c }
}

// WithInstance sets the instance id passed to workers.
func WithInstance(id string) Option {
	return func(s *Supervisor) { s.instance = id }
}

// Supervisor runs the worker pool.
type Supervisor struct {
	cfg      Config
	spawner  Spawner
	logger   *logging.Logger
	metrics  *metrics.Collector
	crashes  *report.CrashLog
	health   *HealthCheck
	registry *registry.Registry
	listen   listener.ListenFunc
	instance string

	mu       sync.RWMutex
	state    State
	addr     net.Addr
	exitCode int
	reason   string

	ln     net.Listener
	lnFile *os.File

	// owned by the dispatch loop once Run starts
	procs    map[int]*child
	draining bool
	lastCode int
	minCode  int

	events       chan event
	shutdownReq  chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	startOnce    sync.Once

	respawns atomic.Int64
}

// child is the loop's private view of a worker.
type child struct {
	proc     Process
	slot     int
	restarts int
	timing   *observe.Timing
	expected bool
	termSent bool

	readyTimer *time.Timer
	killTimer  *time.Timer
}

func (c *child) stopTimers() {
	if c.readyTimer != nil {
		c.readyTimer.Stop()
	}
	if c.killTimer != nil {
		c.killTimer.Stop()
	}
}

// New creates a supervisor in the init state.
func New(cfg Config, spawner Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		spawner:     spawner,
		registry:    registry.New(),
		health:      NewHealthCheck(),
		state:       StateInit,
		procs:       make(map[int]*child),
		events:      make(chan event, 64),
		shutdownReq: make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger(logging.INFO, false)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.crashes == nil {
		s.crashes = report.NewCrashLog(report.DefaultCrashLogSize)
	}
	if s.instance == "" {
		s.instance = uuid.NewString()
	}
	s.logger = s.logger.WithFields(logging.Fields{"instance": s.instance})
	s.metrics.SetTarget(cfg.PoolSize)
	s.metrics.SetState(string(StateInit), allStates)
	return s
}

// Start binds the shared socket and spawns the initial pool. Address-in-use
// is retried; any other bind error, a spawn failure or a shutdown request
// aborts startup.
func (s *Supervisor) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return ErrAlreadyStarted
	}

	if err := s.cfg.Validate(); err != nil {
		s.finish(1)
		return NewError(ErrorTypePermanent, "configure", -1, 0, "invalid config", err)
	}

	if err := s.bind(ctx); err != nil {
		s.finish(1)
		return err
	}

	for slot := 0; slot < s.cfg.PoolSize; slot++ {
		if err := s.spawn(ctx, slot, 0, nil); err != nil {
			s.abortStart()
			return err
		}
	}

	if s.cfg.Mode == handoff.ModeReusePort {
		// workers hold their own sockets now; the probe only reserved the address
		s.ln.Close()
		s.ln = nil
	}

	s.setState(StateRunning)
	s.logger.Info("worker pool started", logging.Fields{
		"addr":    s.Addr(),
		"workers": s.cfg.PoolSize,
		"mode":    string(s.cfg.Mode),
	})
	s.updateGauges()
	return nil
}

func (s *Supervisor) bind(ctx context.Context) error {
	bindCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.shutdownReq:
			cancel()
		case <-bindCtx.Done():
		}
	}()

	ln, attempts, err := listener.Bind(bindCtx, listener.Options{
		Network:       s.cfg.Network,
		Address:       s.cfg.Address,
		ReusePort:     s.cfg.Mode == handoff.ModeReusePort,
		RetryInterval: s.cfg.BindRetryInterval,
		MaxAttempts:   s.cfg.BindMaxAttempts,
		Listen:        s.listen,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("address in use, retrying", logging.Fields{
				"addr":     s.cfg.Address,
				"attempt":  attempt,
				"interval": s.cfg.BindRetryInterval.String(),
			})
		},
	})
	s.metrics.ObserveBind(attempts, err)
	if err != nil {
		if s.shutdownRequested() {
			return NewError(ErrorTypeTransient, "bind", -1, 0, s.cfg.Address, ErrShutdownDuringStart)
		}
		return NewError(Classify(err), "bind", -1, 0, s.cfg.Address, err)
	}

	s.ln = ln
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.setState(StateListening)
	s.logger.Info("listening", logging.Fields{"addr": ln.Addr().String(), "attempts": attempts})

	if s.cfg.Mode == handoff.ModeInherit {
		f, err := listener.File(ln)
		if err != nil {
			ln.Close()
			return NewError(ErrorTypePermanent, "handoff", -1, 0, "cannot share listener", err)
		}
		s.lnFile = f
	}
	return nil
}

// abortStart stops workers spawned before a startup failure.
func (s *Supervisor) abortStart() {
	for _, c := range s.procs {
		c.proc.Signal(s.cfg.TermSignal)
	}
	for pid, c := range s.procs {
		if !waitTimeout(c.proc, s.cfg.GracePeriod) {
			c.proc.Kill()
			c.proc.Wait()
		}
		c.stopTimers()
		s.registry.Remove(pid)
		delete(s.procs, pid)
	}
	s.closeListener()
	s.finish(1)
}

func waitTimeout(p Process, d time.Duration) bool {
	exited := make(chan struct{})
	go func() {
		p.Wait()
		close(exited)
	}()
	if d <= 0 {
		<-exited
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-exited:
		return true
	case <-t.C:
		return false
	}
}

// spawn starts one worker for slot and registers it as starting.
func (s *Supervisor) spawn(ctx context.Context, slot, restarts int, lastExit *registry.ExitStatus) error {
	req := SpawnRequest{
		Slot:     slot,
		Restarts: restarts,
		Payload: handoff.Payload{
			Label:    s.cfg.Label,
			Instance: s.instance,
			Slot:     slot,
			Mode:     s.cfg.Mode,
			Addr:     s.Addr(),
		},
		Listener: s.lnFile,
	}

	timing := observe.NewTiming()
	proc, err := s.spawner.Spawn(ctx, req)
	if err != nil {
		serr := NewError(ErrorTypeSpawn, "spawn", slot, 0, "cannot start worker", err)
		s.metrics.IncSpawnFailure()
		s.health.RecordSpawnFailure(serr)
		return serr
	}

	pid := proc.PID()
	if err := s.registry.Add(pid, slot, restarts, timing.StartedAt); err != nil {
		// a pid still registered means its exit was never observed
		proc.Kill()
		return NewError(ErrorTypeSpawn, "spawn", slot, pid, "registry conflict", err)
	}
	if lastExit != nil {
		s.registry.SetLastExit(pid, *lastExit)
	}

	c := &child{proc: proc, slot: slot, restarts: restarts, timing: timing}
	s.procs[pid] = c
	s.metrics.IncSpawn()
	s.health.RecordSpawnSuccess()
	s.logger.Debug("worker spawned", logging.Fields{"pid": pid, "slot": slot, "restarts": restarts})

	go s.watch(pid, proc)
	if s.cfg.ReadyTimeout > 0 {
		c.readyTimer = time.AfterFunc(s.cfg.ReadyTimeout, func() {
			s.post(event{kind: eventReadyTimeout, pid: pid})
		})
	}
	return nil
}

// watch forwards a worker's messages, then its exit, to the dispatch loop.
func (s *Supervisor) watch(pid int, proc Process) {
	if msgs := proc.Messages(); msgs != nil {
		for m := range msgs {
			s.post(event{kind: eventMessage, pid: pid, msg: m})
		}
	}
	status := proc.Wait()
	s.post(event{kind: eventExit, pid: pid, status: status})
}

// post delivers an event unless the supervisor has stopped.
func (s *Supervisor) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run processes lifecycle events until the pool has drained. Cancelling ctx
// starts a shutdown, the same as RequestShutdown. It returns the exit code
// the process should use.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	switch s.State() {
	case StateRunning:
	case StateStopped:
		return s.ExitCode(), ErrNotStarted
	default:
		return 1, ErrNotStarted
	}

	ctxDone := ctx.Done()
	reqCh := s.shutdownReq
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.RequestShutdown("context cancelled")
		case <-reqCh:
			reqCh = nil
			s.beginDrain(s.Reason())
		case ev := <-s.events:
			s.handle(ctx, ev)
		}

		if s.draining && s.registry.Len() == 0 {
			s.stop()
			return s.ExitCode(), nil
		}
	}
}

// RequestShutdown asks the supervisor to drain. Safe to call any number of
// times from any goroutine; only the first call counts.
func (s *Supervisor) RequestShutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.shutdownReq)
	})
}

// Shutdown requests a drain and waits for the supervisor to stop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.RequestShutdown("shutdown requested")
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers to drain: %w", ctx.Err())
	}
}

func (s *Supervisor) shutdownRequested() bool {
	select {
	case <-s.shutdownReq:
		return true
	default:
		return false
	}
}

// beginDrain stops respawning and asks every live worker to exit.
func (s *Supervisor) beginDrain(reason string) {
	if s.draining {
		return
	}
	s.draining = true
	s.setState(StateDraining)
	s.logger.Info("draining worker pool", logging.Fields{"reason": reason, "live": len(s.procs)})

	for pid, c := range s.procs {
		s.terminate(pid, c)
	}
	s.updateGauges()
}

// terminate sends the termination signal once and arms the kill timer.
func (s *Supervisor) terminate(pid int, c *child) {
	if c.termSent {
		return
	}
	c.termSent = true
	c.expected = true
	s.registry.Transition(pid, registry.StateExiting, time.Now())

	if err := c.proc.Signal(s.cfg.TermSignal); err != nil {
		s.logger.Warn("failed to signal worker", logging.Fields{"pid": pid, "error": err.Error()})
	}
	s.metrics.IncTermination()

	if s.cfg.GracePeriod > 0 {
		c.killTimer = time.AfterFunc(s.cfg.GracePeriod, func() {
			s.post(event{kind: eventGraceExpired, pid: pid})
		})
	}
}

// stop closes the socket and moves to stopped. Only called with an empty registry.
func (s *Supervisor) stop() {
	s.closeListener()

	code := s.lastCode
	if code == 0 {
		code = s.minCode
	}
	s.logger.Info("worker pool stopped", logging.Fields{"exit_code": code})
	s.finish(code)
}

func (s *Supervisor) closeListener() {
	if s.lnFile != nil {
		s.lnFile.Close()
		s.lnFile = nil
	}
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
}

func (s *Supervisor) finish(code int) {
	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	s.setState(StateStopped)
	close(s.done)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.metrics.SetState(string(st), allStates)
}

func (s *Supervisor) updateGauges() {
	counts := s.registry.CountByState()
	byName := make(map[string]int, len(counts))
	for st, n := range counts {
		byName[string(st)] = n
	}
	s.metrics.SetWorkers(byName)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed once the supervisor has stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitCode is the code the process should exit with. Valid once Done is closed.
func (s *Supervisor) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

// Reason returns why shutdown was requested, if it was.
func (s *Supervisor) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Addr returns the bound address, or the configured one before binding.
func (s *Supervisor) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.cfg.Address
}

// Instance returns the id shared with every worker.
func (s *Supervisor) Instance() string {
	return s.instance
}

// Registry exposes the worker registry for read-only use.
func (s *Supervisor) Registry() *registry.Registry {
	return s.registry
}

// Crashes returns the crash log.
func (s *Supervisor) Crashes() *report.CrashLog {
	return s.crashes
}

// Metrics returns the collector the supervisor reports to.
func (s *Supervisor) Metrics() *metrics.Collector {
	return s.metrics
}

// Health evaluates pool health now.
func (s *Supervisor) Health() HealthStatus {
	st := s.State()
	return s.health.Evaluate(s.liveCount(), s.cfg.PoolSize, st == StateDraining || st == StateStopped)
}

func (s *Supervisor) liveCount() int {
	counts := s.registry.CountByState()
	return counts[registry.StateStarting] + counts[registry.StateRunning]
}
