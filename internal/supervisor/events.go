package supervisor

import (
	"context"
	"syscall"
	"time"

	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/registry"
	"github.com/psantana5/forkpool/internal/report"
	"github.com/psantana5/forkpool/pkg/logging"
)

type eventKind int

const (
	eventMessage eventKind = iota
	eventExit
	eventReadyTimeout
	eventRespawn
	eventGraceExpired
)

type event struct {
	kind   eventKind
	pid    int
	msg    handoff.Message
	status registry.ExitStatus

	// respawn target
	slot     int
	restarts int
	lastExit *registry.ExitStatus
}

func (s *Supervisor) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventMessage:
		s.onMessage(ev.pid, ev.msg)
	case eventExit:
		s.onExit(ctx, ev.pid, ev.status)
	case eventReadyTimeout:
		if c, ok := s.procs[ev.pid]; ok && !c.termSent {
			s.logger.Debug("no ready message, assuming worker is up", logging.Fields{"pid": ev.pid})
			s.markRunning(ev.pid, c)
		}
	case eventRespawn:
		if !s.draining {
			s.respawn(ctx, ev.slot, ev.restarts, ev.lastExit)
		}
	case eventGraceExpired:
		if c, ok := s.procs[ev.pid]; ok {
			s.logger.Warn("worker ignored termination, killing", logging.Fields{
				"pid":   ev.pid,
				"grace": s.cfg.GracePeriod.String(),
			})
			if err := c.proc.Kill(); err == nil {
				s.metrics.IncForcedKill()
			}
		}
	}
}

func (s *Supervisor) onMessage(pid int, m handoff.Message) {
	s.metrics.IncMessage(string(m.Type))
	c, ok := s.procs[pid]
	if !ok {
		return
	}

	switch m.Type {
	case handoff.MessageReady:
		if !c.termSent {
			s.markRunning(pid, c)
		}
	case handoff.MessageDraining:
		s.logger.Debug("worker draining", logging.Fields{"pid": pid})
	default:
		// application messages are observed, never acted on
		s.logger.Info("worker message", logging.Fields{
			"pid":  pid,
			"type": string(m.Type),
			"data": string(m.Data),
		})
	}
}

func (s *Supervisor) markRunning(pid int, c *child) {
	rec, ok := s.registry.Get(pid)
	if !ok || rec.State != registry.StateStarting {
		return
	}
	if c.readyTimer != nil {
		c.readyTimer.Stop()
	}
	c.timing.Ready()
	s.registry.Transition(pid, registry.StateRunning, c.timing.ReadyAt)
	s.metrics.ObserveReady(c.timing.ReadyLatency())
	s.updateGauges()
}

// onExit removes a dead worker and, outside of draining, replaces it.
func (s *Supervisor) onExit(ctx context.Context, pid int, status registry.ExitStatus) {
	c, ok := s.procs[pid]
	if !ok {
		return
	}
	delete(s.procs, pid)
	c.stopTimers()
	c.timing.Complete()

	rec, err := s.registry.MarkExited(pid, status, c.timing.CompletedAt)
	if err != nil {
		s.logger.Error("exit for unknown worker", logging.Fields{"pid": pid, "error": err.Error()})
	}
	s.registry.Remove(pid)

	expected := c.expected || s.draining
	rep := report.NewExitReport(rec, expected)
	s.metrics.ObserveExit(string(rep.Outcome), expected, rep.Uptime)
	defer s.updateGauges()

	if s.draining {
		if s.abnormalDuringDrain(c, status) {
			s.lastCode = status.Code
		}
		rep.LogSummary(s.logger)
		return
	}

	s.crashes.Record(rep)
	s.health.RecordCrash(rep.EndTime)

	next := c.restarts + 1
	if s.cfg.MaxRestarts > 0 && next > s.cfg.MaxRestarts {
		rep.LogSummary(s.logger)
		s.logger.Error("restart limit reached, stopping pool", logging.Fields{
			"slot":         c.slot,
			"max_restarts": s.cfg.MaxRestarts,
		})
		s.minCode = 1
		if status.Code != 0 {
			s.lastCode = status.Code
		}
		s.RequestShutdown("restart limit reached")
		s.beginDrain(s.Reason())
		return
	}

	rep.Respawned = true
	rep.LogSummary(s.logger)

	if s.cfg.RestartDelay > 0 {
		slot, last := c.slot, status
		time.AfterFunc(s.cfg.RestartDelay, func() {
			s.post(event{kind: eventRespawn, slot: slot, restarts: next, lastExit: &last})
		})
		return
	}
	s.respawn(ctx, c.slot, next, &status)
}

// abnormalDuringDrain reports whether a drain-time exit should set the exit
// code. Dying from the termination signal the supervisor itself sent is
// the requested outcome, not a failure.
func (s *Supervisor) abnormalDuringDrain(c *child, status registry.ExitStatus) bool {
	if status.Code == 0 {
		return false
	}
	if sig, ok := s.cfg.TermSignal.(syscall.Signal); ok && c.termSent && status.Code == 128+int(sig) {
		return false
	}
	return true
}

// respawn refills slot. A failed respawn is retried once immediately, then
// every RespawnRetryInterval until it succeeds or the pool drains.
func (s *Supervisor) respawn(ctx context.Context, slot, restarts int, lastExit *registry.ExitStatus) {
	err := s.spawn(ctx, slot, restarts, lastExit)
	if err != nil {
		s.logger.Warn("respawn failed, retrying", logging.Fields{"slot": slot, "error": err.Error()})
		err = s.spawn(ctx, slot, restarts, lastExit)
	}
	if err != nil {
		s.logger.Error("respawn failed, will retry", logging.Fields{
			"slot":     slot,
			"error":    err.Error(),
			"interval": s.cfg.RespawnRetryInterval.String(),
		})
		time.AfterFunc(s.cfg.RespawnRetryInterval, func() {
			s.post(event{kind: eventRespawn, slot: slot, restarts: restarts, lastExit: lastExit})
		})
		return
	}

	s.respawns.Add(1)
	s.metrics.IncRespawn()
	s.logger.Info("worker respawned", logging.Fields{"slot": slot, "restarts": restarts})
}

// Status is a point-in-time view of the pool.
type Status struct {
	Instance  string            `json:"instance"`
	State     State             `json:"state"`
	Addr      string            `json:"addr"`
	Mode      handoff.Mode      `json:"mode"`
	Target    int               `json:"target"`
	Live      int               `json:"live"`
	Respawns  int64             `json:"respawns"`
	Crashes   uint64            `json:"crashes"`
	Health    string            `json:"health"`
	Reason    string            `json:"shutdown_reason,omitempty"`
	Workers   []registry.Record `json:"workers"`
	Timestamp time.Time         `json:"timestamp"`
}

// Status returns a snapshot of the pool. Safe from any goroutine.
func (s *Supervisor) Status() Status {
	return Status{
		Instance:  s.instance,
		State:     s.State(),
		Addr:      s.Addr(),
		Mode:      s.cfg.Mode,
		Target:    s.cfg.PoolSize,
		Live:      s.liveCount(),
		Respawns:  s.respawns.Load(),
		Crashes:   s.crashes.Total(),
		Health:    s.Health().String(),
		Reason:    s.Reason(),
		Workers:   s.registry.Snapshot(),
		Timestamp: time.Now(),
	}
}

// HealthReport returns the detailed health counters.
func (s *Supervisor) HealthReport() map[string]interface{} {
	s.Health()
	return s.health.GetHealthReport()
}
