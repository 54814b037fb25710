// Package report turns worker exits into immutable reports, one-line log
// summaries and a bounded crash history.
package report

import (
	"time"

	"github.com/psantana5/forkpool/internal/registry"
	"github.com/psantana5/forkpool/pkg/logging"
)

// Outcome classifies how a worker ended.
type Outcome string

const (
	OutcomeClean    Outcome = "clean"
	OutcomeCrash    Outcome = "crash"
	OutcomeSignaled Outcome = "signaled"
)

// ExitReport is the immutable record of one worker exit. Set once, never changed.
type ExitReport struct {
	PID      int                 `json:"pid"`
	Slot     int                 `json:"slot"`
	Restarts int                 `json:"restarts"`
	Status   registry.ExitStatus `json:"status"`
	Outcome  Outcome             `json:"outcome"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Uptime    time.Duration `json:"uptime_ns"`

	// Expected is true when the supervisor asked the worker to stop.
	Expected bool `json:"expected"`
	// Respawned is true when the slot was refilled after this exit.
	Respawned bool `json:"respawned"`
}

// Classify maps an exit status to an outcome.
func Classify(s registry.ExitStatus) Outcome {
	switch {
	case s.Signal != "":
		return OutcomeSignaled
	case s.Code != 0:
		return OutcomeCrash
	default:
		return OutcomeClean
	}
}

// NewExitReport builds a report from a worker's final record.
func NewExitReport(rec registry.Record, expected bool) *ExitReport {
	r := &ExitReport{
		PID:       rec.PID,
		Slot:      rec.Slot,
		Restarts:  rec.Restarts,
		StartTime: rec.StartedAt,
		EndTime:   rec.ExitedAt,
		Expected:  expected,
	}
	if rec.LastExit != nil {
		r.Status = *rec.LastExit
	}
	if r.EndTime.IsZero() {
		r.EndTime = time.Now()
	}
	r.Uptime = r.EndTime.Sub(r.StartTime)
	r.Outcome = Classify(r.Status)
	return r
}

// Unexpected reports whether the exit was not requested by the supervisor.
func (r *ExitReport) Unexpected() bool {
	return !r.Expected
}

// Fields renders the report as log fields.
func (r *ExitReport) Fields() logging.Fields {
	f := logging.Fields{
		"pid":      r.PID,
		"slot":     r.Slot,
		"restarts": r.Restarts,
		"code":     r.Status.Code,
		"outcome":  string(r.Outcome),
		"uptime":   r.Uptime.Round(time.Millisecond).String(),
		"expected": r.Expected,
	}
	if r.Status.Signal != "" {
		f["signal"] = r.Status.Signal
	}
	return f
}

// LogSummary emits one line per exit: info for expected exits, warn otherwise.
func (r *ExitReport) LogSummary(logger *logging.Logger) {
	if r.Expected {
		logger.Info("worker exited", r.Fields())
		return
	}
	logger.Warn("worker died unexpectedly", r.Fields())
}
