package observe

import "time"

// Timing records when something started, became ready and completed.
type Timing struct {
	StartedAt   time.Time
	ReadyAt     time.Time
	CompletedAt time.Time
}

// NewTiming starts timing now.
func NewTiming() *Timing {
	return &Timing{StartedAt: time.Now()}
}

// Ready records the ready time, once.
func (t *Timing) Ready() {
	if t.ReadyAt.IsZero() {
		t.ReadyAt = time.Now()
	}
}

// Complete records the completion time, once.
func (t *Timing) Complete() {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}
}

// Duration returns the elapsed time, up to completion if completed.
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// ReadyLatency returns how long it took to become ready, or zero if it never did.
func (t *Timing) ReadyLatency() time.Duration {
	if t.ReadyAt.IsZero() {
		return 0
	}
	return t.ReadyAt.Sub(t.StartedAt)
}
