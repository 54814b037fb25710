package report

import "sync"

// DefaultCrashLogSize is how many unexpected exits are kept.
const DefaultCrashLogSize = 50

// CrashLog keeps the most recent unexpected worker exits in a ring buffer.
type CrashLog struct {
	mu      sync.RWMutex
	reports []ExitReport
	maxSize int
	total   uint64
}

// NewCrashLog creates a crash log holding at most maxSize reports.
func NewCrashLog(maxSize int) *CrashLog {
	if maxSize <= 0 {
		maxSize = DefaultCrashLogSize
	}
	return &CrashLog{
		reports: make([]ExitReport, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record stores r if it was unexpected. It returns whether r was stored.
func (c *CrashLog) Record(r *ExitReport) bool {
	if r == nil || r.Expected {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.reports) >= c.maxSize {
		c.reports = c.reports[1:]
	}
	c.reports = append(c.reports, *r)
	c.total++
	return true
}

// Recent returns up to n reports, newest first. n <= 0 returns all.
func (c *CrashLog) Recent(n int) []ExitReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || n > len(c.reports) {
		n = len(c.reports)
	}
	out := make([]ExitReport, n)
	for i := 0; i < n; i++ {
		out[i] = c.reports[len(c.reports)-1-i]
	}
	return out
}

// Len returns how many reports are currently held.
func (c *CrashLog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.reports)
}

// Total returns how many crashes were recorded, including evicted ones.
func (c *CrashLog) Total() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}
