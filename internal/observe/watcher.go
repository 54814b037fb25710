// Package observe samples worker processes from the outside. It reads, it
// never signals.
package observe

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time resource sample of one process.
type Usage struct {
	PID        int       `json:"pid"`
	Alive      bool      `json:"alive"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Threads    int32     `json:"threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Watcher samples process usage via gopsutil.
type Watcher struct {
	timeout time.Duration
}

// New creates a watcher. Each Sample call is bounded by timeout.
func New(timeout time.Duration) *Watcher {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Watcher{timeout: timeout}
}

// Exists reports whether pid is still a live process.
func (w *Watcher) Exists(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// Sample reads usage for pid. A vanished process returns Alive=false, not an error.
func (w *Watcher) Sample(ctx context.Context, pid int) (Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	u := Usage{PID: pid, SampledAt: time.Now()}
	if !w.Exists(ctx, pid) {
		return u, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return u, nil
	}
	u.Alive = true

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	return u, ctx.Err()
}

// SampleAll samples every pid; failures are reported as dead samples.
func (w *Watcher) SampleAll(ctx context.Context, pids []int) map[int]Usage {
	out := make(map[int]Usage, len(pids))
	for _, pid := range pids {
		u, _ := w.Sample(ctx, pid)
		out[pid] = u
	}
	return out
}
