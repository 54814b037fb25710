// Package registry tracks live worker processes keyed by pid.
//
// The supervisor's dispatch loop is the only writer; status readers (admin
// endpoint, logs) take snapshots concurrently.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry maps pids to worker records.
type Registry struct {
	mu      sync.RWMutex
	records map[int]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[int]*Record)}
}

// Add registers a freshly spawned worker in the starting state.
func (r *Registry) Add(pid, slot, restarts int, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[pid]; exists {
		return fmt.Errorf("pid %d already registered", pid)
	}
	r.records[pid] = &Record{
		PID:       pid,
		Slot:      slot,
		State:     StateStarting,
		Restarts:  restarts,
		StartedAt: startedAt,
	}
	return nil
}

// Get returns a copy of the record for pid.
func (r *Registry) Get(pid int) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[pid]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Transition moves a worker to a new state. Moving to the current state is a no-op.
func (r *Registry) Transition(pid int, to State, at time.Time) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[pid]
	if !ok {
		return Record{}, fmt.Errorf("pid %d not registered", pid)
	}
	if rec.State == to {
		return copyRecord(rec), nil
	}
	if !CanTransition(rec.State, to) {
		return copyRecord(rec), fmt.Errorf("pid %d: invalid transition %s -> %s", pid, rec.State, to)
	}

	rec.State = to
	switch to {
	case StateRunning:
		rec.ReadyAt = at
	case StateDead:
		rec.ExitedAt = at
	}
	return copyRecord(rec), nil
}

// MarkExited records the exit status and moves the worker to dead.
func (r *Registry) MarkExited(pid int, status ExitStatus, at time.Time) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[pid]
	if !ok {
		return Record{}, fmt.Errorf("pid %d not registered", pid)
	}
	if rec.State == StateDead {
		return copyRecord(rec), fmt.Errorf("pid %d already dead", pid)
	}
	rec.State = StateDead
	rec.ExitedAt = at
	s := status
	rec.LastExit = &s
	return copyRecord(rec), nil
}

// SetLastExit records the exit of the worker that previously held pid's slot.
func (r *Registry) SetLastExit(pid int, status ExitStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[pid]
	if !ok {
		return fmt.Errorf("pid %d not registered", pid)
	}
	s := status
	rec.LastExit = &s
	return nil
}

// Remove drops pid from the registry and returns its final record.
func (r *Registry) Remove(pid int) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[pid]
	if !ok {
		return Record{}, false
	}
	delete(r.records, pid)
	return copyRecord(rec), true
}

// Len returns the number of registered workers, dead ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Live returns the number of workers that have not died.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.State != StateDead {
			n++
		}
	}
	return n
}

// CountByState returns the number of workers in each state.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	for _, rec := range r.records {
		counts[rec.State]++
	}
	return counts
}

// Snapshot returns copies of all records ordered by slot, then pid.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, copyRecord(rec))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// PIDs returns the pids of workers in any of the given states, or all pids
// if no state is given.
func (r *Registry) PIDs(states ...State) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pids []int
	for pid, rec := range r.records {
		if len(states) == 0 || hasState(states, rec.State) {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

func hasState(states []State, s State) bool {
	for _, want := range states {
		if want == s {
			return true
		}
	}
	return false
}

func copyRecord(rec *Record) Record {
	c := *rec
	if rec.LastExit != nil {
		e := *rec.LastExit
		c.LastExit = &e
	}
	return c
}
