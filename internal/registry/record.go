package registry

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExiting  State = "exiting"
	StateDead     State = "dead"
)

// States lists every worker state in lifecycle order.
var States = []State{StateStarting, StateRunning, StateExiting, StateDead}

// allowed maps a state to the states it may move to. Nothing leaves dead.
var allowed = map[State][]State{
	StateStarting: {StateRunning, StateExiting, StateDead},
	StateRunning:  {StateExiting, StateDead},
	StateExiting:  {StateDead},
}

// CanTransition reports whether a worker may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ExitStatus is how a worker process ended.
type ExitStatus struct {
	// Code is the exit code. Signal deaths use 128+signo.
	Code int `json:"code"`
	// Signal names the terminating signal, if any.
	Signal string `json:"signal,omitempty"`
}

// Abnormal reports whether the exit was anything other than a clean zero exit.
func (e ExitStatus) Abnormal() bool {
	return e.Code != 0 || e.Signal != ""
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Record is the supervisor's view of one worker.
type Record struct {
	PID       int         `json:"pid"`
	Slot      int         `json:"slot"`
	State     State       `json:"state"`
	Restarts  int         `json:"restarts"`
	StartedAt time.Time   `json:"started_at"`
	ReadyAt   time.Time   `json:"ready_at,omitempty"`
	ExitedAt  time.Time   `json:"exited_at,omitempty"`
	LastExit  *ExitStatus `json:"last_exit,omitempty"`
}

// Uptime returns how long the worker has been alive, or lived.
func (r Record) Uptime(now time.Time) time.Duration {
	if !r.ExitedAt.IsZero() {
		return r.ExitedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}
