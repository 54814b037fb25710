package supervisor

import (
	"context"
	"os"

	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/registry"
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	PID() int
	// Signal delivers sig to the worker.
	Signal(sig os.Signal) error
	// Kill terminates the worker immediately.
	Kill() error
	// Messages yields worker messages and is closed once the worker is gone.
	// It may be nil when the worker has no message channel.
	Messages() <-chan handoff.Message
	// Wait blocks until the worker exits. Safe to call more than once.
	Wait() registry.ExitStatus
}

// SpawnRequest describes one worker to start.
type SpawnRequest struct {
	Slot     int
	Restarts int
	Payload  handoff.Payload

	// Listener is the shared socket handed to the worker at creation. Nil in
	// reuseport mode.
	Listener *os.File
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, req SpawnRequest) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	return f(ctx, req)
}
