// Package spawn starts worker processes by re-executing a binary with the
// shared socket and a message pipe attached.
package spawn

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/psantana5/forkpool/internal/cgroups"
	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/registry"
	"github.com/psantana5/forkpool/internal/supervisor"
	"github.com/psantana5/forkpool/pkg/logging"
)

// Options configures how workers are executed.
type Options struct {
	// Path is the binary to run. Defaults to the current executable.
	Path string
	// Args follow argv[0], e.g. the hidden worker subcommand.
	Args []string
	// Title replaces argv[0] so workers are recognisable in ps.
	Title string
	// Env is the base environment. Defaults to os.Environ().
	Env []string

	Stdout io.Writer
	Stderr io.Writer

	// Limits are applied to each worker's cgroup when Cgroups is set.
	Limits  cgroups.Limits
	Cgroups *cgroups.Manager

	Logger *logging.Logger
}

// ExecSpawner implements supervisor.Spawner with os/exec.
type ExecSpawner struct {
	opts Options
}

// New creates an exec spawner.
func New(opts Options) (*ExecSpawner, error) {
	if opts.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot locate own executable: %w", err)
		}
		opts.Path = exe
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	return &ExecSpawner{opts: opts}, nil
}

// Spawn starts one worker. The process is not tied to ctx: its lifetime is
// decided by the supervisor through Signal and Kill.
func (s *ExecSpawner) Spawn(ctx context.Context, req supervisor.SpawnRequest) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("message pipe: %w", err)
	}

	cmd := exec.Command(s.opts.Path, s.opts.Args...)
	if s.opts.Title != "" {
		cmd.Args[0] = s.opts.Title
	}
	cmd.Env = handoff.CleanEnv(s.opts.Env)
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := handoff.Attach(cmd, req.Payload, req.Listener, w); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	// the child holds its own copy; EOF on r now means the child is gone
	w.Close()

	pid := cmd.Process.Pid
	cgroupPath := s.applyLimits(req, pid)

	p := &process{
		cmd:  cmd,
		pid:  pid,
		msgs: make(chan handoff.Message, 16),
		done: make(chan struct{}),
	}
	go p.readMessages(r, s.opts.Logger)
	go p.wait(func() {
		if cgroupPath != "" {
			s.opts.Cgroups.Delete(cgroupPath)
		}
	})
	return p, nil
}

// applyLimits places the worker in its own cgroup (best effort).
// Returns the cgroup path for cleanup.
func (s *ExecSpawner) applyLimits(req supervisor.SpawnRequest, pid int) string {
	if s.opts.Cgroups == nil || s.opts.Limits.Empty() {
		return ""
	}
	log := s.opts.Logger.WithFields(logging.Fields{"pid": pid, "slot": req.Slot})

	mgr := s.opts.Cgroups
	path, err := mgr.Create(mgr.Name(req.Payload.Instance, req.Slot, pid))
	if err != nil || path == "" {
		log.Debug("cgroups unavailable, worker runs unconfined")
		return ""
	}
	if err := mgr.Join(path, pid); err != nil {
		log.Warn("failed to join cgroup", logging.Fields{"error": err.Error()})
		mgr.Delete(path)
		return ""
	}
	if err := mgr.Apply(path, s.opts.Limits); err != nil {
		log.Warn("failed to apply some limits", logging.Fields{"error": err.Error()})
	}
	return path
}

// process is a started worker.
type process struct {
	cmd    *exec.Cmd
	pid    int
	msgs   chan handoff.Message
	done   chan struct{}
	status registry.ExitStatus
}

func (p *process) PID() int { return p.pid }

func (p *process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *process) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *process) Messages() <-chan handoff.Message {
	return p.msgs
}

func (p *process) Wait() registry.ExitStatus {
	<-p.done
	return p.status
}

func (p *process) readMessages(r *os.File, logger *logging.Logger) {
	defer close(p.msgs)
	defer r.Close()
	if err := handoff.ReadMessages(r, func(m handoff.Message) { p.msgs <- m }); err != nil {
		logger.Warn("worker message channel failed", logging.Fields{"pid": p.pid, "error": err.Error()})
	}
}

func (p *process) wait(cleanup func()) {
	p.cmd.Wait()
	p.status = ExitStatus(p.cmd.ProcessState)
	cleanup()
	close(p.done)
}

// ExitStatus converts an OS process state. Signal deaths map to 128+signo.
func ExitStatus(ps *os.ProcessState) registry.ExitStatus {
	if ps == nil {
		return registry.ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return registry.ExitStatus{Code: 128 + int(sig), Signal: sig.String()}
	}
	return registry.ExitStatus{Code: ps.ExitCode()}
}
