// Package handoff passes the shared listening socket from the supervisor to
// a worker process at creation time, and carries the worker's messages back.
//
// The socket travels as an inherited descriptor (exec.Cmd.ExtraFiles) and is
// described to the child through FORKPOOL_* environment variables. The
// handoff happens exactly once, before the child runs any code, so a worker
// can never accept before it owns the socket.
package handoff

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

// Version of the environment protocol.
const Version = "1"

const (
	EnvVersion   = "FORKPOOL_HANDOFF"
	EnvListenFD  = "FORKPOOL_LISTEN_FD"
	EnvMessageFD = "FORKPOOL_MESSAGE_FD"
	EnvLabel     = "FORKPOOL_LABEL"
	EnvInstance  = "FORKPOOL_INSTANCE"
	EnvSlot      = "FORKPOOL_SLOT"
	EnvMode      = "FORKPOOL_MODE"
	EnvAddr      = "FORKPOOL_ADDR"
)

// firstExtraFD is the descriptor number of ExtraFiles[0] in the child.
const firstExtraFD = 3

// DefaultLabel tags the socket payload the way the supervisor announces it.
const DefaultLabel = "server"

// Mode selects how a worker obtains its listening socket.
type Mode string

const (
	// ModeInherit hands the supervisor's socket to every worker.
	ModeInherit Mode = "inherit"
	// ModeReusePort has every worker bind the address itself with SO_REUSEPORT.
	ModeReusePort Mode = "reuseport"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInherit, ModeReusePort:
		return Mode(s), nil
	case "":
		return ModeInherit, nil
	}
	return "", fmt.Errorf("unknown handoff mode %q (want %s or %s)", s, ModeInherit, ModeReusePort)
}

// Payload is the handoff description sent to a worker at spawn.
type Payload struct {
	Label    string
	Instance string
	Slot     int
	Mode     Mode
	Addr     string
}

// ErrNoHandoff is returned by Receive when the process was not started by a supervisor.
var ErrNoHandoff = errors.New("no socket handoff in environment")

// Attach wires the payload, the listener descriptor and the message pipe into cmd.
// listenerFile may be nil in reuseport mode. cmd.Env must already hold the
// base environment; Attach only appends.
func Attach(cmd *exec.Cmd, p Payload, listenerFile, messageFile *os.File) error {
	if p.Mode == ModeInherit && listenerFile == nil {
		return errors.New("inherit mode requires a listener descriptor")
	}
	if p.Label == "" {
		p.Label = DefaultLabel
	}

	env := []string{
		EnvVersion + "=" + Version,
		EnvLabel + "=" + p.Label,
		EnvInstance + "=" + p.Instance,
		EnvSlot + "=" + strconv.Itoa(p.Slot),
		EnvMode + "=" + string(p.Mode),
		EnvAddr + "=" + p.Addr,
	}

	if listenerFile != nil {
		fd := firstExtraFD + len(cmd.ExtraFiles)
		cmd.ExtraFiles = append(cmd.ExtraFiles, listenerFile)
		env = append(env, EnvListenFD+"="+strconv.Itoa(fd))
	}
	if messageFile != nil {
		fd := firstExtraFD + len(cmd.ExtraFiles)
		cmd.ExtraFiles = append(cmd.ExtraFiles, messageFile)
		env = append(env, EnvMessageFD+"="+strconv.Itoa(fd))
	}

	cmd.Env = append(cmd.Env, env...)
	return nil
}

var handoffKeys = []string{
	EnvVersion, EnvListenFD, EnvMessageFD, EnvLabel, EnvInstance, EnvSlot, EnvMode, EnvAddr,
}

// CleanEnv drops handoff variables from env, so a supervisor started by
// another supervisor does not leak its own handoff into its workers.
func CleanEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if !slices.Contains(handoffKeys, key) {
			out = append(out, kv)
		}
	}
	return out
}

// Received is what a worker gets out of the handoff.
type Received struct {
	Payload

	// Listener is the inherited socket. Nil in reuseport mode.
	Listener net.Listener

	// Messages is the write end of the channel back to the supervisor. Nil
	// when the supervisor did not provide one.
	Messages *os.File
}

// Receive decodes the handoff from the process environment.
func Receive() (*Received, error) {
	return ReceiveFrom(os.LookupEnv)
}

// ReceiveFrom decodes the handoff using lookup to read variables.
func ReceiveFrom(lookup func(string) (string, bool)) (*Received, error) {
	version, ok := lookup(EnvVersion)
	if !ok {
		return nil, ErrNoHandoff
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported handoff version %q", version)
	}

	mode, err := ParseMode(get(lookup, EnvMode))
	if err != nil {
		return nil, err
	}

	r := &Received{
		Payload: Payload{
			Label:    get(lookup, EnvLabel),
			Instance: get(lookup, EnvInstance),
			Mode:     mode,
			Addr:     get(lookup, EnvAddr),
		},
	}
	if s := get(lookup, EnvSlot); s != "" {
		if r.Slot, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvSlot, err)
		}
	}

	if s, ok := lookup(EnvMessageFD); ok {
		f, err := openFD(s, "forkpool-messages")
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvMessageFD, err)
		}
		r.Messages = f
	}

	if mode == ModeInherit {
		s, ok := lookup(EnvListenFD)
		if !ok {
			return nil, fmt.Errorf("inherit mode without %s", EnvListenFD)
		}
		f, err := openFD(s, "forkpool-listener")
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvListenFD, err)
		}
		// FileListener dups the descriptor; the inherited copy is no longer needed.
		ln, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("inherited descriptor is not a listener: %w", err)
		}
		r.Listener = ln
	}

	return r, nil
}

func get(lookup func(string) (string, bool), key string) string {
	v, _ := lookup(key)
	return v
}

func openFD(s, name string) (*os.File, error) {
	fd, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	if fd < firstExtraFD {
		return nil, fmt.Errorf("descriptor %d overlaps stdio", fd)
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not valid", fd)
	}
	return f, nil
}
