package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/forkpool/internal/listener"
)

// ErrorType categorizes errors for handling strategy
type ErrorType int

const (
	ErrorTypeUnknown   ErrorType = iota
	ErrorTypeTransient           // address in use, cancelled retry: may succeed later
	ErrorTypePermanent           // any other bind or handoff failure
	ErrorTypeSpawn               // a worker process could not be started
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeSpawn:
		return "spawn"
	default:
		return "unknown"
	}
}

var (
	// ErrNotStarted is returned by Run before a successful Start.
	ErrNotStarted = errors.New("supervisor not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrShutdownDuringStart is returned when a shutdown request aborts Start.
	ErrShutdownDuringStart = errors.New("shutdown requested during startup")
)

// Error wraps supervisor failures with context and categorization
type Error struct {
	Type      ErrorType
	Operation string // "bind", "handoff", "spawn", "respawn"
	Slot      int
	PID       int
	Message   string
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *Error) Error() string {
	where := fmt.Sprintf("slot %d", e.Slot)
	if e.PID > 0 {
		where = fmt.Sprintf("slot %d, pid %d", e.Slot, e.PID)
	}
	if e.Slot < 0 {
		where = "supervisor"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed (%s): %s: %v", e.Operation, where, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Operation, where, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a supervisor error. Use slot -1 for pool-wide operations.
func NewError(errType ErrorType, operation string, slot, pid int, message string, err error) *Error {
	return &Error{
		Type:      errType,
		Operation: operation,
		Slot:      slot,
		PID:       pid,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeSpawn,
	}
}

// Classify determines the error type from the error chain.
func Classify(err error) ErrorType {
	var se *Error
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.As(err, &se):
		return se.Type
	case listener.IsAddrInUse(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// IsType reports whether err carries a supervisor error of type t.
func IsType(err error, t ErrorType) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == t
}

// ErrorMetrics tracks error statistics
type ErrorMetrics struct {
	TotalErrors         int64
	TransientErrors     int64
	PermanentErrors     int64
	SpawnErrors         int64
	LastError           *Error
	ConsecutiveFailures int
}

// RecordError records an error in metrics
func (em *ErrorMetrics) RecordError(err *Error) {
	em.TotalErrors++
	em.LastError = err
	em.ConsecutiveFailures++

	switch err.Type {
	case ErrorTypeTransient:
		em.TransientErrors++
	case ErrorTypePermanent:
		em.PermanentErrors++
	case ErrorTypeSpawn:
		em.SpawnErrors++
	}
}

// RecordSuccess resets consecutive failure count
func (em *ErrorMetrics) RecordSuccess() {
	em.ConsecutiveFailures = 0
}
