package shutdown

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestManager_ShutdownRunsLIFO(t *testing.T) {
	m := New(time.Second, nil)

	var order []int
	m.Register(func(context.Context) error { order = append(order, 1); return nil })
	m.Register(func(context.Context) error { order = append(order, 2); return nil })
	m.Register(func(context.Context) error { order = append(order, 3); return nil })

	if err := m.Shutdown("test"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []int{3, 2, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected LIFO order %v, got %v", want, order)
		}
	}
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m := New(time.Second, nil)

	var calls atomic.Int32
	m.Register(func(context.Context) error {
		calls.Add(1)
		return nil
	})

	m.Shutdown("first")
	m.Shutdown("second")

	if calls.Load() != 1 {
		t.Errorf("Expected shutdown functions to run once, ran %d times", calls.Load())
	}
	if m.Reason() != "first" {
		t.Errorf("Expected reason from first call, got %q", m.Reason())
	}
}

func TestManager_ShutdownJoinsErrors(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")
	m.Register(func(context.Context) error { return boom })
	m.Register(func(context.Context) error { return nil })

	if err := m.Shutdown("test"); !errors.Is(err, boom) {
		t.Errorf("Expected joined error to contain boom, got %v", err)
	}
}

func TestManager_RepeatedSignalsTriggerOneShutdown(t *testing.T) {
	m := New(time.Second, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	m.Register(func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 3)
	go m.watch(ctx, sigs)

	sigs <- syscall.SIGTERM
	deadline := time.Now().Add(time.Second)
	for !m.Initiated() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sigs <- syscall.SIGINT
	sigs <- syscall.SIGQUIT
	close(release)

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not complete")
	}

	if calls.Load() != 1 {
		t.Errorf("Expected a single shutdown sequence, got %d", calls.Load())
	}
	if m.Reason() != syscall.SIGTERM.String() {
		t.Errorf("Expected reason %q, got %q", syscall.SIGTERM.String(), m.Reason())
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseResource(t *testing.T) {
	fn := CloseResource(closerFunc(func() error { return errors.New("busy") }), "listener")
	if err := fn(context.Background()); err == nil {
		t.Error("Expected close error to propagate")
	}
}
