package spawn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/listener"
	"github.com/psantana5/forkpool/internal/registry"
	"github.com/psantana5/forkpool/internal/supervisor"
)

const helperEnv = "FORKPOOL_SPAWN_HELPER"

// TestMain lets the test binary double as a worker process.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		helperServe()
	case "exit":
		helperExit()
	case "hang":
		helperHang()
	}
}

func helperReceive() (*handoff.Received, *handoff.Notifier) {
	rcv, err := handoff.Receive()
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(99)
	}
	n := handoff.NewNotifier(rcv.Messages, 4)
	n.Notify(handoff.NewMessage(handoff.MessageReady, nil))
	return rcv, n
}

func helperServe() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)

	rcv, n := helperReceive()
	n.Notify(handoff.NewMessage(handoff.MessageApp, map[string]int{"slot": rcv.Slot}))

	go func() {
		for {
			c, err := rcv.Listener.Accept()
			if err != nil {
				return
			}
			fmt.Fprintf(c, "%d\n", os.Getpid())
			c.Close()
		}
	}()

	<-sigs
	n.Notify(handoff.NewMessage(handoff.MessageDraining, nil))
	rcv.Listener.Close()
	n.Close()
	os.Exit(0)
}

func helperExit() {
	_, n := helperReceive()
	n.Close()
	os.Exit(3)
}

func helperHang() {
	signal.Ignore(syscall.SIGTERM)
	_, n := helperReceive()
	n.Close()
	time.Sleep(time.Hour)
}

func newHelperSpawner(t *testing.T, mode string) *ExecSpawner {
	t.Helper()
	sp, err := New(Options{
		Path:  os.Args[0],
		Args:  []string{"-test.run=^$"},
		Title: "forkpool-test-worker",
		Env:   append(os.Environ(), helperEnv+"="+mode),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return sp
}

func sharedSocket(t *testing.T) (net.Listener, *os.File) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	f, err := listener.File(ln)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	t.Cleanup(func() {
		f.Close()
		ln.Close()
	})
	return ln, f
}

func request(f *os.File, addr string, slot int) supervisor.SpawnRequest {
	return supervisor.SpawnRequest{
		Slot: slot,
		Payload: handoff.Payload{
			Label: handoff.DefaultLabel,
			Slot:  slot,
			Mode:  handoff.ModeInherit,
			Addr:  addr,
		},
		Listener: f,
	}
}

func nextMessage(t *testing.T, ch <-chan handoff.Message) handoff.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("message channel closed early")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker message")
	}
	return handoff.Message{}
}

func waitStatus(t *testing.T, p supervisor.Process) registry.ExitStatus {
	t.Helper()
	got := make(chan registry.ExitStatus, 1)
	go func() { got <- p.Wait() }()
	select {
	case st := <-got:
		return st
	case <-time.After(5 * time.Second):
		p.Kill()
		t.Fatal("worker did not exit")
	}
	return registry.ExitStatus{}
}

func TestSpawn_WorkerServesSharedSocket(t *testing.T) {
	ln, f := sharedSocket(t)
	sp := newHelperSpawner(t, "serve")

	p, err := sp.Spawn(context.Background(), request(f, ln.Addr().String(), 2))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	ready := nextMessage(t, p.Messages())
	if ready.Type != handoff.MessageReady || ready.PID != p.PID() {
		t.Fatalf("Expected ready from pid %d, got %+v", p.PID(), ready)
	}
	app := nextMessage(t, p.Messages())
	if app.Type != handoff.MessageApp || !strings.Contains(string(app.Data), `"slot":2`) {
		t.Errorf("Expected app message carrying the slot, got %+v", app)
	}

	// the parent never accepts, so the worker must be the one answering
	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	conn.Close()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if pid, _ := strconv.Atoi(strings.TrimSpace(line)); pid != p.PID() {
		t.Errorf("Expected connection served by pid %d, got %q", p.PID(), line)
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if m := nextMessage(t, p.Messages()); m.Type != handoff.MessageDraining {
		t.Errorf("Expected draining message, got %+v", m)
	}
	if st := waitStatus(t, p); st.Abnormal() {
		t.Errorf("Expected clean exit, got %v", st)
	}

	if _, ok := <-p.Messages(); ok {
		t.Error("Expected message channel to close after exit")
	}
}

func TestSpawn_ReportsExitCode(t *testing.T) {
	ln, f := sharedSocket(t)
	p, err := newHelperSpawner(t, "exit").Spawn(context.Background(), request(f, ln.Addr().String(), 0))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	st := waitStatus(t, p)
	if st.Code != 3 || st.Signal != "" {
		t.Errorf("Expected exit code 3, got %v", st)
	}
}

func TestSpawn_KillReportsSignal(t *testing.T) {
	ln, f := sharedSocket(t)
	p, err := newHelperSpawner(t, "hang").Spawn(context.Background(), request(f, ln.Addr().String(), 0))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	nextMessage(t, p.Messages())

	p.Signal(syscall.SIGTERM)
	time.Sleep(50 * time.Millisecond)
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	st := waitStatus(t, p)
	if st.Code != 128+int(syscall.SIGKILL) || st.Signal != syscall.SIGKILL.String() {
		t.Errorf("Expected SIGKILL death, got %v", st)
	}
}

func TestSpawn_MissingBinary(t *testing.T) {
	ln, f := sharedSocket(t)
	sp, err := New(Options{Path: "/nonexistent/forkpool"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := sp.Spawn(context.Background(), request(f, ln.Addr().String(), 0)); err == nil {
		t.Error("Expected spawn of a missing binary to fail")
	}
}

func TestSpawn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newHelperSpawner(t, "exit").Spawn(ctx, supervisor.SpawnRequest{}); err == nil {
		t.Error("Expected cancelled context to prevent spawn")
	}
}

func TestExitStatus_Nil(t *testing.T) {
	if st := ExitStatus(nil); st.Code != -1 {
		t.Errorf("Expected -1 for missing state, got %v", st)
	}
}
