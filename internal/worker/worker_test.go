package worker

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/forkpool/internal/handoff"
)

func localListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestEcho_PrefixesGreeting(t *testing.T) {
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		Echo(DefaultGreeting).ServeConn(context.Background(), server)
		close(done)
	}()

	_, err := client.Write([]byte("world"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client closed")
	}
}

func TestConnService_ServesAndShutsDown(t *testing.T) {
	ln := localListener(t)
	svc := NewConnService(Echo("hi "), nil)

	served := make(chan error, 1)
	go func() { served <- svc.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("there"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(buf[:n]))
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrServiceClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestConnService_ShutdownWaitsForInFlight(t *testing.T) {
	ln := localListener(t)
	release := make(chan struct{})
	started := make(chan struct{})
	svc := NewConnService(HandlerFunc(func(ctx context.Context, conn net.Conn) {
		close(started)
		<-release
		io.WriteString(conn, "done")
	}), nil)
	go svc.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-started

	shut := make(chan error, 1)
	go func() { shut <- svc.Shutdown(context.Background()) }()

	select {
	case <-shut:
		t.Fatal("Shutdown returned while a connection was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, svc.Active())

	close(release)
	reply, _ := io.ReadAll(conn)
	assert.Equal(t, "done", string(reply))
	require.NoError(t, <-shut)
}

func TestConnService_ShutdownForcesAfterDeadline(t *testing.T) {
	ln := localListener(t)
	started := make(chan struct{})
	svc := NewConnService(HandlerFunc(func(ctx context.Context, conn net.Conn) {
		close(started)
		io.Copy(io.Discard, conn)
	}), nil)
	go svc.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = svc.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, svc.Active())
}

func TestNewService(t *testing.T) {
	svc, err := NewService(ServiceOptions{Kind: KindEcho})
	require.NoError(t, err)
	assert.IsType(t, &ConnService{}, svc)

	svc, err = NewService(ServiceOptions{Kind: KindHTTP, PID: 42})
	require.NoError(t, err)
	assert.IsType(t, &http.Server{}, svc)

	_, err = NewService(ServiceOptions{Kind: "gopher"})
	assert.Error(t, err)
}

func TestHTTPService_Routes(t *testing.T) {
	ln := localListener(t)
	srv := NewHTTPService(4242, 3)
	go srv.Serve(ln)
	defer srv.Close()

	base := "http://" + ln.Addr().String()
	for path, want := range map[string]string{
		"/":        "worker pid 4242\n",
		"/healthz": "ok",
		"/slot":    "3\n",
	} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, string(body), path)
	}
}

// pipeNotifier returns a notifier and a reader for the messages it writes.
func pipeNotifier(t *testing.T) (*handoff.Notifier, <-chan handoff.Message) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	n := handoff.NewNotifier(w, 8)
	msgs := make(chan handoff.Message, 8)
	go func() {
		handoff.ReadMessages(r, func(m handoff.Message) { msgs <- m })
		close(msgs)
	}()
	return n, msgs
}

func nextMessage(t *testing.T, ch <-chan handoff.Message) handoff.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return handoff.Message{}
}

func TestWorker_RunReportsLifecycle(t *testing.T) {
	ln := localListener(t)
	notifier, msgs := pipeNotifier(t)
	w := New(Config{Slot: 1, DrainTimeout: time.Second}, NewConnService(Echo(DefaultGreeting), nil), notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, ln) }()

	ready := nextMessage(t, msgs)
	assert.Equal(t, handoff.MessageReady, ready.Type)
	assert.Contains(t, string(ready.Data), `"slot":1`)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Write([]byte("pool\n"))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello pool", strings.TrimSpace(line))
	conn.Close()

	cancel()
	assert.Equal(t, handoff.MessageDraining, nextMessage(t, msgs).Type)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	notifier.Close()
}

func TestWorker_RunDrainTimeoutIsClean(t *testing.T) {
	ln := localListener(t)
	started := make(chan struct{})
	svc := NewConnService(HandlerFunc(func(ctx context.Context, conn net.Conn) {
		close(started)
		<-ctx.Done()
	}), nil)
	w := New(Config{DrainTimeout: 50 * time.Millisecond}, svc, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-started

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after drain timeout")
	}
}

func TestWorker_RunClosedListener(t *testing.T) {
	ln := localListener(t)
	ln.Close()
	w := New(Config{}, NewConnService(Echo(DefaultGreeting), nil), nil, nil)
	assert.NoError(t, w.Run(context.Background(), ln))
}

func TestListen_Inherit(t *testing.T) {
	ln := localListener(t)
	got, err := Listen(context.Background(), &handoff.Received{
		Payload:  handoff.Payload{Mode: handoff.ModeInherit},
		Listener: ln,
	}, 0)
	require.NoError(t, err)
	assert.Same(t, ln, got)

	_, err = Listen(context.Background(), &handoff.Received{Payload: handoff.Payload{Mode: handoff.ModeInherit}}, 0)
	assert.Error(t, err)
}

func TestListen_ReusePort(t *testing.T) {
	first, err := Listen(context.Background(), &handoff.Received{
		Payload: handoff.Payload{Mode: handoff.ModeReusePort, Addr: "127.0.0.1:0"},
	}, 10*time.Millisecond)
	require.NoError(t, err)
	defer first.Close()

	second, err := Listen(context.Background(), &handoff.Received{
		Payload: handoff.Payload{Mode: handoff.ModeReusePort, Addr: first.Addr().String()},
	}, 10*time.Millisecond)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, first.Addr().String(), second.Addr().String())
}
