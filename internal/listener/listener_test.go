package listener

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

func addrInUse() error {
	return &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
}

// occupiedListen fails with EADDRINUSE for the first n calls.
func occupiedListen(n int, calls *int) ListenFunc {
	return func(ctx context.Context, network, address string) (net.Listener, error) {
		*calls++
		if *calls <= n {
			return nil, addrInUse()
		}
		return net.Listen(network, "127.0.0.1:0")
	}
}

func TestBind_RetriesWhileAddressInUse(t *testing.T) {
	calls := 0
	var retried []int

	ln, attempts, err := Bind(context.Background(), Options{
		Address:       "127.0.0.1:3000",
		RetryInterval: 5 * time.Millisecond,
		Listen:        occupiedListen(3, &calls),
		OnRetry:       func(attempt int, err error) { retried = append(retried, attempt) },
	})
	if err != nil {
		t.Fatalf("Expected eventual bind, got %v", err)
	}
	defer ln.Close()

	if attempts != 4 {
		t.Errorf("Expected success on the 4th attempt, got %d", attempts)
	}
	if len(retried) != 3 {
		t.Errorf("Expected 3 retry callbacks, got %v", retried)
	}
}

func TestBind_OtherErrorIsFatal(t *testing.T) {
	denied := &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EACCES)}
	calls := 0

	_, attempts, err := Bind(context.Background(), Options{
		Address:       "127.0.0.1:80",
		RetryInterval: time.Millisecond,
		Listen: func(ctx context.Context, network, address string) (net.Listener, error) {
			calls++
			return nil, denied
		},
	})
	if err == nil {
		t.Fatal("Expected fatal bind error")
	}
	if !errors.Is(err, syscall.EACCES) {
		t.Errorf("Expected EACCES in chain, got %v", err)
	}
	if IsAddrInUse(err) {
		t.Error("EACCES must not be classified as address in use")
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("Expected exactly one attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestBind_MaxAttemptsCap(t *testing.T) {
	calls := 0
	_, attempts, err := Bind(context.Background(), Options{
		Address:       "127.0.0.1:3000",
		RetryInterval: time.Millisecond,
		MaxAttempts:   2,
		Listen:        occupiedListen(10, &calls),
	})
	if err == nil {
		t.Fatal("Expected error once the cap is reached")
	}
	if !IsAddrInUse(err) {
		t.Errorf("Expected address in use in chain, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestBind_CancelledWhileRetrying(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	_, _, err := Bind(ctx, Options{
		Address:       "127.0.0.1:3000",
		RetryInterval: 5 * time.Millisecond,
		Listen:        occupiedListen(1<<30, &calls),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestBind_RealSocketFreedLater(t *testing.T) {
	occupier, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	addr := occupier.Addr().String()

	interval := 20 * time.Millisecond
	go func() {
		time.Sleep(3*interval + interval/2)
		occupier.Close()
	}()

	ln, attempts, err := Bind(context.Background(), Options{
		Address:       addr,
		RetryInterval: interval,
	})
	if err != nil {
		t.Fatalf("Expected bind after the port was released, got %v", err)
	}
	defer ln.Close()

	if attempts < 2 {
		t.Errorf("Expected at least one retry, got %d attempts", attempts)
	}
	if ln.Addr().String() != addr {
		t.Errorf("Expected listener on %s, got %s", addr, ln.Addr())
	}
}

func TestBind_ReusePortAllowsSecondListener(t *testing.T) {
	first, _, err := Bind(context.Background(), Options{Address: "127.0.0.1:0", ReusePort: true})
	if err != nil {
		t.Fatalf("First bind failed: %v", err)
	}
	defer first.Close()

	second, attempts, err := Bind(context.Background(), Options{
		Address:     first.Addr().String(),
		ReusePort:   true,
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("Expected SO_REUSEPORT bind to succeed, got %v", err)
	}
	defer second.Close()

	if attempts != 1 {
		t.Errorf("Expected immediate bind, got %d attempts", attempts)
	}
}

func TestFile_DuplicatesDescriptor(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	f, err := File(ln)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	f.Close()

	// the original listener still accepts after the dup is closed
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			c.Close()
		}
	}()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept after closing dup failed: %v", err)
	}
	conn.Close()
}
