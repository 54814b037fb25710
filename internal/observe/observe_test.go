package observe

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestTiming(t *testing.T) {
	tm := NewTiming()
	if tm.ReadyLatency() != 0 {
		t.Error("Expected zero ready latency before Ready")
	}

	time.Sleep(5 * time.Millisecond)
	tm.Ready()
	first := tm.ReadyAt
	tm.Ready()
	if tm.ReadyAt != first {
		t.Error("Expected Ready to record only once")
	}
	if tm.ReadyLatency() < 5*time.Millisecond {
		t.Errorf("Expected ready latency >= 5ms, got %v", tm.ReadyLatency())
	}

	tm.Complete()
	d := tm.Duration()
	time.Sleep(2 * time.Millisecond)
	if tm.Duration() != d {
		t.Error("Expected duration to freeze after Complete")
	}
}

func TestWatcher_SamplesSelf(t *testing.T) {
	w := New(2 * time.Second)
	u, err := w.Sample(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if !u.Alive {
		t.Fatal("Expected own process to be alive")
	}
	if u.RSSBytes == 0 {
		t.Error("Expected non-zero RSS for own process")
	}
	if u.Threads <= 0 {
		t.Error("Expected at least one thread")
	}
}

func TestWatcher_MissingProcess(t *testing.T) {
	w := New(time.Second)
	// pid_max on Linux is at most 2^22
	const missing = 1 << 30

	if w.Exists(context.Background(), missing) {
		t.Fatal("Expected pid to not exist")
	}
	u, err := w.Sample(context.Background(), missing)
	if err != nil {
		t.Fatalf("Expected no error for missing pid, got %v", err)
	}
	if u.Alive {
		t.Error("Expected missing pid to be reported dead")
	}

	all := w.SampleAll(context.Background(), []int{os.Getpid(), missing})
	if !all[os.Getpid()].Alive || all[missing].Alive {
		t.Errorf("Unexpected SampleAll result: %+v", all)
	}
}
