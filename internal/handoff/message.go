package handoff

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// MessageType classifies worker-to-supervisor messages.
type MessageType string

const (
	// MessageReady is sent once the worker owns its listener and is about to accept.
	MessageReady MessageType = "ready"
	// MessageDraining is sent when the worker stops accepting.
	MessageDraining MessageType = "draining"
	// MessageApp carries application data. The supervisor only logs it.
	MessageApp MessageType = "app"
)

// Message is one JSON line on the message channel.
type Message struct {
	Type MessageType     `json:"type"`
	PID  int             `json:"pid"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage stamps a message with the current pid and time.
func NewMessage(t MessageType, data interface{}) Message {
	m := Message{Type: t, PID: os.Getpid(), Time: time.Now()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			m.Data = raw
		}
	}
	return m
}

// Notifier sends messages without ever blocking the caller. Messages that do
// not fit the buffer are dropped and counted.
type Notifier struct {
	ch      chan Message
	w       io.WriteCloser
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewNotifier starts a notifier writing JSON lines to w.
func NewNotifier(w io.WriteCloser, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	n := &Notifier{
		ch:   make(chan Message, buffer),
		w:    w,
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer close(n.done)
	enc := json.NewEncoder(n.w)
	for m := range n.ch {
		// a broken pipe means the supervisor is gone; keep draining the channel
		enc.Encode(m)
	}
}

// Notify queues m. It returns false if the message was dropped. Safe on a nil Notifier.
func (n *Notifier) Notify(m Message) bool {
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.dropped.Add(1)
		return false
	}
	select {
	case n.ch <- m:
		return true
	default:
		n.dropped.Add(1)
		return false
	}
}

// Dropped returns how many messages were discarded.
func (n *Notifier) Dropped() uint64 {
	if n == nil {
		return 0
	}
	return n.dropped.Load()
}

// Close flushes queued messages and closes the underlying writer.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	var err error
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.ch)
		n.mu.Unlock()
		<-n.done
		err = n.w.Close()
	})
	return err
}

// ReadMessages decodes JSON lines from r until EOF, calling fn for each
// message. Malformed lines are skipped.
func ReadMessages(r io.Reader, fn func(Message)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		fn(m)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
