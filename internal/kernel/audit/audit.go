// Package audit records command invocations for later inspection. Writes are
// strictly best-effort: the ledger buffers entries on a channel drained by a
// background goroutine, and sink failures are swallowed so auditing can never
// block or fail a command on the critical path.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinnon13/yalls-foundry/internal/kernel/adapter"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// Entry is one audited command invocation.
type Entry struct {
	ID       string                 `json:"id"`
	Time     time.Time              `json:"time"`
	AppID    string                 `json:"app_id"`
	ActionID string                 `json:"action_id"`
	UserID   string                 `json:"user_id,omitempty"`
	Context  adapter.Context        `json:"context"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Success  bool                   `json:"success"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration_ns"`
	Replayed bool                   `json:"replayed,omitempty"`
}

// Sink persists entries. Implementations must tolerate being called from a
// single background goroutine; errors they return are logged and dropped.
type Sink interface {
	Write(entry Entry) error
	Close() error
}

// Ledger is a bounded in-memory audit ring with optional durable sinks.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	max     int

	ch      chan Entry
	done    chan struct{}
	sinks   []Sink
	log     *logger.Logger
	dropped int64
	closed  bool
}

// NewLedger creates a ledger keeping up to max entries in memory. Sinks are
// optional durable destinations.
func NewLedger(max int, log *logger.Logger, sinks ...Sink) *Ledger {
	if max <= 0 {
		max = 200
	}
	if log == nil {
		log = logger.NewDefault("audit")
	}
	l := &Ledger{
		max:   max,
		ch:    make(chan Entry, 256),
		done:  make(chan struct{}),
		sinks: sinks,
		log:   log,
	}
	go l.drain()
	return l
}

// Record queues an entry for auditing. It never blocks: if the buffer is
// full the entry is counted as dropped and discarded.
func (l *Ledger) Record(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	select {
	case l.ch <- entry:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

func (l *Ledger) drain() {
	for entry := range l.ch {
		l.mu.Lock()
		l.entries = append(l.entries, entry)
		if len(l.entries) > l.max {
			l.entries = l.entries[len(l.entries)-l.max:]
		}
		sinks := l.sinks
		l.mu.Unlock()

		for _, sink := range sinks {
			if err := sink.Write(entry); err != nil {
				l.log.WithError(err).Warn("audit sink write failed")
			}
		}
	}
	close(l.done)
}

// Recent returns up to n most recent entries, newest first.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

// Dropped returns the number of entries discarded due to backpressure.
func (l *Ledger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close flushes queued entries and closes all sinks.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.ch)
	<-l.done

	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			l.log.WithError(err).Warn("audit sink close failed")
		}
	}
	return nil
}

// MarshalEntry renders an entry as JSON, used by line-oriented sinks.
func MarshalEntry(entry Entry) ([]byte, error) {
	return json.Marshal(entry)
}
