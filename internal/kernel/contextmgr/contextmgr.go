// Package contextmgr tracks whose data the user is currently viewing. It is
// a small stack machine: Set switches directly, Push saves the current
// context before switching, and Pop restores the most recently pushed one.
package contextmgr

import (
	"strconv"
	"sync"

	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
)

// Entry is one (type, id) context pair, e.g. {"business", "biz-42"}.
type Entry struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// State is a snapshot of the manager: the active context plus the saved
// stack, bottom first.
type State struct {
	ActiveType string  `json:"active_type"`
	ActiveID   string  `json:"active_id"`
	Stack      []Entry `json:"stack"`
}

// Manager is the context stack machine. The initial state is {"user", ""}
// with an empty stack; there is no terminal state.
type Manager struct {
	mu      sync.Mutex
	current Entry
	stack   []Entry
	events  events.Logger
}

// New creates a context manager. A nil event logger disables event emission.
func New(ev events.Logger) *Manager {
	if ev == nil {
		ev = events.NoOpLogger{}
	}
	return &Manager{
		current: Entry{Type: "user", ID: ""},
		events:  ev,
	}
}

// Current returns the active context.
func (m *Manager) Current() Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot returns the full state including a copy of the stack.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack := make([]Entry, len(m.stack))
	copy(stack, m.stack)
	return State{
		ActiveType: m.current.Type,
		ActiveID:   m.current.ID,
		Stack:      stack,
	}
}

// Depth returns the number of saved contexts.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// Set switches directly to a new context. The stack is untouched, so the
// previous context is not recoverable through Pop.
func (m *Manager) Set(contextType, contextID string) {
	m.mu.Lock()
	prev := m.current
	m.current = Entry{Type: contextType, ID: contextID}
	m.mu.Unlock()

	m.events.Log(events.Event{
		Type:    events.ContextSwitch,
		Message: "context switched",
		Metadata: map[string]string{
			"from_type": prev.Type,
			"from_id":   prev.ID,
			"to_type":   contextType,
			"to_id":     contextID,
		},
	})
}

// Push saves the current context on the stack, then switches to the new one.
func (m *Manager) Push(contextType, contextID string) {
	m.mu.Lock()
	m.stack = append(m.stack, m.current)
	m.current = Entry{Type: contextType, ID: contextID}
	depth := len(m.stack)
	m.mu.Unlock()

	m.events.Log(events.Event{
		Type:    events.ContextPush,
		Message: "context pushed",
		Metadata: map[string]string{
			"to_type": contextType,
			"to_id":   contextID,
			"depth":   strconv.Itoa(depth),
		},
	})
}

// Pop restores the most recently pushed context. Popping an empty stack is
// a no-op that leaves the active context unchanged.
func (m *Manager) Pop() (Entry, bool) {
	m.mu.Lock()
	if len(m.stack) == 0 {
		current := m.current
		m.mu.Unlock()
		return current, false
	}

	restored := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	m.current = restored
	depth := len(m.stack)
	m.mu.Unlock()

	m.events.Log(events.Event{
		Type:    events.ContextPop,
		Message: "context popped",
		Metadata: map[string]string{
			"restored_type": restored.Type,
			"restored_id":   restored.ID,
			"depth":         strconv.Itoa(depth),
		},
	})
	return restored, true
}
