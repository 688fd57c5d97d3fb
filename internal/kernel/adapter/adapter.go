// Package adapter defines the uniform execution contract between the command
// bus and per-app backends, and a registry for resolving which backend serves
// which app. A mock adapter stands in for apps without a real backend, which
// also makes the whole kernel runnable in demo mode.
package adapter

import (
	"context"
	"sync"
)

// Context identifies whose data a command operates on.
type Context struct {
	UserID      string `json:"user_id"`
	ContextType string `json:"context_type"`
	ContextID   string `json:"context_id"`
}

// Result is the normalized outcome of a command execution.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Ok builds a successful result carrying data.
func Ok(data interface{}) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed result with an error message.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Adapter executes actions against a concrete backend. Implementations must
// be safe for concurrent use; the bus threads its caller's context through
// for cancellation of network-bound work.
type Adapter interface {
	Execute(ctx context.Context, appID, actionID string, params map[string]interface{}, cctx Context) (Result, error)
}

// Registry maps app IDs to their adapters, with an optional fallback used
// when no app-specific adapter is registered.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewRegistry creates an adapter registry with the given fallback adapter.
// The fallback may be nil, in which case Resolve reports false for unknown
// apps.
func NewRegistry(fallback Adapter) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		fallback: fallback,
	}
}

// Register binds an adapter to an app ID, replacing any previous binding.
func (r *Registry) Register(appID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[appID] = a
}

// Resolve returns the adapter serving the given app, falling back to the
// default adapter when no specific one is registered.
func (r *Registry) Resolve(appID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.adapters[appID]; ok {
		return a, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// SetFallback replaces the fallback adapter.
func (r *Registry) SetFallback(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = a
}
