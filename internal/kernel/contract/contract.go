// Package contract defines the declarative app contract catalog. A contract
// describes an app to the command bus: the actions it supports with their
// parameter schemas, the intents it serves, the contexts it may run in, and
// how its surface should be presented.
package contract

import (
	"sync"
)

// Param type names accepted in action schemas. A trailing "?" on the type
// name marks the parameter optional, e.g. "string?".
const (
	TypeString   = "string"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeUUID     = "uuid"
	TypeDatetime = "datetime"
)

// Action describes a single invocable operation of an app.
type Action struct {
	// Params maps parameter name to a type name. "string", "number",
	// "boolean", "uuid" and "datetime" are recognised; a trailing "?"
	// makes the parameter optional.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	// Permissions lists the permissions an invoker should hold. The
	// command bus records these but does not enforce them; enforcement
	// belongs to the adapter's backend.
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// EventSpec describes an event an app may emit.
type EventSpec struct {
	Schema map[string]string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Display carries UI presentation hints for an app.
type Display struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Icon string `json:"icon,omitempty" yaml:"icon,omitempty"`
}

// Contract is the immutable descriptor of one app. Contracts are registered
// once at bootstrap and never mutated afterwards.
type Contract struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`

	Intents      []string             `json:"intents,omitempty" yaml:"intents,omitempty"`
	Actions      map[string]Action    `json:"actions,omitempty" yaml:"actions,omitempty"`
	Events       map[string]EventSpec `json:"events,omitempty" yaml:"events,omitempty"`
	Contexts     []string             `json:"contexts,omitempty" yaml:"contexts,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Display      Display              `json:"display,omitempty" yaml:"display,omitempty"`
}

// HasIntent reports whether the contract declares the given intent.
func (c *Contract) HasIntent(intent string) bool {
	for _, i := range c.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

// AllowsContext reports whether the contract may run in the given context
// type. A contract with no declared contexts allows all of them.
func (c *Contract) AllowsContext(contextType string) bool {
	if len(c.Contexts) == 0 {
		return true
	}
	for _, ctx := range c.Contexts {
		if ctx == contextType {
			return true
		}
	}
	return false
}

// Registry is a process-wide catalog of app contracts. Registration trusts
// its callers: no shape validation happens here and re-registering an ID
// silently overwrites the previous entry.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewRegistry creates an empty contract registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]*Contract)}
}

// Register adds a contract to the registry, overwriting any existing
// contract with the same ID.
func (r *Registry) Register(c *Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[c.ID] = c
}

// Get returns the contract for an app ID, or nil if none is registered.
func (r *Registry) Get(appID string) *Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[appID]
}

// All returns every registered contract.
func (r *Registry) All() []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	return out
}

// FindByIntent returns all contracts declaring the given intent.
func (r *Registry) FindByIntent(intent string) []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Contract
	for _, c := range r.contracts {
		if c.HasIntent(intent) {
			out = append(out, c)
		}
	}
	return out
}

// FindByContext returns all contracts allowed in the given context type.
func (r *Registry) FindByContext(contextType string) []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Contract
	for _, c := range r.contracts {
		if c.AllowsContext(contextType) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of registered contracts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}
