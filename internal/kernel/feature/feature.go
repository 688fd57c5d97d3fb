// Package feature provides the declarative catalog of lazily-loaded feature
// modules and the host that mounts them from session query state. Each
// mounted feature lives behind its own fault boundary so one crashing
// feature cannot take down its siblings.
package feature

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Component is a loaded feature module instance. Render may panic; the host
// contains the crash inside the feature's boundary.
type Component interface {
	Render(props map[string]interface{}) (string, error)
}

// ComponentFunc adapts a function to the Component interface.
type ComponentFunc func(props map[string]interface{}) (string, error)

// Render implements Component.
func (f ComponentFunc) Render(props map[string]interface{}) (string, error) {
	return f(props)
}

// Loader lazily constructs a feature component. It runs on first mount, not
// at registration.
type Loader func() (Component, error)

// Definition describes one registrable feature.
type Definition struct {
	ID      string
	Title   string
	Version string
	Loader  Loader

	// Schema validates props gathered from query parameters, using the
	// same coarse type names as contract action schemas ("string",
	// "number?", ...).
	Schema map[string]string

	// Defaults are merged under validated props, and stand in entirely
	// when validation fails.
	Defaults map[string]interface{}

	Capabilities []string

	// Disabled switches the feature off outright.
	Disabled bool

	// Rollout, when set, gates the feature to a deterministic percentage
	// of feature-id hash buckets (0–100).
	Rollout *int
}

// BoundaryKey identifies the feature's fault boundary, keyed by id and
// version so a version bump gets a fresh boundary.
func (d *Definition) BoundaryKey() string {
	return d.ID + ":" + d.Version
}

// Enabled reports whether the feature is available this session. Rollout
// bucketing hashes the feature id, so the same id always lands in the same
// bucket: deterministic, not randomized per load.
func (d *Definition) Enabled() bool {
	if d.Disabled {
		return false
	}
	if d.Rollout == nil {
		return true
	}
	return rolloutBucket(d.ID) < *d.Rollout
}

// rolloutBucket maps a feature id to a stable bucket in [0,100).
func rolloutBucket(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % 100)
}

// Registry is the static catalog of feature definitions.
type Registry struct {
	mu       sync.RWMutex
	features map[string]*Definition
}

// NewRegistry creates an empty feature registry.
func NewRegistry() *Registry {
	return &Registry{features: make(map[string]*Definition)}
}

// Register adds a definition, overwriting any previous one with the same ID.
func (r *Registry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[d.ID] = d
}

// Get returns the definition for an id, or nil when unknown.
func (r *Registry) Get(id string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.features[id]
}

// All returns every registered definition sorted by id.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.features))
	for _, d := range r.features {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnabledFeatures returns the definitions available this session, applying
// hard switches and percentage rollouts.
func (r *Registry) EnabledFeatures() []*Definition {
	var out []*Definition
	for _, d := range r.All() {
		if d.Enabled() {
			out = append(out, d)
		}
	}
	return out
}
