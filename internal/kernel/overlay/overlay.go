// Package overlay implements the modal window manager keyed by the session
// store's "app" parameter. The store is the single source of truth: an
// overlay is open exactly when the parameter is present, and the manager
// layers role gating, deep-link route synchronization, dismissal gestures,
// and focus bookkeeping on top of that state.
package overlay

import (
	"strings"
	"sync"
)

// Role ranks. Higher ranks include the capabilities of lower ones.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

var roleRanks = map[Role]int{
	RoleGuest:     0,
	RoleUser:      1,
	RoleModerator: 2,
	RoleAdmin:     3,
}

// Rank returns the numeric rank of a role. Unknown roles rank below guest.
func Rank(r Role) int {
	if rank, ok := roleRanks[r]; ok {
		return rank
	}
	return -1
}

// Component renders an overlay's content.
type Component interface {
	Render(params map[string]string) (string, error)
}

// ComponentFunc adapts a function to the Component interface.
type ComponentFunc func(params map[string]string) (string, error)

// Render implements Component.
func (f ComponentFunc) Render(params map[string]string) (string, error) {
	return f(params)
}

// Loader lazily constructs an overlay component on first render.
type Loader func() (Component, error)

// Definition describes one registrable overlay.
type Definition struct {
	Key   string
	Title string

	// RequiresAuth redirects unauthenticated opens to the login route.
	RequiresAuth bool

	// RequiredRole gates the content by role rank. Empty means ungated.
	RequiredRole Role

	// Routes are the canonical route prefixes for this overlay. The first
	// entry is the base route used for deep-link synchronization.
	Routes []string

	Loader Loader
}

// BaseRoute returns the canonical route, or "" when none is declared.
func (d *Definition) BaseRoute() string {
	if len(d.Routes) == 0 {
		return ""
	}
	return d.Routes[0]
}

// Registry is the static catalog of overlays.
type Registry struct {
	mu       sync.RWMutex
	overlays map[string]*Definition
}

// NewRegistry creates an empty overlay registry.
func NewRegistry() *Registry {
	return &Registry{overlays: make(map[string]*Definition)}
}

// Register adds a definition, overwriting any previous one with the same key.
func (r *Registry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlays[d.Key] = d
}

// Get returns the definition for a key, or nil when unknown.
func (r *Registry) Get(key string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overlays[key]
}

// All returns every registered definition.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.overlays))
	for _, d := range r.overlays {
		out = append(out, d)
	}
	return out
}

// MatchRoute finds the overlay whose route prefix matches an internal path.
// Used to intercept internal links and open them as overlays instead of
// full navigations.
func (r *Registry) MatchRoute(path string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.overlays {
		for _, route := range d.Routes {
			if route != "" && (path == route || strings.HasPrefix(path, route+"/")) {
				return d, true
			}
		}
		// Bare key also matches, e.g. "/cart" for key "cart".
		if path == "/"+d.Key || strings.HasPrefix(path, "/"+d.Key+"/") {
			return d, true
		}
	}
	return nil, false
}
