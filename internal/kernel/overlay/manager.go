package overlay

import (
	"strings"
	"sync"

	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/metrics"
	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// OverlayParam is the session key holding the active overlay key.
const OverlayParam = "app"

// LoginRoute is where unauthenticated opens of auth-gated overlays land.
const LoginRoute = "/login"

// Placeholder content rendered for degraded overlays.
const (
	UnknownOverlayContent = "Unknown overlay"
	CrashedOverlayContent = "Overlay unavailable"
)

// CloseReason records how an overlay was dismissed.
type CloseReason string

const (
	CloseProgrammatic CloseReason = "programmatic"
	CloseEscape       CloseReason = "escape"
	CloseBackdrop     CloseReason = "backdrop"
	CloseSwipe        CloseReason = "swipe"
	CloseNavigation   CloseReason = "navigation"
)

// SwipeThreshold is the minimum downward drag, in pixels, that dismisses an
// overlay.
const SwipeThreshold = 120.0

// Denial reasons reported by Open.
const (
	DenialAuthRequired     = "auth_required"
	DenialRoleInsufficient = "role_insufficient"
	DenialUnknownKey       = "unknown_key"
)

// Identity is the viewer the manager gates against.
type Identity struct {
	UserID string
	Role   Role
}

// Authenticated reports whether the identity belongs to a signed-in user.
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// IdentityProvider supplies the current viewer.
type IdentityProvider interface {
	Current() Identity
}

// IdentityFunc adapts a function to the IdentityProvider interface.
type IdentityFunc func() Identity

// Current implements IdentityProvider.
func (f IdentityFunc) Current() Identity {
	return f()
}

// Navigator abstracts route navigation, the pathname counterpart to the
// session store's query parameters.
type Navigator interface {
	Path() string
	// Replace swaps the current path without growing history.
	Replace(path string)
}

// MemoryNavigator is an in-process Navigator, used when no real router is
// attached.
type MemoryNavigator struct {
	mu   sync.Mutex
	path string
}

// NewMemoryNavigator creates a navigator positioned at path.
func NewMemoryNavigator(path string) *MemoryNavigator {
	if path == "" {
		path = "/"
	}
	return &MemoryNavigator{path: path}
}

// Path returns the current path.
func (n *MemoryNavigator) Path() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// Replace implements Navigator.
func (n *MemoryNavigator) Replace(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.path = path
}

// State is the overlay state derived from the session store. IsOpen is true
// exactly when the overlay parameter is present.
type State struct {
	IsOpen    bool              `json:"is_open"`
	ActiveKey string            `json:"active_key,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// View is the rendered overlay surface for the active state.
type View struct {
	State
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content,omitempty"`
	Restricted bool     `json:"restricted,omitempty"`
	Actions    []string `json:"actions,omitempty"`
}

// OpenResult reports the outcome of an Open call. A denial carries the
// reason and, for auth denials, the route the caller should navigate to.
type OpenResult struct {
	Opened     bool
	Denied     string
	RedirectTo string
}

// Manager drives overlay open and close through the session store and keeps
// the canonical route, role gating, and focus bookkeeping consistent with it.
type Manager struct {
	registry  *Registry
	store     *session.Store
	identity  IdentityProvider
	navigator Navigator
	events    events.Logger
	metrics   *metrics.Metrics
	log       *logger.Logger

	mu          sync.Mutex
	components  map[string]Component
	focused     string
	focusStack  []string
	lastKey     string
	closing     bool
	unsubscribe func()
}

// NewManager creates an overlay manager bound to the session store and
// starts tracking external overlay-parameter changes, such as back
// navigation, so focus restore and close events fire for them too.
func NewManager(registry *Registry, store *session.Store, identity IdentityProvider, nav Navigator, ev events.Logger, m *metrics.Metrics, log *logger.Logger) *Manager {
	if identity == nil {
		identity = IdentityFunc(func() Identity { return Identity{} })
	}
	if nav == nil {
		nav = NewMemoryNavigator("/")
	}
	if ev == nil {
		ev = events.NoOpLogger{}
	}
	if log == nil {
		log = logger.NewDefault("overlay")
	}

	mgr := &Manager{
		registry:   registry,
		store:      store,
		identity:   identity,
		navigator:  nav,
		events:     ev,
		metrics:    m,
		log:        log,
		components: make(map[string]Component),
	}
	mgr.lastKey, _ = store.Get(OverlayParam)
	mgr.unsubscribe = store.Subscribe(mgr.onStoreChange)
	return mgr
}

// Close stops tracking session changes.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// onStoreChange reconciles manager bookkeeping when the overlay parameter
// changes underneath it, which happens on back navigation or a direct
// store write.
func (m *Manager) onStoreChange(c session.Change) {
	oldKey := c.Old.Get(OverlayParam)
	newKey := c.New.Get(OverlayParam)
	if oldKey == newKey {
		return
	}

	m.mu.Lock()
	m.lastKey = newKey
	closing := m.closing
	m.mu.Unlock()

	// CloseOverlay drives its own focus restore and event; only external
	// removals (back navigation, direct writes) are handled here.
	if newKey == "" && oldKey != "" && !closing {
		m.restoreFocus()
		m.events.Log(events.Event{
			Type:     events.OverlayClosed,
			Message:  "overlay closed",
			Metadata: map[string]string{"overlay": oldKey, "reason": string(CloseNavigation)},
		})
	}
	m.syncRoute(newKey)
}

// State derives the current overlay state from the session store. Params
// carries every query parameter except the overlay key itself.
func (m *Manager) State() State {
	snap := m.store.Snapshot()
	key := snap.Get(OverlayParam)
	if key == "" {
		return State{}
	}

	params := make(map[string]string, len(snap))
	for k, v := range snap {
		if k == OverlayParam {
			continue
		}
		params[k] = v
	}
	return State{IsOpen: true, ActiveKey: key, Params: params}
}

// Open activates an overlay by writing its key to the session store. Auth
// gating denies the open and reports the login route; role gating lets the
// open proceed and renders the restricted panel instead of content.
func (m *Manager) Open(key string, params map[string]string) OpenResult {
	def := m.registry.Get(key)
	if def == nil {
		m.log.WithField("overlay", key).Warn("open of unknown overlay")
		m.deny(key, DenialUnknownKey)
		return OpenResult{Denied: DenialUnknownKey}
	}

	viewer := m.identity.Current()
	if def.RequiresAuth && !viewer.Authenticated() {
		m.deny(key, DenialAuthRequired)
		return OpenResult{Denied: DenialAuthRequired, RedirectTo: LoginRoute}
	}

	// Only one overlay is open at a time, so an open that replaces another
	// overlay reuses its focus frame. A single close then unwinds to the
	// element focused before any overlay was open.
	if current, _ := m.store.Get(OverlayParam); current != key {
		m.captureFocus(key, current == "")
	}

	m.store.Apply(func(values map[string]string) {
		values[OverlayParam] = key
		for k, v := range params {
			values[k] = v
		}
	})

	m.events.Log(events.Event{
		Type:     events.OverlayOpened,
		UserID:   viewer.UserID,
		Message:  "overlay opened",
		Metadata: map[string]string{"overlay": key},
	})
	if m.metrics != nil {
		m.metrics.OverlayOpens.WithLabelValues(key).Inc()
	}
	return OpenResult{Opened: true}
}

func (m *Manager) deny(key, reason string) {
	m.events.Log(events.Event{
		Type:     events.OverlayDenied,
		Severity: events.SeverityWarning,
		Message:  "overlay open denied",
		Metadata: map[string]string{"overlay": key, "reason": reason},
	})
	if m.metrics != nil {
		m.metrics.OverlayDenials.WithLabelValues(key, reason).Inc()
	}
}

// CloseOverlay dismisses the active overlay, recording why. Closing when
// nothing is open is a no-op.
func (m *Manager) CloseOverlay(reason CloseReason) bool {
	key, ok := m.store.Get(OverlayParam)
	if !ok || key == "" {
		return false
	}

	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.store.Delete(OverlayParam)
	m.mu.Lock()
	m.closing = false
	m.mu.Unlock()

	m.restoreFocus()
	m.events.Log(events.Event{
		Type:     events.OverlayClosed,
		Message:  "overlay closed",
		Metadata: map[string]string{"overlay": key, "reason": string(reason)},
	})
	return true
}

// HandleKey dismisses the overlay on Escape. Other keys pass through.
func (m *Manager) HandleKey(key string) bool {
	if key != "Escape" {
		return false
	}
	return m.CloseOverlay(CloseEscape)
}

// HandleBackdropClick dismisses the overlay when the backdrop outside the
// panel is clicked.
func (m *Manager) HandleBackdropClick() bool {
	return m.CloseOverlay(CloseBackdrop)
}

// HandleSwipe dismisses the overlay when a downward drag passes the
// threshold. Shorter drags snap back and keep it open.
func (m *Manager) HandleSwipe(deltaY float64) bool {
	if deltaY < SwipeThreshold {
		return false
	}
	return m.CloseOverlay(CloseSwipe)
}

// InterceptLink opens internal links that target overlay routes as overlays
// instead of navigations. External schemes and unmatched paths pass through.
func (m *Manager) InterceptLink(href string) bool {
	if href == "" || !strings.HasPrefix(href, "/") {
		return false
	}

	path := href
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	def, ok := m.registry.MatchRoute(path)
	if !ok {
		return false
	}
	result := m.Open(def.Key, nil)
	return result.Opened
}

// Render resolves the active overlay into a displayable view. Unknown keys
// degrade to a placeholder, insufficient role renders the access-restricted
// panel, and component failures render a neutral error surface.
func (m *Manager) Render() View {
	state := m.State()
	view := View{State: state}
	if !state.IsOpen {
		return view
	}

	def := m.registry.Get(state.ActiveKey)
	if def == nil {
		view.Content = UnknownOverlayContent
		return view
	}
	view.Title = def.Title

	viewer := m.identity.Current()
	if def.RequiredRole != "" && Rank(viewer.Role) < Rank(def.RequiredRole) {
		m.deny(def.Key, DenialRoleInsufficient)
		view.Restricted = true
		view.Content = "Access restricted"
		view.Actions = []string{"sign_in", "back"}
		return view
	}

	component, err := m.loadComponent(def)
	if err != nil {
		m.log.WithField("overlay", def.Key).WithError(err).Error("overlay load failed")
		view.Content = CrashedOverlayContent
		return view
	}

	content, err := renderSafely(component, state.Params)
	if err != nil {
		m.log.WithField("overlay", def.Key).WithError(err).Error("overlay render failed")
		view.Content = CrashedOverlayContent
		return view
	}
	view.Content = content
	return view
}

// loadComponent runs the lazy loader once and caches the component.
func (m *Manager) loadComponent(def *Definition) (Component, error) {
	m.mu.Lock()
	if c, ok := m.components[def.Key]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := loadSafely(def.Loader)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.components[def.Key] = c
	m.mu.Unlock()
	return c, nil
}

// syncRoute aligns the pathname with the active overlay's canonical route.
// The store's sync flag guards against the route change re-triggering a
// store update and looping.
func (m *Manager) syncRoute(key string) {
	if m.store.Syncing() || key == "" {
		return
	}

	def := m.registry.Get(key)
	if def == nil {
		return
	}
	base := def.BaseRoute()
	if base == "" {
		return
	}

	path := m.navigator.Path()
	if path == base || strings.HasPrefix(path, base+"/") {
		return
	}

	release := m.store.BeginSync()
	defer release()
	m.navigator.Replace(base)
}

// Focus bookkeeping. Opening over no overlay pushes the focused element;
// opening over another overlay keeps the existing frame. Close pops and
// restores, so the element focused before any overlay comes back.

// SetFocus records the currently focused element id.
func (m *Manager) SetFocus(elementID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focused = elementID
}

// Focused returns the currently focused element id.
func (m *Manager) Focused() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focused
}

func (m *Manager) captureFocus(key string, push bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if push {
		m.focusStack = append(m.focusStack, m.focused)
	}
	m.focused = "overlay:" + key
}

func (m *Manager) restoreFocus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.focusStack); n > 0 {
		m.focused = m.focusStack[n-1]
		m.focusStack = m.focusStack[:n-1]
	} else {
		m.focused = ""
	}
}

func loadSafely(loader Loader) (c Component, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = panicError(r)
		}
	}()

	c, err = loader()
	if err == nil && c == nil {
		err = errNoComponent
	}
	return c, err
}

func renderSafely(c Component, params map[string]string) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			content = ""
			err = panicError(r)
		}
	}()
	return c.Render(params)
}
