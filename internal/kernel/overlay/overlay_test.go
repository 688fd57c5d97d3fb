package overlay

import (
	"testing"

	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
)

func staticOverlay(content string) Loader {
	return func() (Component, error) {
		return ComponentFunc(func(params map[string]string) (string, error) {
			return content, nil
		}), nil
	}
}

type fixedIdentity struct{ viewer Identity }

func (f fixedIdentity) Current() Identity { return f.viewer }

func newTestManager(t *testing.T, viewer Identity, defs ...*Definition) (*Manager, *session.Store) {
	t.Helper()
	reg := NewRegistry()
	for _, d := range defs {
		reg.Register(d)
	}
	store := session.NewStore()
	m := NewManager(reg, store, fixedIdentity{viewer}, nil, nil, nil, nil)
	t.Cleanup(m.Close)
	return m, store
}

func cartOverlay() *Definition {
	return &Definition{Key: "cart", Title: "Cart", Routes: []string{"/cart"}, Loader: staticOverlay("cart contents")}
}

func TestOpenSetsSessionParam(t *testing.T) {
	m, store := newTestManager(t, Identity{}, cartOverlay())

	result := m.Open("cart", map[string]string{"sku": "123"})
	if !result.Opened {
		t.Fatalf("Open denied: %q", result.Denied)
	}

	if v, _ := store.Get(OverlayParam); v != "cart" {
		t.Errorf("app = %q, want cart", v)
	}

	state := m.State()
	if !state.IsOpen || state.ActiveKey != "cart" {
		t.Errorf("State() = %+v, want open cart", state)
	}
	if state.Params["sku"] != "123" {
		t.Errorf("params = %v, want sku=123", state.Params)
	}
}

func TestStateDerivedFromStore(t *testing.T) {
	m, store := newTestManager(t, Identity{}, cartOverlay())

	// Writing the parameter directly is equivalent to Open: the store is the
	// source of truth, not manager bookkeeping.
	store.Set(OverlayParam, "cart")
	if state := m.State(); !state.IsOpen || state.ActiveKey != "cart" {
		t.Errorf("State() = %+v, want open cart", state)
	}

	// Removing it, as back navigation would, closes the overlay.
	store.Delete(OverlayParam)
	if state := m.State(); state.IsOpen {
		t.Errorf("State() = %+v, want closed", state)
	}
}

func TestCloseReasons(t *testing.T) {
	tests := []struct {
		name  string
		close func(m *Manager) bool
		want  CloseReason
	}{
		{"escape", func(m *Manager) bool { return m.HandleKey("Escape") }, CloseEscape},
		{"backdrop", func(m *Manager) bool { return m.HandleBackdropClick() }, CloseBackdrop},
		{"swipe", func(m *Manager) bool { return m.HandleSwipe(200) }, CloseSwipe},
		{"programmatic", func(m *Manager) bool { return m.CloseOverlay(CloseProgrammatic) }, CloseProgrammatic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := events.NewRingBuffer(16)
			reg := NewRegistry()
			reg.Register(cartOverlay())
			store := session.NewStore()
			m := NewManager(reg, store, nil, nil, ev, nil, nil)
			defer m.Close()

			m.Open("cart", nil)
			if !tt.close(m) {
				t.Fatal("close reported false")
			}
			if m.State().IsOpen {
				t.Error("overlay still open")
			}

			closes := ev.RecentByType(events.OverlayClosed, 10)
			if len(closes) == 0 {
				t.Fatal("no close event")
			}
			if got := closes[0].Metadata["reason"]; got != string(tt.want) {
				t.Errorf("close reason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSwipeBelowThresholdKeepsOpen(t *testing.T) {
	m, _ := newTestManager(t, Identity{}, cartOverlay())
	m.Open("cart", nil)

	if m.HandleSwipe(80) {
		t.Error("short swipe should not dismiss")
	}
	if !m.State().IsOpen {
		t.Error("overlay closed by short swipe")
	}
}

func TestNonEscapeKeyIgnored(t *testing.T) {
	m, _ := newTestManager(t, Identity{}, cartOverlay())
	m.Open("cart", nil)

	if m.HandleKey("Enter") {
		t.Error("Enter should not dismiss")
	}
	if !m.State().IsOpen {
		t.Error("overlay closed by Enter")
	}
}

func TestCloseWhenNothingOpen(t *testing.T) {
	m, _ := newTestManager(t, Identity{}, cartOverlay())
	if m.CloseOverlay(CloseProgrammatic) {
		t.Error("closing with nothing open should report false")
	}
}

func TestOpenUnknownKeyDenied(t *testing.T) {
	m, store := newTestManager(t, Identity{})

	result := m.Open("ghost", nil)
	if result.Opened {
		t.Fatal("unknown overlay opened")
	}
	if result.Denied != DenialUnknownKey {
		t.Errorf("Denied = %q, want %q", result.Denied, DenialUnknownKey)
	}
	if _, ok := store.Get(OverlayParam); ok {
		t.Error("session should be untouched")
	}
}

func TestRenderUnknownKeyDegrades(t *testing.T) {
	m, store := newTestManager(t, Identity{})

	// A stale deep link can carry a key that no longer exists.
	store.Set(OverlayParam, "ghost")

	view := m.Render()
	if !view.IsOpen {
		t.Fatal("view should reflect the open parameter")
	}
	if view.Content != UnknownOverlayContent {
		t.Errorf("Content = %q, want %q", view.Content, UnknownOverlayContent)
	}
}

func TestAuthGateRedirectsToLogin(t *testing.T) {
	def := &Definition{Key: "wallet", Title: "Wallet", RequiresAuth: true, Loader: staticOverlay("funds")}
	m, store := newTestManager(t, Identity{}, def)

	result := m.Open("wallet", nil)
	if result.Opened {
		t.Fatal("unauthenticated open should be denied")
	}
	if result.Denied != DenialAuthRequired {
		t.Errorf("Denied = %q, want %q", result.Denied, DenialAuthRequired)
	}
	if result.RedirectTo != LoginRoute {
		t.Errorf("RedirectTo = %q, want %q", result.RedirectTo, LoginRoute)
	}
	if _, ok := store.Get(OverlayParam); ok {
		t.Error("session should be untouched on auth denial")
	}
}

func TestAuthGatePassesSignedInUser(t *testing.T) {
	def := &Definition{Key: "wallet", RequiresAuth: true, Loader: staticOverlay("funds")}
	m, _ := newTestManager(t, Identity{UserID: "u-1", Role: RoleUser}, def)

	if result := m.Open("wallet", nil); !result.Opened {
		t.Errorf("signed-in open denied: %q", result.Denied)
	}
}

func TestRoleGateRendersRestrictedPanel(t *testing.T) {
	def := &Definition{Key: "admin", Title: "Admin", RequiredRole: RoleAdmin, Loader: staticOverlay("secrets")}
	m, _ := newTestManager(t, Identity{UserID: "u-1", Role: RoleUser}, def)

	// The open itself proceeds; gating replaces the content, not the state.
	if result := m.Open("admin", nil); !result.Opened {
		t.Fatalf("open denied: %q", result.Denied)
	}

	view := m.Render()
	if !view.Restricted {
		t.Fatal("expected restricted view")
	}
	if view.Content == "secrets" {
		t.Error("gated content leaked")
	}
	if len(view.Actions) != 2 || view.Actions[0] != "sign_in" || view.Actions[1] != "back" {
		t.Errorf("Actions = %v, want [sign_in back]", view.Actions)
	}
}

func TestRoleGateAllowsSufficientRank(t *testing.T) {
	def := &Definition{Key: "admin", RequiredRole: RoleModerator, Loader: staticOverlay("tools")}
	m, _ := newTestManager(t, Identity{UserID: "u-1", Role: RoleAdmin}, def)

	m.Open("admin", nil)
	view := m.Render()
	if view.Restricted {
		t.Fatal("admin should outrank moderator requirement")
	}
	if view.Content != "tools" {
		t.Errorf("Content = %q, want tools", view.Content)
	}
}

func TestFocusRestoreAcrossNesting(t *testing.T) {
	m, _ := newTestManager(t, Identity{},
		cartOverlay(),
		&Definition{Key: "settings", Loader: staticOverlay("settings")},
	)

	m.SetFocus("button-a")
	m.Open("cart", nil)
	if got := m.Focused(); got != "overlay:cart" {
		t.Fatalf("Focused() = %q, want overlay:cart", got)
	}

	// Settings replaces cart; only one overlay is ever open.
	m.Open("settings", nil)
	if got := m.Focused(); got != "overlay:settings" {
		t.Fatalf("Focused() = %q, want overlay:settings", got)
	}

	if !m.CloseOverlay(CloseProgrammatic) {
		t.Fatal("close with an overlay open should report true")
	}
	if got := m.Focused(); got != "button-a" {
		t.Errorf("Focused() = %q, want button-a restored", got)
	}

	if m.CloseOverlay(CloseProgrammatic) {
		t.Error("close with nothing open should report false")
	}
	if got := m.Focused(); got != "button-a" {
		t.Errorf("Focused() = %q after no-op close, want button-a kept", got)
	}
}

func TestRouteSyncOnOpen(t *testing.T) {
	reg := NewRegistry()
	reg.Register(cartOverlay())
	store := session.NewStore()
	nav := NewMemoryNavigator("/home")
	m := NewManager(reg, store, nil, nav, nil, nil, nil)
	defer m.Close()

	m.Open("cart", nil)

	if got := nav.Path(); got != "/cart" {
		t.Errorf("path = %q, want /cart", got)
	}
}

func TestInterceptLink(t *testing.T) {
	m, _ := newTestManager(t, Identity{}, cartOverlay())

	if !m.InterceptLink("/cart?sku=1") {
		t.Error("internal overlay link should be intercepted")
	}
	if !m.State().IsOpen {
		t.Error("intercepted link should open the overlay")
	}

	if m.InterceptLink("https://example.com/cart") {
		t.Error("external link should pass through")
	}
	if m.InterceptLink("/unknown/path") {
		t.Error("unmatched path should pass through")
	}
}

func TestRank(t *testing.T) {
	if Rank(RoleAdmin) <= Rank(RoleUser) {
		t.Error("admin should outrank user")
	}
	if Rank(Role("made-up")) >= Rank(RoleGuest) {
		t.Error("unknown role should rank below guest")
	}
}
