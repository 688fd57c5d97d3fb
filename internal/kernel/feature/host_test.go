package feature

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
)

func staticComponent(content string) Loader {
	return func() (Component, error) {
		return ComponentFunc(func(props map[string]interface{}) (string, error) {
			return content, nil
		}), nil
	}
}

func newTestHost(t *testing.T, defs ...*Definition) (*Host, *session.Store) {
	t.Helper()
	reg := NewRegistry()
	for _, d := range defs {
		reg.Register(d)
	}
	store := session.NewStore()
	host := NewHost(reg, store, nil, nil, nil)
	t.Cleanup(host.Close)
	return host, store
}

func TestHostMountsFromSession(t *testing.T) {
	host, store := newTestHost(t,
		&Definition{ID: "messages", Version: "1.0.0", Loader: staticComponent("inbox")},
		&Definition{ID: "cart", Version: "1.0.0", Loader: staticComponent("basket")},
	)

	store.Set(FeaturesParam, "messages,cart")

	mounted := host.Mounted()
	if len(mounted) != 2 {
		t.Fatalf("mounted %d features, want 2", len(mounted))
	}
	if mounted[0].ID != "messages" || mounted[1].ID != "cart" {
		t.Errorf("mount order = [%s %s], want session order", mounted[0].ID, mounted[1].ID)
	}
	if mounted[0].Content != "inbox" {
		t.Errorf("content = %q, want inbox", mounted[0].Content)
	}
}

func TestHostUnmountsRemovedFeatures(t *testing.T) {
	host, store := newTestHost(t,
		&Definition{ID: "messages", Version: "1.0.0", Loader: staticComponent("inbox")},
		&Definition{ID: "cart", Version: "1.0.0", Loader: staticComponent("basket")},
	)

	store.Set(FeaturesParam, "messages,cart")
	store.Set(FeaturesParam, "cart")

	mounted := host.Mounted()
	if len(mounted) != 1 || mounted[0].ID != "cart" {
		t.Errorf("mounted = %v, want just cart", mounted)
	}
}

func TestHostUnknownFeaturePlaceholder(t *testing.T) {
	host, store := newTestHost(t)

	store.Set(FeaturesParam, "ghost")

	inst, ok := host.Get("ghost")
	if !ok {
		t.Fatal("unknown feature should still produce an instance")
	}
	if inst.Status != StatusUnknown {
		t.Errorf("Status = %q, want %q", inst.Status, StatusUnknown)
	}
	if inst.Content != UnknownFeatureContent {
		t.Errorf("Content = %q, want %q", inst.Content, UnknownFeatureContent)
	}
}

func TestHostCrashIsolation(t *testing.T) {
	ev := events.NewRingBuffer(32)
	reg := NewRegistry()
	reg.Register(&Definition{ID: "stable", Version: "1.0.0", Loader: staticComponent("fine")})
	reg.Register(&Definition{
		ID:      "bomb",
		Version: "1.0.0",
		Loader: func() (Component, error) {
			return ComponentFunc(func(map[string]interface{}) (string, error) {
				panic("render exploded")
			}), nil
		},
	})
	store := session.NewStore()
	host := NewHost(reg, store, ev, nil, nil)
	defer host.Close()

	store.Set(FeaturesParam, "stable,bomb")

	stable, _ := host.Get("stable")
	if stable.Status != StatusMounted || stable.Content != "fine" {
		t.Errorf("sibling affected by crash: %+v", stable)
	}

	bomb, _ := host.Get("bomb")
	if bomb.Status != StatusCrashed {
		t.Fatalf("Status = %q, want %q", bomb.Status, StatusCrashed)
	}
	if bomb.Content != CrashedFeatureContent {
		t.Errorf("Content = %q, want %q", bomb.Content, CrashedFeatureContent)
	}
	if len(ev.RecentByType(events.FeatureCrashed, 10)) != 1 {
		t.Error("expected one crash event")
	}
}

func TestHostCrashedStaysDownUntilRetry(t *testing.T) {
	attempts := 0
	reg := NewRegistry()
	reg.Register(&Definition{
		ID:      "flaky",
		Version: "1.0.0",
		Loader: func() (Component, error) {
			return ComponentFunc(func(map[string]interface{}) (string, error) {
				attempts++
				if attempts == 1 {
					return "", fmt.Errorf("first render fails")
				}
				return "recovered", nil
			}), nil
		},
	})
	store := session.NewStore()
	host := NewHost(reg, store, nil, nil, nil)
	defer host.Close()

	store.Set(FeaturesParam, "flaky")

	inst, _ := host.Get("flaky")
	if inst.Status != StatusCrashed {
		t.Fatalf("Status = %q, want crashed", inst.Status)
	}

	// Unrelated session churn must not resurrect it.
	store.Set("unrelated", "x")
	inst, _ = host.Get("flaky")
	if inst.Status != StatusCrashed {
		t.Fatal("crashed feature came back without an explicit retry")
	}

	if !host.Retry("flaky") {
		t.Fatal("Retry should succeed on the second render")
	}
	inst, _ = host.Get("flaky")
	if inst.Status != StatusMounted || inst.Content != "recovered" {
		t.Errorf("after retry: %+v", inst)
	}
}

func TestHostRerendersOnPropChange(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Definition{
		ID:      "tips",
		Version: "1.0.0",
		Schema:  map[string]string{"amount": "number?"},
		Loader: func() (Component, error) {
			return ComponentFunc(func(props map[string]interface{}) (string, error) {
				return fmt.Sprintf("amount=%v", props["amount"]), nil
			}), nil
		},
	})
	store := session.NewStore()
	host := NewHost(reg, store, nil, nil, nil)
	defer host.Close()

	store.Set(FeaturesParam, "tips")
	store.Set("fx.tips.amount", "5")

	inst, _ := host.Get("tips")
	if inst.Content != "amount=5" {
		t.Errorf("Content = %q, want amount=5", inst.Content)
	}

	store.Set("fx.tips.amount", "9")
	inst, _ = host.Get("tips")
	if inst.Content != "amount=9" {
		t.Errorf("Content = %q after prop change, want amount=9", inst.Content)
	}
}

func TestOpenAndCloseFeature(t *testing.T) {
	host, store := newTestHost(t,
		&Definition{ID: "tips", Version: "1.0.0", Loader: staticComponent("tips")},
		&Definition{ID: "cart", Version: "1.0.0", Loader: staticComponent("cart")},
	)

	host.OpenFeature("tips", map[string]interface{}{"amount": 5})
	host.OpenFeature("cart", nil)

	if v, _ := store.Get(FeaturesParam); v != "tips,cart" {
		t.Errorf("f = %q, want tips,cart", v)
	}
	if v, _ := store.Get("fx.tips.amount"); v != "5" {
		t.Errorf("fx.tips.amount = %q, want 5", v)
	}

	// Closing purges the feature's props so nothing orphaned survives.
	host.CloseFeature("tips")

	if v, _ := store.Get(FeaturesParam); v != "cart" {
		t.Errorf("f = %q after close, want cart", v)
	}
	if _, ok := store.Get("fx.tips.amount"); ok {
		t.Error("fx.tips.amount should be purged on close")
	}

	host.CloseFeature("cart")
	if _, ok := store.Get(FeaturesParam); ok {
		t.Error("f should be deleted when the last feature closes")
	}
}

func TestHostConcurrentPropUpdates(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Definition{
		ID:      "tips",
		Version: "1.0.0",
		Schema:  map[string]string{"amount": "number?"},
		Loader: func() (Component, error) {
			return ComponentFunc(func(props map[string]interface{}) (string, error) {
				return fmt.Sprintf("amount=%v", props["amount"]), nil
			}), nil
		},
	})
	store := session.NewStore()
	host := NewHost(reg, store, nil, nil, nil)
	defer host.Close()

	store.Set(FeaturesParam, "tips")

	// Writers re-render via the session listener while readers snapshot
	// instances. Run with -race.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				host.UpdateFeatureProps("tips", map[string]interface{}{"amount": w*100 + i})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if inst, ok := host.Get("tips"); ok && inst.Status != StatusMounted {
				t.Errorf("Status = %q during concurrent updates, want mounted", inst.Status)
				return
			}
			host.Mounted()
		}
	}()
	wg.Wait()

	inst, ok := host.Get("tips")
	if !ok || inst.Status != StatusMounted {
		t.Fatalf("after updates: %+v", inst)
	}
	if inst.Content != fmt.Sprintf("amount=%v", inst.Props["amount"]) {
		t.Errorf("Content = %q inconsistent with Props %v", inst.Content, inst.Props)
	}
}

func TestOpenFeatureIdempotent(t *testing.T) {
	host, store := newTestHost(t,
		&Definition{ID: "tips", Version: "1.0.0", Loader: staticComponent("tips")},
	)

	host.OpenFeature("tips", nil)
	host.OpenFeature("tips", nil)

	if v, _ := store.Get(FeaturesParam); v != "tips" {
		t.Errorf("f = %q, want tips listed once", v)
	}
}
