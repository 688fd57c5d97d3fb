package feature

import (
	"strings"
	"testing"

	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
)

func snapshotOf(pairs map[string]string) session.Snapshot {
	snap := make(session.Snapshot, len(pairs))
	for k, v := range pairs {
		snap[k] = v
	}
	return snap
}

func TestGatherProps(t *testing.T) {
	snap := snapshotOf(map[string]string{
		"f":                "tips",
		"fx.tips.amount":   "5",
		"fx.tips.label":    "hello",
		"fx.other.amount":  "9",
		"unrelated":        "x",
		"fx.tips.flag":     "true",
		"fx.tips.settings": `{"sound":"on"}`,
	})

	props := gatherProps(snap, "tips")

	if len(props) != 4 {
		t.Fatalf("gathered %d props, want 4: %v", len(props), props)
	}
	if props["amount"] != float64(5) {
		t.Errorf("amount = %v (%T), want 5 as a number", props["amount"], props["amount"])
	}
	if props["label"] != "hello" {
		t.Errorf("label = %v, want hello", props["label"])
	}
	if props["flag"] != true {
		t.Errorf("flag = %v, want true", props["flag"])
	}
	settings, ok := props["settings"].(map[string]interface{})
	if !ok || settings["sound"] != "on" {
		t.Errorf("settings = %v, want decoded object", props["settings"])
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name  string
		value string
		check func(t *testing.T, got interface{})
	}{
		{"plain-string", "hello", func(t *testing.T, got interface{}) {
			if got != "hello" {
				t.Errorf("got %v, want hello", got)
			}
		}},
		{"number", "42", func(t *testing.T, got interface{}) {
			if got != float64(42) {
				t.Errorf("got %v (%T), want 42", got, got)
			}
		}},
		{"malformed-json", `{"a":`, func(t *testing.T, got interface{}) {
			if got != `{"a":` {
				t.Errorf("got %v, want raw string back", got)
			}
		}},
		{"oversized", strings.Repeat("1", maxParseableValueLen+1), func(t *testing.T, got interface{}) {
			if s, ok := got.(string); !ok || len(s) != maxParseableValueLen+1 {
				t.Errorf("oversized value should stay an opaque string, got %T", got)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, decodeValue(tt.value))
		})
	}
}

func TestDecodeValueStripsDangerousKeys(t *testing.T) {
	got := decodeValue(`{"__proto__":{"x":1},"constructor":"bad","prototype":"bad","ok":"yes"}`)

	obj, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("got %T, want object", got)
	}
	for _, key := range []string{"__proto__", "constructor", "prototype"} {
		if _, present := obj[key]; present {
			t.Errorf("dangerous key %q survived sanitization", key)
		}
	}
	if obj["ok"] != "yes" {
		t.Errorf("ok = %v, want yes", obj["ok"])
	}
}

func TestResolveProps_MergesOverDefaults(t *testing.T) {
	def := &Definition{
		ID:       "tips",
		Schema:   map[string]string{"amount": "number", "label": "string?"},
		Defaults: map[string]interface{}{"amount": float64(1), "theme": "light"},
	}
	snap := snapshotOf(map[string]string{"fx.tips.amount": "5"})

	props := resolveProps(snap, def)

	if props["amount"] != float64(5) {
		t.Errorf("amount = %v, want query value 5", props["amount"])
	}
	if props["theme"] != "light" {
		t.Errorf("theme = %v, want default light", props["theme"])
	}
}

func TestResolveProps_InvalidFallsBackToDefaults(t *testing.T) {
	def := &Definition{
		ID:       "tips",
		Schema:   map[string]string{"amount": "number"},
		Defaults: map[string]interface{}{"amount": float64(1)},
	}
	snap := snapshotOf(map[string]string{"fx.tips.amount": "not-a-number"})

	props := resolveProps(snap, def)

	if props["amount"] != float64(1) {
		t.Errorf("amount = %v, want default 1 after validation failure", props["amount"])
	}
	if len(props) != 1 {
		t.Errorf("props = %v, want defaults only", props)
	}
}

func TestValidateSchemaTypes(t *testing.T) {
	schema := map[string]string{
		"id":   "uuid",
		"when": "datetime?",
	}

	valid := map[string]interface{}{
		"id":   "8b7f6e4a-4a88-49c5-a17c-9a6f24c0a111",
		"when": "2025-06-15T12:00:00Z",
	}
	if err := validateSchema(schema, valid); err != nil {
		t.Errorf("valid props rejected: %v", err)
	}

	if err := validateSchema(schema, map[string]interface{}{"id": "nope"}); err == nil {
		t.Error("bad uuid accepted")
	}
	if err := validateSchema(schema, map[string]interface{}{}); err == nil {
		t.Error("missing required prop accepted")
	}
}
