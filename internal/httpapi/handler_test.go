package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kinnon13/yalls-foundry/internal/kernel/adapter"
	"github.com/kinnon13/yalls-foundry/internal/kernel/bus"
	"github.com/kinnon13/yalls-foundry/internal/kernel/contextmgr"
	"github.com/kinnon13/yalls-foundry/internal/kernel/contract"
	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/feature"
	"github.com/kinnon13/yalls-foundry/internal/kernel/overlay"
	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
)

func testServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()

	contracts := contract.NewRegistry()
	contracts.Register(&contract.Contract{
		ID:      "tips",
		Version: "1.0.0",
		Actions: map[string]contract.Action{
			"send_tip": {Params: map[string]string{"amount": contract.TypeNumber}},
		},
	})

	ev := events.NewRingBuffer(64)
	mock := adapter.NewMock()
	store := session.NewStore()

	features := feature.NewRegistry()
	features.Register(&feature.Definition{
		ID:      "messages",
		Title:   "Messages",
		Version: "1.0.0",
		Loader: func() (feature.Component, error) {
			return feature.ComponentFunc(func(map[string]interface{}) (string, error) {
				return "inbox", nil
			}), nil
		},
	})
	host := feature.NewHost(features, store, ev, nil, nil)
	t.Cleanup(host.Close)

	overlays := overlay.NewRegistry()
	overlays.Register(&overlay.Definition{
		Key:   "cart",
		Title: "Cart",
		Loader: func() (overlay.Component, error) {
			return overlay.ComponentFunc(func(map[string]string) (string, error) {
				return "cart contents", nil
			}), nil
		},
	})
	overlayMgr := overlay.NewManager(overlays, store, nil, nil, ev, nil, nil)
	t.Cleanup(overlayMgr.Close)

	deps := Deps{
		Bus:        bus.New(bus.Config{}, contracts, adapter.NewRegistry(mock), nil, nil, ev, nil, nil, nil),
		Contracts:  contracts,
		Features:   features,
		Host:       host,
		Overlays:   overlays,
		OverlayMgr: overlayMgr,
		Contexts:   contextmgr.New(ev),
		Store:      store,
		Events:     ev,
	}

	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func getJSON(t *testing.T, url string, dst interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url, body string, dst interface{}) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status body = %v", body)
	}
}

func TestInvokeCommandEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	var result adapter.Result
	resp := postJSON(t, srv.URL+"/commands",
		`{"app_id":"tips","action_id":"send_tip","params":{"amount":5}}`, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success", result)
	}
}

func TestInvokeCommandValidationFailure(t *testing.T) {
	srv, _ := testServer(t)

	var result adapter.Result
	resp := postJSON(t, srv.URL+"/commands",
		`{"app_id":"tips","action_id":"send_tip","params":{"amount":"ten"}}`, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with failure payload", resp.StatusCode)
	}
	if result.Success {
		t.Error("expected validation failure in payload")
	}
	if !strings.Contains(result.Error, "amount") {
		t.Errorf("Error = %q, want amount violation", result.Error)
	}
}

func TestInvokeCommandMissingIDs(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/commands", `{"params":{}}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestContractsEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	var list []contract.Contract
	getJSON(t, srv.URL+"/contracts", &list)
	if len(list) != 1 || list[0].ID != "tips" {
		t.Errorf("contracts = %v, want [tips]", list)
	}

	var single contract.Contract
	getJSON(t, srv.URL+"/contracts/tips", &single)
	if single.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", single.Version)
	}

	resp := getJSON(t, srv.URL+"/contracts/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFeatureLifecycleEndpoints(t *testing.T) {
	srv, deps := testServer(t)

	var inst feature.Instance
	resp := postJSON(t, srv.URL+"/features/messages/open", `{}`, &inst)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open status = %d, want 200", resp.StatusCode)
	}
	if inst.Status != feature.StatusMounted || inst.Content != "inbox" {
		t.Errorf("instance = %+v", inst)
	}
	if v, _ := deps.Store.Get(feature.FeaturesParam); v != "messages" {
		t.Errorf("f = %q, want messages", v)
	}

	resp = postJSON(t, srv.URL+"/features/messages/close", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("close status = %d, want 204", resp.StatusCode)
	}
	if _, ok := deps.Store.Get(feature.FeaturesParam); ok {
		t.Error("f should be cleared after close")
	}
}

func TestOverlayEndpoints(t *testing.T) {
	srv, deps := testServer(t)

	var opened struct {
		Opened bool         `json:"opened"`
		View   overlay.View `json:"view"`
	}
	resp := postJSON(t, srv.URL+"/overlays/cart/open", `{"params":{"sku":"1"}}`, &opened)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open status = %d, want 200", resp.StatusCode)
	}
	if !opened.Opened || opened.View.Content != "cart contents" {
		t.Errorf("opened = %+v", opened)
	}
	if v, _ := deps.Store.Get(overlay.OverlayParam); v != "cart" {
		t.Errorf("app = %q, want cart", v)
	}

	resp = postJSON(t, srv.URL+"/overlays/ghost/open", `{}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown overlay status = %d, want 404", resp.StatusCode)
	}

	var closed map[string]bool
	postJSON(t, srv.URL+"/overlays/close", `{"reason":"escape"}`, &closed)
	if !closed["closed"] {
		t.Error("close reported false")
	}
}

func TestStateEndpoints(t *testing.T) {
	srv, deps := testServer(t)
	deps.Store.Set("app", "cart")

	var state struct {
		Query  string            `json:"query"`
		Values map[string]string `json:"values"`
	}
	getJSON(t, srv.URL+"/state", &state)
	if state.Values["app"] != "cart" {
		t.Errorf("values = %v", state.Values)
	}

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/state",
		strings.NewReader(`{"query":"f=messages&fx.messages.tab=unread"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /state failed: %v", err)
	}
	res.Body.Close()

	if v, _ := deps.Store.Get("f"); v != "messages" {
		t.Errorf("f = %q after PUT, want messages", v)
	}
	if _, ok := deps.Store.Get("app"); ok {
		t.Error("app should be replaced away by PUT /state")
	}
}

func TestContextEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	var state contextmgr.State
	postJSON(t, srv.URL+"/context", `{"op":"push","type":"business","id":"biz-1"}`, &state)
	if state.ActiveType != "business" || state.ActiveID != "biz-1" {
		t.Errorf("state = %+v", state)
	}
	if len(state.Stack) != 1 {
		t.Errorf("stack depth = %d, want 1", len(state.Stack))
	}

	postJSON(t, srv.URL+"/context", `{"op":"pop"}`, &state)
	if state.ActiveType != "user" {
		t.Errorf("after pop active = %q, want user", state.ActiveType)
	}

	resp := postJSON(t, srv.URL+"/context", `{"op":"teleport"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown op status = %d, want 400", resp.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	postJSON(t, srv.URL+"/commands", `{"app_id":"tips","action_id":"send_tip","params":{"amount":5}}`, nil)

	var evs []events.Event
	getJSON(t, srv.URL+"/events?type="+string(events.CommandSucceeded), &evs)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1 success event", len(evs))
	}
	if evs[0].AppID != "tips" {
		t.Errorf("event app = %q, want tips", evs[0].AppID)
	}
}
