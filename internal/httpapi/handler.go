package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kinnon13/yalls-foundry/internal/kernel/adapter"
	"github.com/kinnon13/yalls-foundry/internal/kernel/audit"
	"github.com/kinnon13/yalls-foundry/internal/kernel/bus"
	"github.com/kinnon13/yalls-foundry/internal/kernel/contextmgr"
	"github.com/kinnon13/yalls-foundry/internal/kernel/contract"
	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/feature"
	"github.com/kinnon13/yalls-foundry/internal/kernel/metrics"
	"github.com/kinnon13/yalls-foundry/internal/kernel/overlay"
	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// Deps bundles everything the HTTP handler exposes.
type Deps struct {
	Bus        *bus.Bus
	Contracts  *contract.Registry
	Features   *feature.Registry
	Host       *feature.Host
	Overlays   *overlay.Registry
	OverlayMgr *overlay.Manager
	Contexts   *contextmgr.Manager
	Store      *session.Store
	Events     events.Logger
	Ledger     *audit.Ledger
	Metrics    *metrics.Metrics
	Log        *logger.Logger

	// RatePerSecond throttles requests per client at the HTTP edge.
	// Zero disables edge throttling.
	RatePerSecond float64
	RateBurst     int
}

type handler struct {
	deps Deps
}

// NewHandler returns the kernel REST API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = logger.NewDefault("httpapi")
	}
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(requestLogger(deps.Log))
	if deps.RatePerSecond > 0 {
		burst := deps.RateBurst
		if burst <= 0 {
			burst = int(deps.RatePerSecond)
		}
		r.Use(newRateLimiter(deps.RatePerSecond, burst).handler)
	}

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Post("/commands", h.invokeCommand)

	r.Get("/contracts", h.listContracts)
	r.Get("/contracts/{appID}", h.getContract)

	r.Get("/features", h.listFeatures)
	r.Post("/features/{featureID}/open", h.openFeature)
	r.Post("/features/{featureID}/close", h.closeFeature)
	r.Post("/features/{featureID}/retry", h.retryFeature)

	r.Get("/overlays", h.listOverlays)
	r.Get("/overlays/active", h.activeOverlay)
	r.Post("/overlays/{key}/open", h.openOverlay)
	r.Post("/overlays/close", h.closeOverlay)

	r.Get("/context", h.getContext)
	r.Post("/context", h.mutateContext)

	r.Get("/state", h.getState)
	r.Put("/state", h.putState)

	r.Get("/events", h.listEvents)
	r.Get("/events/stream", h.streamEvents)

	r.Get("/audit", h.listAudit)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type commandRequest struct {
	AppID          string                 `json:"app_id"`
	ActionID       string                 `json:"action_id"`
	Params         map[string]interface{} `json:"params"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Context        *adapter.Context       `json:"context"`
}

// invokeCommand dispatches a command through the bus. The bus normalizes
// every failure into a result, so the endpoint always answers 200 with a
// success flag; only malformed requests get an error status.
func (h *handler) invokeCommand(w http.ResponseWriter, r *http.Request) {
	var payload commandRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.AppID == "" || payload.ActionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("app_id and action_id are required"))
		return
	}

	cctx := adapter.Context{}
	if payload.Context != nil {
		cctx = *payload.Context
	}
	if cctx.UserID == "" {
		cctx.UserID = r.Header.Get("X-User-ID")
	}
	if cctx.ContextType == "" && h.deps.Contexts != nil {
		current := h.deps.Contexts.Current()
		cctx.ContextType = current.Type
		cctx.ContextID = current.ID
	}

	result := h.deps.Bus.Invoke(r.Context(), bus.Invocation{
		AppID:          payload.AppID,
		ActionID:       payload.ActionID,
		Params:         payload.Params,
		Context:        cctx,
		IdempotencyKey: payload.IdempotencyKey,
	})
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) listContracts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Contracts.All())
}

func (h *handler) getContract(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	c := h.deps.Contracts.Get(appID)
	if c == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("contract %s not found", appID))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) listFeatures(w http.ResponseWriter, r *http.Request) {
	type featureInfo struct {
		ID      string `json:"id"`
		Title   string `json:"title"`
		Version string `json:"version"`
		Enabled bool   `json:"enabled"`
	}

	defs := h.deps.Features.All()
	infos := make([]featureInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, featureInfo{
			ID:      d.ID,
			Title:   d.Title,
			Version: d.Version,
			Enabled: d.Enabled(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": infos,
		"mounted":  h.deps.Host.Mounted(),
	})
}

func (h *handler) openFeature(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "featureID")

	var payload struct {
		Props map[string]interface{} `json:"props"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	h.deps.Host.OpenFeature(id, payload.Props)

	inst, ok := h.deps.Host.Get(id)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("feature %s did not mount", id))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *handler) closeFeature(w http.ResponseWriter, r *http.Request) {
	h.deps.Host.CloseFeature(chi.URLParam(r, "featureID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) retryFeature(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "featureID")
	recovered := h.deps.Host.Retry(id)

	inst, ok := h.deps.Host.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("feature %s not mounted", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recovered": recovered,
		"instance":  inst,
	})
}

func (h *handler) listOverlays(w http.ResponseWriter, r *http.Request) {
	type overlayInfo struct {
		Key          string       `json:"key"`
		Title        string       `json:"title"`
		RequiresAuth bool         `json:"requires_auth"`
		RequiredRole overlay.Role `json:"required_role,omitempty"`
		Routes       []string     `json:"routes,omitempty"`
	}

	defs := h.deps.Overlays.All()
	infos := make([]overlayInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, overlayInfo{
			Key:          d.Key,
			Title:        d.Title,
			RequiresAuth: d.RequiresAuth,
			RequiredRole: d.RequiredRole,
			Routes:       d.Routes,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handler) activeOverlay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.OverlayMgr.Render())
}

func (h *handler) openOverlay(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var payload struct {
		Params map[string]string `json:"params"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	result := h.deps.OverlayMgr.Open(key, payload.Params)
	status := http.StatusOK
	if result.Denied == overlay.DenialUnknownKey {
		status = http.StatusNotFound
	} else if result.Denied != "" {
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]interface{}{
		"opened":      result.Opened,
		"denied":      result.Denied,
		"redirect_to": result.RedirectTo,
		"view":        h.deps.OverlayMgr.Render(),
	})
}

func (h *handler) closeOverlay(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	reason := overlay.CloseReason(payload.Reason)
	if reason == "" {
		reason = overlay.CloseProgrammatic
	}
	closed := h.deps.OverlayMgr.CloseOverlay(reason)
	writeJSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

func (h *handler) getContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Contexts.Snapshot())
}

func (h *handler) mutateContext(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Op   string `json:"op"`
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch payload.Op {
	case "set":
		h.deps.Contexts.Set(payload.Type, payload.ID)
	case "push":
		h.deps.Contexts.Push(payload.Type, payload.ID)
	case "pop":
		h.deps.Contexts.Pop()
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown op %q", payload.Op))
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Contexts.Snapshot())
}

func (h *handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":  h.deps.Store.Encode(),
		"values": h.deps.Store.Snapshot(),
	})
}

// putState replaces the session state from a query string, the server-side
// analog of a navigation.
func (h *handler) putState(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Store.Decode(payload.Query); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.getState(w, r)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	var out []events.Event
	if appID := r.URL.Query().Get("app"); appID != "" {
		out = h.deps.Events.RecentByApp(appID, limit)
	} else if eventType := r.URL.Query().Get("type"); eventType != "" {
		out = h.deps.Events.RecentByType(events.Type(eventType), limit)
	} else {
		out = h.deps.Events.Recent(limit)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Ledger.Recent(queryInt(r, "limit", 50)))
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
