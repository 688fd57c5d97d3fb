package feature

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/metrics"
	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// FeaturesParam is the session key listing mounted feature ids.
const FeaturesParam = "f"

// Placeholder content rendered for degraded instances.
const (
	UnknownFeatureContent = "Unknown feature"
	CrashedFeatureContent = "Feature crashed"
)

// Status describes a mounted instance's condition.
type Status string

const (
	StatusMounted Status = "mounted"
	StatusUnknown Status = "unknown"
	StatusCrashed Status = "crashed"
)

// Instance is the host's view of one mounted feature.
type Instance struct {
	ID          string                 `json:"id"`
	BoundaryKey string                 `json:"boundary_key"`
	Status      Status                 `json:"status"`
	Content     string                 `json:"content"`
	Error       string                 `json:"error,omitempty"`
	Props       map[string]interface{} `json:"props,omitempty"`

	component Component
}

// Host mounts and unmounts features according to the session store's "f"
// parameter. Every instance runs behind its own boundary: loader and render
// panics are contained, logged, and leave sibling instances untouched.
type Host struct {
	registry *Registry
	store    *session.Store
	events   events.Logger
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu          sync.Mutex
	mounted     map[string]*Instance
	order       []string
	unsubscribe func()
}

// NewHost creates a feature host bound to the session store and starts
// reacting to its changes.
func NewHost(registry *Registry, store *session.Store, ev events.Logger, m *metrics.Metrics, log *logger.Logger) *Host {
	if ev == nil {
		ev = events.NoOpLogger{}
	}
	if log == nil {
		log = logger.NewDefault("feature-host")
	}

	h := &Host{
		registry: registry,
		store:    store,
		events:   ev,
		metrics:  m,
		log:      log,
		mounted:  make(map[string]*Instance),
	}
	h.unsubscribe = store.Subscribe(func(session.Change) {
		h.Sync()
	})
	h.Sync()
	return h
}

// Close stops reacting to session changes and unmounts everything.
func (h *Host) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	h.mu.Lock()
	ids := append([]string(nil), h.order...)
	h.mu.Unlock()

	for _, id := range ids {
		h.unmount(id)
	}
}

// Sync reconciles mounted instances against the session store. New ids in
// the "f" list are mounted, removed ids unmounted, and surviving instances
// re-rendered when their props changed.
func (h *Host) Sync() {
	snap := h.store.Snapshot()
	wanted := parseFeatureList(snap.Get(FeaturesParam))

	wantedSet := make(map[string]bool, len(wanted))
	for _, id := range wanted {
		wantedSet[id] = true
	}

	h.mu.Lock()
	var toUnmount []string
	for id := range h.mounted {
		if !wantedSet[id] {
			toUnmount = append(toUnmount, id)
		}
	}
	h.mu.Unlock()

	for _, id := range toUnmount {
		h.unmount(id)
	}
	for _, id := range wanted {
		h.mountOrUpdate(snap, id)
	}

	h.mu.Lock()
	h.order = wanted
	h.mu.Unlock()
}

func parseFeatureList(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func (h *Host) mountOrUpdate(snap session.Snapshot, id string) {
	h.mu.Lock()
	existing, ok := h.mounted[id]
	h.mu.Unlock()

	def := h.registry.Get(id)
	if def == nil {
		if ok {
			return
		}
		h.mu.Lock()
		h.mounted[id] = &Instance{
			ID:          id,
			BoundaryKey: id + ":?",
			Status:      StatusUnknown,
			Content:     UnknownFeatureContent,
		}
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.FeatureMounts.WithLabelValues(id, "unknown").Inc()
		}
		return
	}

	props := resolveProps(snap, def)

	if ok {
		// Crashed instances stay down until an explicit Retry; healthy
		// ones re-render only when their props changed.
		h.mu.Lock()
		skip := existing.Status != StatusMounted || reflect.DeepEqual(existing.Props, props)
		component := existing.component
		h.mu.Unlock()
		if skip {
			return
		}
		h.render(existing, component, props)
		return
	}

	inst := &Instance{
		ID:          id,
		BoundaryKey: def.BoundaryKey(),
	}

	component, err := h.safeLoad(def)
	if err != nil {
		h.markCrashed(inst, err)
		h.storeInstance(inst)
		return
	}
	inst.component = component

	h.render(inst, component, props)
	h.storeInstance(inst)

	if h.status(inst) == StatusMounted {
		h.events.Log(events.Event{
			Type:     events.FeatureMounted,
			Message:  "feature mounted",
			Metadata: map[string]string{"feature": id, "boundary": inst.BoundaryKey},
		})
		if h.metrics != nil {
			h.metrics.FeatureMounts.WithLabelValues(id, "ok").Inc()
		}
	}
}

func (h *Host) storeInstance(inst *Instance) {
	h.mu.Lock()
	h.mounted[inst.ID] = inst
	h.mu.Unlock()
}

// safeLoad invokes the lazy loader inside the boundary.
func (h *Host) safeLoad(def *Definition) (c Component, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("loader panicked: %v", r)
		}
	}()

	c, err = def.Loader()
	if err == nil && c == nil {
		err = fmt.Errorf("loader returned no component")
	}
	return c, err
}

// render runs the component inside the boundary, outside the host lock so a
// slow render never blocks readers, then publishes the outcome under it.
// Instances are shared with concurrent Sync, Get, and Mounted callers, so
// their fields are only ever touched while the lock is held.
func (h *Host) render(inst *Instance, c Component, props map[string]interface{}) {
	content, err := h.safeRender(c, props)
	if err != nil {
		h.markCrashed(inst, err)
		return
	}

	h.mu.Lock()
	inst.Status = StatusMounted
	inst.Content = content
	inst.Error = ""
	inst.Props = props
	h.mu.Unlock()
}

// status reads an instance's status under the lock.
func (h *Host) status(inst *Instance) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return inst.Status
}

func (h *Host) safeRender(c Component, props map[string]interface{}) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			content = ""
			err = fmt.Errorf("render panicked: %v", r)
		}
	}()
	return c.Render(props)
}

// markCrashed puts the instance into the crashed state and logs the crash
// fire-and-forget. Sibling instances are not touched.
func (h *Host) markCrashed(inst *Instance, err error) {
	h.mu.Lock()
	inst.Status = StatusCrashed
	inst.Content = CrashedFeatureContent
	inst.Error = err.Error()
	h.mu.Unlock()

	h.log.WithField("feature", inst.ID).WithError(err).Error("feature crashed")
	h.events.Log(events.Event{
		Type:     events.FeatureCrashed,
		Severity: events.SeverityError,
		Error:    err.Error(),
		Metadata: map[string]string{"feature": inst.ID, "boundary": inst.BoundaryKey},
	})
	if h.metrics != nil {
		h.metrics.FeatureCrashes.WithLabelValues(inst.ID).Inc()
		h.metrics.FeatureMounts.WithLabelValues(inst.ID, "crashed").Inc()
	}
}

func (h *Host) unmount(id string) {
	h.mu.Lock()
	_, ok := h.mounted[id]
	delete(h.mounted, id)
	h.mu.Unlock()

	if ok {
		h.events.Log(events.Event{
			Type:     events.FeatureUnmounted,
			Message:  "feature unmounted",
			Metadata: map[string]string{"feature": id},
		})
	}
}

// Retry clears a crashed instance's error state and re-renders the same
// subtree. If the loader itself crashed it is re-invoked.
func (h *Host) Retry(id string) bool {
	h.mu.Lock()
	inst, ok := h.mounted[id]
	if !ok || inst.Status != StatusCrashed {
		h.mu.Unlock()
		return false
	}
	component := inst.component
	h.mu.Unlock()

	def := h.registry.Get(id)
	if def == nil {
		return false
	}

	if component == nil {
		loaded, err := h.safeLoad(def)
		if err != nil {
			h.markCrashed(inst, err)
			return false
		}
		component = loaded
		h.mu.Lock()
		inst.component = component
		h.mu.Unlock()
	}

	props := resolveProps(h.store.Snapshot(), def)
	h.render(inst, component, props)

	if h.status(inst) == StatusMounted {
		h.events.Log(events.Event{
			Type:     events.FeatureRetried,
			Message:  "feature recovered after retry",
			Metadata: map[string]string{"feature": id},
		})
		return true
	}
	return false
}

// Mounted returns a snapshot of all instances in mount order.
func (h *Host) Mounted() []Instance {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Instance, 0, len(h.order))
	for _, id := range h.order {
		if inst, ok := h.mounted[id]; ok {
			copied := *inst
			copied.component = nil
			out = append(out, copied)
		}
	}
	return out
}

// Get returns the instance for a feature id.
func (h *Host) Get(id string) (Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	inst, ok := h.mounted[id]
	if !ok {
		return Instance{}, false
	}
	copied := *inst
	copied.component = nil
	return copied, true
}

// OpenFeature adds a feature to the mounted list with optional props, the
// deep-link analog of opening it via URL.
func (h *Host) OpenFeature(id string, props map[string]interface{}) {
	h.store.Apply(func(values map[string]string) {
		ids := parseFeatureList(values[FeaturesParam])
		present := false
		for _, existing := range ids {
			if existing == id {
				present = true
				break
			}
		}
		if !present {
			ids = append(ids, id)
			values[FeaturesParam] = strings.Join(ids, ",")
		}
		prefix := propPrefix(id)
		for k, v := range props {
			values[prefix+k] = encodePropValue(v)
		}
	})
}

// UpdateFeatureProps writes prop overrides for a mounted feature straight
// into the session store; there is no separate client-side prop state.
func (h *Host) UpdateFeatureProps(id string, props map[string]interface{}) {
	prefix := propPrefix(id)
	h.store.Apply(func(values map[string]string) {
		for k, v := range props {
			values[prefix+k] = encodePropValue(v)
		}
	})
}

// CloseFeature removes a feature from the mounted list and purges every one
// of its fx.* parameters so no orphaned state survives the close.
func (h *Host) CloseFeature(id string) {
	prefix := propPrefix(id)
	h.store.Apply(func(values map[string]string) {
		ids := parseFeatureList(values[FeaturesParam])
		kept := ids[:0]
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(values, FeaturesParam)
		} else {
			values[FeaturesParam] = strings.Join(kept, ",")
		}

		var purge []string
		for k := range values {
			if strings.HasPrefix(k, prefix) {
				purge = append(purge, k)
			}
		}
		sort.Strings(purge)
		for _, k := range purge {
			delete(values, k)
		}
	})
}

func encodePropValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
