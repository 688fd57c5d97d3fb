// Package bus implements the command bus: the single dispatch point through
// which app contracts are executed. An invocation is replayed from the
// idempotency cache when possible, otherwise validated against its contract,
// gated by policy, and handed to the resolved adapter. Every outcome is a
// structured result; nothing the bus does throws past its API boundary.
package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kinnon13/yalls-foundry/internal/kernel/adapter"
	"github.com/kinnon13/yalls-foundry/internal/kernel/audit"
	"github.com/kinnon13/yalls-foundry/internal/kernel/contract"
	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/metrics"
	"github.com/kinnon13/yalls-foundry/internal/kernel/policy"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// Failure messages for contract resolution.
const (
	ErrMsgContractNotFound = "App contract not found"
	ErrMsgActionNotFound   = "Action not found in contract"
)

// DefaultIdempotencyTTL is the window during which a repeated idempotency
// key returns the cached result instead of re-executing.
const DefaultIdempotencyTTL = 60 * time.Second

// Invocation is one command call. It is transient: constructed per call
// site and never persisted by the bus.
type Invocation struct {
	AppID          string                 `json:"app_id"`
	ActionID       string                 `json:"action_id"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Context        adapter.Context        `json:"context"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// Config controls bus construction.
type Config struct {
	// IdempotencyTTL overrides the default 60s cache window.
	IdempotencyTTL time.Duration
}

// Bus validates and dispatches command invocations.
type Bus struct {
	contracts *contract.Registry
	adapters  *adapter.Registry
	guard     *policy.Guard
	cache     CacheStore
	events    events.Logger
	ledger    *audit.Ledger
	metrics   *metrics.Metrics
	log       *logger.Logger
	ttl       time.Duration
}

// New creates a command bus. The contract and adapter registries are
// required; guard, cache, events, ledger, and metrics may be nil and default
// to no-op or in-process implementations.
func New(cfg Config, contracts *contract.Registry, adapters *adapter.Registry, guard *policy.Guard,
	cache CacheStore, ev events.Logger, ledger *audit.Ledger, m *metrics.Metrics, log *logger.Logger) *Bus {

	if cache == nil {
		cache = NewMemoryCache()
	}
	if ev == nil {
		ev = events.NoOpLogger{}
	}
	if log == nil {
		log = logger.NewDefault("command-bus")
	}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	return &Bus{
		contracts: contracts,
		adapters:  adapters,
		guard:     guard,
		cache:     cache,
		events:    ev,
		ledger:    ledger,
		metrics:   m,
		log:       log,
		ttl:       ttl,
	}
}

// Invoke dispatches a command and returns its normalized result. Failures of
// any kind (unknown contract, validation, policy denial, adapter error or
// panic) surface as a failed result, never as a panic or error to the caller.
func (b *Bus) Invoke(ctx context.Context, inv Invocation) adapter.Result {
	start := time.Now()

	// Idempotency replay short-circuits everything, including validation.
	if inv.IdempotencyKey != "" {
		if cached, ok := b.cache.Get(inv.IdempotencyKey); ok {
			b.events.Log(events.Event{
				Type:     events.CommandIdempotentReplay,
				AppID:    inv.AppID,
				ActionID: inv.ActionID,
				UserID:   inv.Context.UserID,
				Message:  "replayed cached result",
				Metadata: map[string]string{"idempotency_key": inv.IdempotencyKey},
			})
			if b.metrics != nil {
				b.metrics.IdempotentReplays.Inc()
			}
			b.record(inv, cached, time.Since(start), true)
			return cached
		}
	}

	b.events.Log(events.Event{
		Type:     events.CommandInvoked,
		AppID:    inv.AppID,
		ActionID: inv.ActionID,
		UserID:   inv.Context.UserID,
	})

	result := b.dispatch(ctx, inv)
	elapsed := time.Since(start)

	if inv.IdempotencyKey != "" {
		b.cache.Set(inv.IdempotencyKey, result, b.ttl)
	}

	if b.metrics != nil {
		status := "success"
		if !result.Success {
			status = "failure"
		}
		b.metrics.CommandInvocations.WithLabelValues(inv.AppID, inv.ActionID, status).Inc()
		b.metrics.CommandDuration.WithLabelValues(inv.AppID, inv.ActionID).Observe(elapsed.Seconds())
	}

	b.record(inv, result, elapsed, false)
	return result
}

func (b *Bus) dispatch(ctx context.Context, inv Invocation) adapter.Result {
	c := b.contracts.Get(inv.AppID)
	if c == nil {
		return b.failWithEvent(inv, ErrMsgContractNotFound)
	}

	action, ok := c.Actions[inv.ActionID]
	if !ok {
		return b.failWithEvent(inv, ErrMsgActionNotFound)
	}

	if violations := validateParams(action.Params, inv.Params); len(violations) > 0 {
		msg := strings.Join(violations, ", ")
		b.events.Log(events.Event{
			Type:     events.CommandValidationFailed,
			Severity: events.SeverityWarning,
			AppID:    inv.AppID,
			ActionID: inv.ActionID,
			UserID:   inv.Context.UserID,
			Error:    msg,
		})
		if b.metrics != nil {
			b.metrics.ValidationFailures.WithLabelValues(inv.AppID, inv.ActionID).Inc()
		}
		return adapter.Fail(msg)
	}

	// Permission check is advisory only: required permissions are logged so
	// the gap is visible, but enforcement is left to the adapter's backend.
	if len(action.Permissions) > 0 {
		b.log.WithField("app_id", inv.AppID).
			WithField("action_id", inv.ActionID).
			WithField("required_permissions", strings.Join(action.Permissions, ",")).
			Warn("permission check not enforced")
	}

	if b.guard != nil {
		decision := b.guard.CheckPolicy(inv.Context.UserID, inv.AppID+"."+inv.ActionID)
		if !decision.Allowed {
			b.events.Log(events.Event{
				Type:     events.PolicyDenied,
				Severity: events.SeverityWarning,
				AppID:    inv.AppID,
				ActionID: inv.ActionID,
				UserID:   inv.Context.UserID,
				Error:    decision.Reason,
			})
			if b.metrics != nil {
				b.metrics.PolicyDenials.WithLabelValues(decision.Reason).Inc()
			}
			return adapter.Fail(decision.Reason)
		}
	}

	a, ok := b.adapters.Resolve(inv.AppID)
	if !ok {
		return b.failWithEvent(inv, fmt.Sprintf("no adapter registered for app %q", inv.AppID))
	}

	result := b.execute(ctx, a, inv)

	if result.Success {
		b.events.Log(events.Event{
			Type:     events.CommandSucceeded,
			AppID:    inv.AppID,
			ActionID: inv.ActionID,
			UserID:   inv.Context.UserID,
		})
	} else {
		b.events.Log(events.Event{
			Type:     events.CommandFailed,
			Severity: events.SeverityError,
			AppID:    inv.AppID,
			ActionID: inv.ActionID,
			UserID:   inv.Context.UserID,
			Error:    result.Error,
		})
	}
	return result
}

// execute runs the adapter, converting returned errors and panics into
// failure results so execution failures never propagate to the caller.
func (b *Bus) execute(ctx context.Context, a adapter.Adapter, inv Invocation) (result adapter.Result) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("app_id", inv.AppID).
				WithField("action_id", inv.ActionID).
				Errorf("adapter panicked: %v", r)
			result = adapter.Fail(fmt.Sprintf("%v", r))
		}
	}()

	result, err := a.Execute(ctx, inv.AppID, inv.ActionID, inv.Params, inv.Context)
	if err != nil {
		return adapter.Fail(err.Error())
	}
	return result
}

func (b *Bus) failWithEvent(inv Invocation, msg string) adapter.Result {
	b.events.Log(events.Event{
		Type:     events.CommandFailed,
		Severity: events.SeverityError,
		AppID:    inv.AppID,
		ActionID: inv.ActionID,
		UserID:   inv.Context.UserID,
		Error:    msg,
	})
	return adapter.Fail(msg)
}

func (b *Bus) record(inv Invocation, result adapter.Result, elapsed time.Duration, replayed bool) {
	if b.ledger == nil {
		return
	}
	b.ledger.Record(audit.Entry{
		ID:       uuid.NewString(),
		AppID:    inv.AppID,
		ActionID: inv.ActionID,
		UserID:   inv.Context.UserID,
		Context:  inv.Context,
		Params:   inv.Params,
		Success:  result.Success,
		Error:    result.Error,
		Duration: elapsed,
		Replayed: replayed,
	})
}

// validateParams checks the invocation params against the action schema,
// collecting every violation rather than stopping at the first so the
// caller sees the complete list.
func validateParams(schema map[string]string, params map[string]interface{}) []string {
	if len(schema) == 0 {
		return nil
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []string
	for _, name := range names {
		typeName := schema[name]
		optional := strings.HasSuffix(typeName, "?")
		base := strings.TrimSuffix(typeName, "?")

		value, present := params[name]
		if !present || value == nil {
			if !optional {
				violations = append(violations, fmt.Sprintf("missing required parameter %q (%s)", name, base))
			}
			continue
		}

		if msg := checkType(name, base, value); msg != "" {
			violations = append(violations, msg)
		}
	}
	return violations
}

func checkType(name, base string, value interface{}) string {
	switch base {
	case contract.TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("parameter %q must be a string", name)
		}
	case contract.TypeNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Sprintf("parameter %q must be a number", name)
		}
	case contract.TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("parameter %q must be a boolean", name)
		}
	case contract.TypeUUID:
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("parameter %q must be a uuid string", name)
		}
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Sprintf("parameter %q must be a valid uuid", name)
		}
	case contract.TypeDatetime:
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("parameter %q must be a datetime string", name)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fmt.Sprintf("parameter %q must be a valid RFC3339 datetime", name)
		}
	}
	return ""
}
