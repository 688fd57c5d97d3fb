// Package policy provides the pre-execution guard consulted by the command
// bus: a quiet-hours gate, a per-user request rate limiter, and a per-user
// daily action cap.
package policy

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// Denial reasons surfaced to callers.
const (
	ReasonQuietHours = "Quiet hours active"
	ReasonRateLimit  = "Rate limit exceeded"
	ReasonDailyCap   = "Daily action cap reached"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Config controls guard behaviour. Zero values select the defaults.
type Config struct {
	// QuietHoursStart and QuietHoursEnd bound the quiet window in local
	// wall-clock hours. The window may wrap midnight. Defaults: 22 and 7.
	QuietHoursStart int
	QuietHoursEnd   int

	// DailyActionCap is the per-user per-day action budget. Default 100.
	DailyActionCap int

	// RatePerSecond and Burst configure the per-user token bucket.
	// Defaults: 5/s with burst 10. A non-positive rate disables the
	// limiter entirely.
	RatePerSecond float64
	Burst         int

	// DisableQuietHours turns the quiet-hours gate off.
	DisableQuietHours bool
}

func (c Config) withDefaults() Config {
	if c.QuietHoursStart == 0 && c.QuietHoursEnd == 0 {
		c.QuietHoursStart = 22
		c.QuietHoursEnd = 7
	}
	if c.DailyActionCap == 0 {
		c.DailyActionCap = 100
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 5
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
	return c
}

// Guard evaluates policy for command invocations. State is held in ordinary
// in-process maps; counters are not shared across instances.
type Guard struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	mu       sync.Mutex
	counts   map[string]int
	limiters map[string]*rate.Limiter
}

// Option customises guard construction.
type Option func(*Guard)

// WithClock injects the time source. Tests use this to pin the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a policy guard.
func NewGuard(cfg Config, log *logger.Logger, opts ...Option) *Guard {
	if log == nil {
		log = logger.NewDefault("policy")
	}
	g := &Guard{
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		counts:   make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckPolicy decides whether the user may perform an action right now.
// Quiet hours are checked first, then the rate limiter, then the daily cap.
// The daily counter is only incremented on an allowed action.
func (g *Guard) CheckPolicy(userID, action string) Decision {
	if g.IsQuietHours() {
		g.log.WithField("user_id", userID).WithField("action", action).
			Warn("action denied: quiet hours")
		return Decision{Allowed: false, Reason: ReasonQuietHours}
	}

	if g.cfg.RatePerSecond > 0 && !g.limiterFor(userID).Allow() {
		g.log.WithField("user_id", userID).WithField("action", action).
			Warn("action denied: rate limited")
		return Decision{Allowed: false, Reason: ReasonRateLimit}
	}

	key := g.dayKey(userID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counts[key] >= g.cfg.DailyActionCap {
		g.log.WithField("user_id", userID).WithField("action", action).
			Warn("action denied: daily cap reached")
		return Decision{Allowed: false, Reason: ReasonDailyCap}
	}
	g.counts[key]++
	return Decision{Allowed: true}
}

// IsQuietHours reports whether the current wall-clock hour is inside the
// configured quiet window. The window may wrap midnight, e.g. 22..7.
func (g *Guard) IsQuietHours() bool {
	if g.cfg.DisableQuietHours {
		return false
	}
	hour := g.now().Hour()
	start, end := g.cfg.QuietHoursStart, g.cfg.QuietHoursEnd
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// CheckOwnership reports whether the user owns the resource. Strict equality
// only: there is no role or membership escalation here.
func (g *Guard) CheckOwnership(userID, resourceOwnerID string) bool {
	return userID != "" && userID == resourceOwnerID
}

// DailyCount returns today's counter for a user.
func (g *Guard) DailyCount(userID string) int {
	key := g.dayKey(userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[key]
}

// ResetDailyCounts prunes counter entries from previous days. Intended to
// run once daily via the scheduler; without it the guard leaks one entry
// per user-day.
func (g *Guard) ResetDailyCounts() int {
	today := ":" + g.now().Format("2006-01-02")

	g.mu.Lock()
	defer g.mu.Unlock()

	pruned := 0
	for key := range g.counts {
		if len(key) < len(today) || key[len(key)-len(today):] != today {
			delete(g.counts, key)
			pruned++
		}
	}
	if pruned > 0 {
		g.log.Infof("pruned %d stale daily counters", pruned)
	}
	return pruned
}

func (g *Guard) dayKey(userID string) string {
	return fmt.Sprintf("%s:%s", userID, g.now().Format("2006-01-02"))
}

func (g *Guard) limiterFor(userID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	lim, ok := g.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst)
		g.limiters[userID] = lim
	}
	return lim
}
