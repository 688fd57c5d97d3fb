// Package app composes the kernel services into a running application. It
// wires registries, the command bus, the session-driven hosts, and the HTTP
// surface, and owns their lifecycle. Business rules live in internal/kernel;
// this layer only assembles them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/kinnon13/yalls-foundry/internal/config"
	"github.com/kinnon13/yalls-foundry/internal/httpapi"
	"github.com/kinnon13/yalls-foundry/internal/kernel/adapter"
	"github.com/kinnon13/yalls-foundry/internal/kernel/audit"
	"github.com/kinnon13/yalls-foundry/internal/kernel/bus"
	"github.com/kinnon13/yalls-foundry/internal/kernel/contextmgr"
	"github.com/kinnon13/yalls-foundry/internal/kernel/contract"
	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
	"github.com/kinnon13/yalls-foundry/internal/kernel/feature"
	"github.com/kinnon13/yalls-foundry/internal/kernel/metrics"
	"github.com/kinnon13/yalls-foundry/internal/kernel/overlay"
	"github.com/kinnon13/yalls-foundry/internal/kernel/policy"
	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// Application ties the kernel services together and manages their lifecycle.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	Events     *events.RingBuffer
	Metrics    *metrics.Metrics
	Contracts  *contract.Registry
	Adapters   *adapter.Registry
	Guard      *policy.Guard
	Bus        *bus.Bus
	Ledger     *audit.Ledger
	Store      *session.Store
	Contexts   *contextmgr.Manager
	Features   *feature.Registry
	Host       *feature.Host
	Overlays   *overlay.Registry
	OverlayMgr *overlay.Manager

	identity   identityHolder
	redisCli   *redis.Client
	scheduler  *cron.Cron
	httpServer *httpapi.Server
}

// identityHolder is a mutable IdentityProvider for the overlay manager. The
// HTTP surface has no session auth of its own, so callers set the viewer
// explicitly.
type identityHolder struct {
	mu     sync.RWMutex
	viewer overlay.Identity
}

func (h *identityHolder) Current() overlay.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.viewer
}

func (h *identityHolder) set(v overlay.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.viewer = v
}

// SetIdentity sets the viewer the overlay manager gates against.
func (a *Application) SetIdentity(userID string, role overlay.Role) {
	a.identity.set(overlay.Identity{UserID: userID, Role: role})
}

// New builds a fully initialised application from configuration.
func New(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	app := &Application{
		cfg:     cfg,
		log:     log,
		Events:  events.NewRingBuffer(512),
		Metrics: metrics.New(),
	}

	if err := app.buildContracts(); err != nil {
		return nil, err
	}
	app.buildAdapters()
	app.buildPolicy()

	if err := app.buildBus(); err != nil {
		return nil, err
	}
	app.buildHosts()
	app.buildScheduler()

	handler := httpapi.NewHandler(httpapi.Deps{
		Bus:        app.Bus,
		Contracts:  app.Contracts,
		Features:   app.Features,
		Host:       app.Host,
		Overlays:   app.Overlays,
		OverlayMgr: app.OverlayMgr,
		Contexts:   app.Contexts,
		Store:      app.Store,
		Events:     app.Events,
		Ledger:     app.Ledger,
		Metrics:    app.Metrics,
		Log:        log.WithField("component", "httpapi"),

		RatePerSecond: cfg.Server.RatePerSecond,
		RateBurst:     cfg.Server.RateBurst,
	})
	app.httpServer = httpapi.NewServer(cfg.Server, log, handler)

	return app, nil
}

func (a *Application) buildContracts() error {
	a.Contracts = contract.NewRegistry()

	catalog, err := contract.LoadCatalog(a.cfg.Catalog.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.log.Warnf("contract catalog %s not found, starting empty", a.cfg.Catalog.Path)
			return nil
		}
		return fmt.Errorf("load contract catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return fmt.Errorf("invalid contract catalog: %w", err)
	}
	catalog.RegisterAll(a.Contracts)
	a.log.Infof("loaded %d app contracts from %s", a.Contracts.Count(), a.cfg.Catalog.Path)
	return nil
}

func (a *Application) buildAdapters() {
	var fallback adapter.Adapter = adapter.NewMock()
	if a.cfg.Adapter.BaseURL != "" {
		fallback = adapter.NewHTTP(adapter.HTTPConfig{
			BaseURL: a.cfg.Adapter.BaseURL,
			Timeout: time.Duration(a.cfg.Adapter.TimeoutSec) * time.Second,
		})
		a.log.Infof("command execution via HTTP adapter at %s", a.cfg.Adapter.BaseURL)
	}
	a.Adapters = adapter.NewRegistry(fallback)
}

func (a *Application) buildPolicy() {
	a.Guard = policy.NewGuard(policy.Config{
		QuietHoursStart:   a.cfg.Policy.QuietHoursStart,
		QuietHoursEnd:     a.cfg.Policy.QuietHoursEnd,
		DisableQuietHours: a.cfg.Policy.DisableQuietHours,
		DailyActionCap:    a.cfg.Policy.DailyActionCap,
		RatePerSecond:     a.cfg.Policy.RatePerSecond,
		Burst:             a.cfg.Policy.Burst,
	}, a.log.WithField("component", "policy"))
}

func (a *Application) buildBus() error {
	var cache bus.CacheStore
	if a.cfg.Idempotency.Backend == "redis" {
		a.redisCli = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		cache = bus.NewRedisCache(a.redisCli, a.log.WithField("component", "idempotency"))
		a.log.Infof("idempotency cache on redis at %s", a.cfg.Redis.Addr)
	}

	var sinks []audit.Sink
	switch a.cfg.Audit.Sink {
	case "file":
		sink, err := audit.NewFileSink(a.cfg.Audit.FilePath)
		if err != nil {
			return fmt.Errorf("open audit file sink: %w", err)
		}
		sinks = append(sinks, sink)
	case "postgres":
		sink, err := audit.NewPostgresSink(a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open audit postgres sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	a.Ledger = audit.NewLedger(a.cfg.Audit.MaxEntries, a.log.WithField("component", "audit"), sinks...)

	a.Bus = bus.New(bus.Config{
		IdempotencyTTL: time.Duration(a.cfg.Idempotency.TTLSeconds) * time.Second,
	}, a.Contracts, a.Adapters, a.Guard, cache, a.Events, a.Ledger, a.Metrics, a.log.WithField("component", "bus"))
	return nil
}

func (a *Application) buildHosts() {
	a.Store = session.NewStore()
	a.Contexts = contextmgr.New(a.Events)

	a.Features = feature.NewRegistry()
	a.Host = feature.NewHost(a.Features, a.Store, a.Events, a.Metrics, a.log.WithField("component", "feature-host"))

	a.Overlays = overlay.NewRegistry()
	a.OverlayMgr = overlay.NewManager(a.Overlays, a.Store, &a.identity, nil,
		a.Events, a.Metrics, a.log.WithField("component", "overlay"))
}

func (a *Application) buildScheduler() {
	a.scheduler = cron.New()
	// Daily action counts reset at local midnight.
	a.scheduler.AddFunc("0 0 * * *", func() {
		pruned := a.Guard.ResetDailyCounts()
		a.log.WithField("pruned", pruned).Info("daily action counts reset")
	})
}

// Run starts the scheduler and HTTP server and blocks until the context is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	a.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("kernel listening on %s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
		if err := a.httpServer.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, scheduler, hosts, and audit ledger.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http server shutdown")
	}

	cronCtx := a.scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
	}

	a.Host.Close()
	a.OverlayMgr.Close()

	if a.Ledger != nil {
		a.Ledger.Close()
	}
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
	}
	return nil
}

// Logger exposes the application logger.
func (a *Application) Logger() *logger.Logger {
	return a.log
}
