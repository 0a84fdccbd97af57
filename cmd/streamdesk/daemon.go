package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/streamdesk/internal/audit"
	"github.com/basket/streamdesk/internal/bus"
	"github.com/basket/streamdesk/internal/config"
	"github.com/basket/streamdesk/internal/connections"
	"github.com/basket/streamdesk/internal/cron"
	"github.com/basket/streamdesk/internal/gateway"
	"github.com/basket/streamdesk/internal/generation"
	"github.com/basket/streamdesk/internal/ledger"
	"github.com/basket/streamdesk/internal/metrics"
	otelPkg "github.com/basket/streamdesk/internal/otel"
	"github.com/basket/streamdesk/internal/persistence"
	"github.com/basket/streamdesk/internal/prompts"
	"github.com/basket/streamdesk/internal/stream"
)

// startupError carries the reason code logged by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// daemon owns every long-lived component behind the gateway.
type daemon struct {
	cfg    config.Config
	logger *slog.Logger

	bus      *bus.Bus
	otel     *otelPkg.Provider
	audit    *audit.Log
	store    *persistence.Store
	catalog  *prompts.Catalog
	registry *connections.Registry
	ledger   *ledger.Ledger
	sup      *stream.Supervisor
	sched    *cron.Scheduler
	gateway  *gateway.Server

	stopRecorder context.CancelFunc
	recorderDone <-chan struct{}
}

func newDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger, bus: bus.New()}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, &startupError{"E_OTEL_INIT", err}
	}
	otelMetrics, err := otelPkg.NewMetrics(d.otel.Meter)
	if err != nil {
		return nil, &startupError{"E_OTEL_INIT", err}
	}

	d.audit, err = audit.Open(cfg.HomeDir)
	if err != nil {
		return nil, &startupError{"E_AUDIT_OPEN", err}
	}

	d.store, err = persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return nil, &startupError{"E_STORE_OPEN", err}
	}
	logger.Info("startup phase", "phase", "store_opened")

	d.catalog, err = prompts.Open(cfg.ResolvedPromptsPath())
	if err != nil {
		return nil, &startupError{"E_PROMPTS_LOAD", err}
	}
	logger.Info("startup phase", "phase", "prompts_loaded",
		"path", d.catalog.Path(),
		"version", d.catalog.Version(),
		"buttons", len(d.catalog.ListButtons()),
		"roles", len(d.catalog.ListRoles()),
	)

	d.registry = connections.NewRegistry(logger, connections.WithBus(d.bus))
	d.ledger = ledger.New(logger)
	promMetrics := metrics.New(metrics.Gauges{
		Connections:    d.registry.Count,
		ActiveRequests: d.ledger.Len,
	})

	source := generation.NewSource(ctx, generation.GenkitConfig{
		Provider:     cfg.LLM.Provider,
		Model:        cfg.LLM.Model,
		APIKey:       cfg.ProviderAPIKey(cfg.LLM.Provider),
		BaseURL:      cfg.ProviderBaseURL(cfg.LLM.Provider),
		SystemPrompt: cfg.LLM.SystemPrompt,
		HistoryRuns:  cfg.HistoryRuns,
	}, d.store, logger)

	orch := stream.NewOrchestrator(d.registry, d.ledger, source, logger,
		stream.WithBus(d.bus),
		stream.WithTracer(d.otel.Tracer),
		stream.WithOtelMetrics(otelMetrics),
		stream.WithMetrics(promMetrics),
	)
	d.sup = stream.NewSupervisor(context.WithoutCancel(ctx), orch, d.ledger, logger)

	d.sched, err = cron.NewScheduler(cron.Config{
		Store:     d.store,
		Logger:    logger,
		Schedule:  cfg.Retention.Schedule,
		Retention: time.Duration(cfg.Retention.Days) * 24 * time.Hour,
	})
	if err != nil {
		return nil, &startupError{"E_RETENTION_SCHEDULE", err}
	}

	d.gateway = gateway.New(gateway.Config{
		Registry:          d.registry,
		Ledger:            d.ledger,
		Supervisor:        d.sup,
		Prompts:           d.catalog,
		Store:             d.store,
		Metrics:           promMetrics,
		Tracer:            d.otel.Tracer,
		Logger:            logger,
		Audit:             d.audit,
		OtelMetrics:       otelMetrics,
		AllowOrigins:      cfg.AllowOrigins,
		Auth:              cfg.Auth,
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	return d, nil
}

// start launches the recorder, retention job, bucket eviction and the
// prompt hot-reload loop.
func (d *daemon) start(ctx context.Context) error {
	// The recorder outlives ctx so runs finishing during drain are stored.
	recCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	d.stopRecorder = stop
	d.recorderDone = persistence.NewRecorder(d.store, d.bus, d.logger).Run(recCtx)
	d.sched.Start(ctx)
	if d.cfg.RateLimit.Enabled {
		d.gateway.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)
	}

	w := config.NewWatcher(d.cfg.HomeDir, d.catalog.Path(), d.logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	go d.watch(w.Events())
	return nil
}

func (d *daemon) watch(events <-chan config.ReloadEvent) {
	for ev := range events {
		if ev.Kind == config.KindPrompts {
			d.reloadPrompts()
			continue
		}
		// Only the catalog is live; other settings apply on restart.
		if next, err := config.LoadFrom(d.cfg.HomeDir); err != nil {
			d.logger.Error("config.yaml reload failed", "error", err)
		} else if next.Fingerprint() != d.cfg.Fingerprint() {
			d.logger.Warn("config.yaml changed; restart to apply", "fingerprint", next.Fingerprint())
		}
	}
}

func (d *daemon) reloadPrompts() {
	before := d.catalog.Version()
	if err := d.catalog.Reload(); err != nil {
		d.logger.Error("prompts reload rejected; retaining previous catalog", "error", err)
		return
	}
	if v := d.catalog.Version(); v != before {
		d.logger.Info("prompts hot-reloaded", "version", v)
	}
}

// drain cancels in-flight streams, waits up to timeout for them, then closes
// every websocket.
func (d *daemon) drain(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.sup.Shutdown(ctx); err != nil {
		d.logger.Warn("drain incomplete", "error", err)
	}
	d.registry.CloseAll("server shutting down")
}

func (d *daemon) close() {
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.stopRecorder != nil {
		d.stopRecorder()
		select {
		case <-d.recorderDone:
		case <-time.After(5 * time.Second):
			d.logger.Warn("recorder did not stop in time")
		}
	}
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	errs = append(errs, d.audit.Close())
	if d.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.otel.Shutdown(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("shutdown cleanup", "error", err)
	}
}
