// Command watchstate runs the sync engine: it opens the local state store,
// builds one adapter per configured backend, starts the webhook listener,
// and schedules recurring Import/Export runs. Wiring is explicit here
// (spec §9 redesign flag: no service locator/DI container), grounded on the
// teacher's root main.go lifecycle — load config, open storage, build the
// router, start background workers, serve, wait for a signal, shut down in
// reverse order.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/adapter/emby"
	"github.com/watchstate/syncengine/adapter/jellyfin"
	"github.com/watchstate/syncengine/adapter/plex"
	"github.com/watchstate/syncengine/config"
	"github.com/watchstate/syncengine/health"
	"github.com/watchstate/syncengine/logging"
	"github.com/watchstate/syncengine/mapper"
	"github.com/watchstate/syncengine/orchestrator"
	"github.com/watchstate/syncengine/queue"
	"github.com/watchstate/syncengine/store"
	"github.com/watchstate/syncengine/webhook"
)

func main() {
	logger := logging.New(os.Getenv("LOG_FORMAT"), slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	backendNames := strings.Split(os.Getenv("WS_BACKENDS"), ",")
	orchBackends, webhookBackends, err := buildBackends(backendNames, logger)
	if err != nil {
		logger.Error("failed to configure backends", "error", err)
		os.Exit(1)
	}

	qcfg := queue.Config{
		Workers:        cfg.Queue.Workers,
		RequestTimeout: cfg.Queue.RequestTimeout,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		GraceOnCancel:  cfg.Queue.GraceOnCancel,
		RatePerSecond:  cfg.Queue.RatePerSecond,
		Logger:         logger,
	}
	orch := orchestrator.New(db, qcfg, logger)
	dm := mapper.NewDirect(db)

	healthBackends := make([]health.Backend, 0, len(orchBackends))
	for _, b := range orchBackends {
		healthBackends = append(healthBackends, health.Backend{Name: b.Name, Adapter: b.Adapter})
	}
	hc := health.New(healthBackends, 30*time.Second, logger)
	hc.Start(ctx)
	defer hc.Stop()
	orch.SetHealthChecker(hc)

	srv := webhook.New(cfg.Webhook, cfg.APIKeyHash, webhookBackends, dm, orch, logger)
	srv.Start(ctx)
	defer srv.Stop()

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go runScheduler(schedCtx, "import", cfg.ImportInterval, cfg.ImportRunDeadline, logger, func(runCtx context.Context) {
		report := orch.Import(runCtx, orchBackends)
		logger.Info("import run finished", "mapper_added", report.Mapper.Added, "mapper_merged", report.Mapper.Merged)
	})
	go runScheduler(schedCtx, "export", cfg.ExportInterval, cfg.ExportRunDeadline, logger, func(runCtx context.Context) {
		states, err := orch.Backup(runCtx, 1000)
		if err != nil {
			logger.Error("export run: failed to load canonical states", "error", err)
			return
		}
		report := orch.Export(runCtx, orchBackends, states)
		for name, b := range report.Backends {
			logger.Info("export run finished", "backend", name, "exported", b.Exported, "has_errors", b.HasErrors)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("watchstate listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down...")

	cancelSched()
	srv.Stop()
	hc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("watchstate stopped")
}

// runScheduler fires fn on every tick of interval, bounding each run with
// deadline (spec §5's "24h import / 12h export" run ceilings). interval<=0
// disables the scheduler entirely, leaving runs to be triggered some other
// way (a future admin surface, a one-shot invocation).
func runScheduler(ctx context.Context, name string, interval, deadline time.Duration, logger *slog.Logger, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, deadline)
			logger.Info("starting run", "run", name)
			fn(runCtx)
			cancel()
		}
	}
}

// buildBackends loads one config.BackendConfig per configured name (env
// prefix WS_BACKEND_<NAME>_), constructs the matching adapter, and returns
// both the orchestrator's and the webhook listener's view of it.
func buildBackends(names []string, logger *slog.Logger) ([]orchestrator.Backend, []webhook.Backend, error) {
	var orchBackends []orchestrator.Backend
	var webhookBackends []webhook.Backend

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		prefix := "WS_BACKEND_" + strings.ToUpper(name) + "_"
		bc, err := config.LoadBackend(prefix)
		if err != nil {
			return nil, nil, err
		}
		if bc.Name == "" {
			bc.Name = name
		}

		actx := adapter.Context{
			Backend:    bc.Name,
			BaseURL:    bc.BaseURL,
			Token:      bc.Token,
			UserID:     bc.UserID,
			Cache:      ttlcache.New[string, []byte](ttlcache.WithTTL[string, []byte](time.Hour)),
			Logger:     logger,
			HTTPClient: adapter.DefaultHTTPClient(),
		}
		go actx.Cache.Start()

		var a adapter.Adapter
		switch strings.ToLower(bc.Kind) {
		case "plex":
			a = plex.New(actx)
		case "jellyfin":
			a = jellyfin.New(actx)
		case "emby":
			a = emby.New(actx)
		default:
			logger.Warn("skipping backend with unknown kind", "name", bc.Name, "kind", bc.Kind)
			continue
		}

		orchBackends = append(orchBackends, orchestrator.Backend{
			Name:          bc.Name,
			Adapter:       a,
			ImportEnabled: bc.ImportEnabled,
			ExportEnabled: bc.ExportEnabled,
			MetadataOnly:  bc.MetadataOnly,
			SegmentSize:   bc.SegmentSize,
		})
		webhookBackends = append(webhookBackends, webhook.Backend{
			Name:    bc.Name,
			UUID:    bc.WebhookUUID,
			UserID:  bc.UserID,
			Adapter: a,
			Enabled: bc.ImportEnabled,
		})
	}
	return orchBackends, webhookBackends, nil
}
