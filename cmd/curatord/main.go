// SPDX-License-Identifier: MIT

// curatord is the media-library metadata daemon: it scans configured
// library roots, enriches entities from metadata providers and maintains
// the content-addressed asset cache, all driven by a durable job queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediacurator/curator/internal/assetcache"
	"github.com/mediacurator/curator/internal/bus"
	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/discovery"
	"github.com/mediacurator/curator/internal/enrich"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/orchestrator"
	"github.com/mediacurator/curator/internal/probe"
	"github.com/mediacurator/curator/internal/provider"
	"github.com/mediacurator/curator/internal/queue"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/scan"
	"github.com/mediacurator/curator/internal/store"
	"github.com/mediacurator/curator/internal/watch"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	providerUpdateInterval = time.Hour
	cleanupInterval        = 24 * time.Hour
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("curatord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		logger := log.WithComponent("daemon")
		logger.Fatal().Err(err).Msg("daemon exited")
	}
}

func run(configPath string) error {
	// The global logger is once-guarded and config helpers log through it,
	// so the YAML log level must be applied before any config parsing runs.
	if configPath == "" {
		if env := os.Getenv("CURATOR_CONFIG"); env != "" {
			configPath = env
		} else {
			configPath = "curator.yml"
		}
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "curator"})
	perf := config.LoadPerformance()
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.start").
		Str("version", version).
		Str("config", configPath).
		Str("data_dir", cfg.DataDir).
		Msg("starting curatord")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "curator.db"), perf.DBPoolSize,
		store.WithQueryTimeout(perf.DBQueryTimeout))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	libraries, err := syncLibraries(ctx, st, cfg.Libraries)
	if err != nil {
		return err
	}
	if err := syncProviders(ctx, st, cfg.Providers); err != nil {
		return err
	}

	cache, err := assetcache.New(filepath.Join(cfg.DataDir, "assets"), st.DB())
	if err != nil {
		return err
	}

	respCache, err := provider.OpenResponseCache(
		filepath.Join(cfg.DataDir, "respcache"), provider.DefaultResponseTTL)
	if err != nil {
		return err
	}
	defer func() { _ = respCache.Close() }()

	b := bus.NewMemoryBus()

	registry := provider.NewRegistry(st, b)
	registry.Register(provider.NewLocalProvider(), provider.LocalGuard(perf))
	for _, name := range registry.List() {
		if g, ok := registry.Get(name); ok {
			go g.Guard.Janitor(ctx, perf.RateLimiterCleanup)
		}
	}

	jobStore, err := queue.NewSQLStore(st.DB())
	if err != nil {
		return err
	}
	workers := queue.NewService(jobStore, b, perf)

	orch := orchestrator.New(st, registry,
		orchestrator.NewProfile(cfg.Profile, nil), respCache, perf)
	fetcher := orchestrator.NewAssetFetcher(st, registry, cache, nil, perf)
	enricher := enrich.New(st, workers, orch, perf)
	pipeline := enrich.NewHandlers(st, jobStore, orch, fetcher, enricher, cache,
		queue.RetentionPolicy{
			CompletedDays: perf.HistoryCompletedDays,
			FailedDays:    perf.HistoryFailedDays,
		})

	scanner := scan.New(st, workers, discovery.New(st, cache), b)
	scanner.SetQuickHashThreshold(perf.QuickHashThresholdBytes)
	scanner.UseProber(probe.New(st, config.ParseString("CURATOR_FFPROBE", ""), perf.ImageProcessingTimeout))

	registerHandlers(workers, scanner, pipeline, perf)

	if err := workers.Start(ctx); err != nil {
		return err
	}
	defer workers.Stop()

	watcher, err := watch.New(workers, libraries, 0)
	if err != nil {
		logger.Warn().Err(err).Msg("library watcher unavailable")
	} else {
		go watcher.Run(ctx)
		defer func() { _ = watcher.Close() }()
	}

	go scheduleLoop(ctx, workers)

	webhookLimiter := ratelimit.New(ratelimit.Config{
		Name:              "http",
		RequestsPerSecond: 5,
		WindowSeconds:     10,
		BurstCapacity:     20,
	})
	go webhookLimiter.Janitor(ctx, perf.RateLimiterCleanup)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router(st, workers, scanner, webhookLimiter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), perf.ShutdownDrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

// registerHandlers binds every job type to its handler. Long-running scan
// and bulk types get generous timeouts; the rest use the default.
func registerHandlers(workers *queue.Service, scanner *scan.Service, pipeline *enrich.Handlers, perf config.Performance) {
	long := 4 * perf.JobTimeout

	workers.RegisterHandler(queue.TypeScanLibrary, scanner.HandleScanLibrary, long)
	workers.RegisterHandler(queue.TypeDirectoryScan, scanner.HandleDirectoryScan)
	workers.RegisterHandler(queue.TypeScheduledFileScan, scanner.HandleScheduledFileScan)
	workers.RegisterHandler(queue.TypeCacheAsset, pipeline.HandleCacheAsset)
	workers.RegisterHandler(queue.TypeEnrichMetadata, pipeline.HandleEnrichMetadata)
	workers.RegisterHandler(queue.TypeFetchProviderAssets, pipeline.HandleFetchProviderAssets)
	workers.RegisterHandler(queue.TypeSelectAssets, pipeline.HandleSelectAssets)
	workers.RegisterHandler(queue.TypePublish, pipeline.HandlePublish)
	workers.RegisterHandler(queue.TypeWebhookReceived, pipeline.HandleWebhookReceived)
	workers.RegisterHandler(queue.TypeScheduledProviderUpdate, pipeline.HandleScheduledProviderUpdate)
	workers.RegisterHandler(queue.TypeScheduledCleanup, pipeline.HandleScheduledCleanup)
	workers.RegisterHandler(queue.TypeBulkEnrich, pipeline.HandleBulkEnrich, long)
}

// scheduleLoop enqueues the periodic maintenance jobs.
func scheduleLoop(ctx context.Context, q queue.Enqueuer) {
	update := time.NewTicker(providerUpdateInterval)
	cleanup := time.NewTicker(cleanupInterval)
	defer update.Stop()
	defer cleanup.Stop()

	for {
		var jobType queue.Type
		select {
		case <-ctx.Done():
			return
		case <-update.C:
			jobType = queue.TypeScheduledProviderUpdate
		case <-cleanup.C:
			jobType = queue.TypeScheduledCleanup
		}
		if _, err := q.Enqueue(ctx, &queue.Job{Type: jobType, Priority: queue.PriorityLow}); err != nil {
			logger := log.WithComponent("daemon")
			logger.Warn().
				Str("job_type", string(jobType)).Err(err).Msg("schedule enqueue failed")
		}
	}
}

// router serves the operational surface: health, readiness, metrics and the
// webhook intake.
func router(st *store.Store, q queue.Enqueuer, scanner *scan.Service, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Webhook intake: external systems nudge a library scan. The actual
	// work rides the queue; the endpoint only enqueues.
	r.Post("/webhooks/library/{libraryID}", func(w http.ResponseWriter, r *http.Request) {
		libraryID, err := strconv.ParseInt(chi.URLParam(r, "libraryID"), 10, 64)
		if err != nil {
			http.Error(w, "bad library id", http.StatusBadRequest)
			return
		}
		ok, _ := limiter.TryAcquire(ratelimit.ClassWebhook)
		if !ok {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		_, err = q.Enqueue(r.Context(), &queue.Job{
			Type:     queue.TypeWebhookReceived,
			Priority: queue.PriorityHigh,
			Payload:  map[string]any{"library_id": libraryID},
		})
		if err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	// Manual scan trigger and cancel, mirroring the webhook path for
	// operators without an upstream notifier.
	r.Post("/scans/library/{libraryID}", func(w http.ResponseWriter, r *http.Request) {
		libraryID, err := strconv.ParseInt(chi.URLParam(r, "libraryID"), 10, 64)
		if err != nil {
			http.Error(w, "bad library id", http.StatusBadRequest)
			return
		}
		if ok, _ := limiter.TryAcquire(ratelimit.ClassUser); !ok {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		scanID, err := scanner.Start(r.Context(), libraryID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(scanID))
	})
	r.Delete("/scans/{scanID}", func(w http.ResponseWriter, r *http.Request) {
		cancelled, err := scanner.Cancel(r.Context(), chi.URLParam(r, "scanID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !cancelled {
			http.Error(w, "not running", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// syncLibraries mirrors the configured libraries into the store and returns
// the persisted rows.
func syncLibraries(ctx context.Context, st *store.Store, configured []config.LibraryConfig) ([]*store.Library, error) {
	out := make([]*store.Library, 0, len(configured))
	for _, lc := range configured {
		lib := &store.Library{
			Name:       lc.Name,
			Path:       lc.Path,
			Kind:       lc.Kind,
			AutoEnrich: lc.AutoEnrich,
			Publish:    lc.Publish,
		}
		id, err := st.UpsertLibrary(ctx, lib)
		if err != nil {
			return nil, err
		}
		lib.ID = id
		out = append(out, lib)
	}
	return out, nil
}

// syncProviders persists provider enablement and keys from the config file.
func syncProviders(ctx context.Context, st *store.Store, configured map[string]config.ProviderFileConfig) error {
	for name, pc := range configured {
		err := st.UpsertProviderConfig(ctx, &store.ProviderConfigRow{
			Name:       name,
			Enabled:    pc.Enabled,
			APIKey:     pc.APIKey,
			AssetTypes: pc.AssetTypes,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
