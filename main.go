package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/router"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/services"
	"github.com/yeremiapane/replisync/utils"
)

// app is the wired service: replicas, designation, worker and HTTP surface.
type app struct {
	pool   *database.Pool
	store  *services.DesignationStore
	worker *services.SyncWorker
	router *gin.Engine
}

func main() {
	utils.InitLogger()

	cfg, err := config.Load()
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to load configuration: %v", err)
	}
	utils.InitLoggerWithLevel(cfg.LogLevel)
	utils.SetJWTSecret(cfg.JWTSecret)

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		utils.ErrorLogger.Fatalf("Startup failed: %v", err)
	}
	defer a.pool.Close()

	a.worker.Start(cfg.Sync.InitialDelay)
	defer a.worker.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		utils.InfoLogger.Printf("Listening on port %s (primary %s)", cfg.Port, a.store.Current())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ErrorLogger.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	utils.InfoLogger.Println("Shutting down...")

	a.worker.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.ErrorLogger.Printf("Server shutdown: %v", err)
	}
}

// newApp connects the nodes, migrates them and wires every service. The worker
// is returned unstarted.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	pool.Migrate()

	registry, err := schema.NewRegistry(cfg.Sync.DefaultPassword)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build schema registry: %w", err)
	}
	if cfg.Sync.SchemaFile != "" {
		if err := registry.LoadOverrides(cfg.Sync.SchemaFile); err != nil {
			pool.Close()
			return nil, fmt.Errorf("load schema overrides: %w", err)
		}
	}
	if cfg.Sync.InstallTriggers {
		installTriggers(pool, registry)
	}

	store, err := services.OpenDesignationStore(cfg.Primary.StateFile, cfg.Primary.Default, cfg.Primary.HistoryLimit, pool.Has)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open primary state: %w", err)
	}
	cache := services.NewPrimaryCache(pool, store.Current, cfg.Primary.CacheTTL)

	hub := events.NewHub()
	metrics := services.NewMetrics()
	notifier := services.MultiNotifier{services.LogNotifier{}, services.HubNotifier{Hub: hub}}
	if cfg.SMTP.Host != "" {
		notifier = append(notifier, services.NewSMTPNotifier(cfg.SMTP, cache))
	}

	logs := services.NewChangeLogStore(pool, registry)
	conflicts := services.NewConflictStore()
	applier := services.NewApplier(pool, registry)

	worker := services.NewSyncWorker(services.WorkerDeps{
		Pool:      pool,
		Primary:   cache,
		Logs:      logs,
		Conflicts: conflicts,
		Applier:   applier,
		Notifier:  notifier,
		Hub:       hub,
		Metrics:   metrics,
	}, services.WorkerSettings{
		Enabled:           cfg.Sync.Enabled,
		Interval:          cfg.Sync.Interval,
		BatchSize:         cfg.Sync.BatchSize,
		MaxRetries:        cfg.Sync.MaxRetries,
		SoftDeadline:      cfg.Sync.SoftDeadline,
		TargetConcurrency: cfg.Sync.TargetConcurrency,
		RetryBackoff:      cfg.Sync.RetryBackoff,
		RetryBackoffMax:   cfg.Sync.RetryBackoffMax,
	})

	primary := services.NewPrimaryService(pool, registry, store, hub, metrics)
	primary.WatchCache(cache)
	primary.AttachWorker(worker)

	settings := services.NewSyncSettings(pool, cache, worker)
	settings.Seed(ctx)
	if err := settings.Load(ctx); err != nil {
		utils.ErrorLogger.Printf("Using environment sync settings, stored config unreadable: %v", err)
	}

	if node, err := cache.Primary(ctx); err == nil {
		if n, err := logs.RequeueInProgress(ctx, node.DB); err != nil {
			utils.ErrorLogger.Printf("Failed to requeue interrupted entries: %v", err)
		} else if n > 0 {
			utils.InfoLogger.Printf("Requeued %d entries left in progress", n)
		}
	}

	r := router.SetupRouter(router.Deps{
		Pool:        pool,
		Primary:     primary,
		Resolver:    cache,
		Logs:        logs,
		Conflicts:   services.NewConflictResolver(cache, logs, conflicts, applier, hub),
		Worker:      worker,
		Settings:    settings,
		Hub:         hub,
		Metrics:     metrics,
		CORSOrigins: cfg.CORSOrigins,
	})

	return &app{pool: pool, store: store, worker: worker, router: r}, nil
}

func installTriggers(pool *database.Pool, registry *schema.Registry) {
	for _, name := range pool.Names() {
		node, err := pool.Get(name)
		if err != nil {
			continue
		}
		if err := database.InstallTriggers(node, registry); err != nil {
			utils.ErrorLogger.Printf("Error setting up triggers: %v", err)
		}
	}
}
