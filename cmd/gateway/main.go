package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/averis-ai/dispatch/config"
	"github.com/averis-ai/dispatch/internal/auth"
	"github.com/averis-ai/dispatch/internal/billing"
	"github.com/averis-ai/dispatch/internal/capacity"
	"github.com/averis-ai/dispatch/internal/dispatch"
	"github.com/averis-ai/dispatch/internal/orchestrate"
	"github.com/averis-ai/dispatch/internal/pool"
	"github.com/averis-ai/dispatch/internal/provider"
	"github.com/averis-ai/dispatch/internal/provider/openaicompat"
	"github.com/averis-ai/dispatch/internal/proxy"
	"github.com/averis-ai/dispatch/internal/seeder"
	"github.com/averis-ai/dispatch/internal/telemetry"
	"github.com/averis-ai/dispatch/internal/toolcall"
	"github.com/averis-ai/dispatch/internal/tools"
	"github.com/averis-ai/dispatch/internal/worker"
	"github.com/averis-ai/dispatch/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Load providers file (hot-reloadable on SIGHUP)
	cfgStore, err := config.NewStore(cfg.ProvidersFile)
	if err != nil {
		log.Fatalf("failed to load providers file: %v", err)
	}
	snap := cfgStore.Snapshot()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("dispatch", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 4. Connect PostgreSQL
	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 6. Init auth
	authStore := auth.NewPostgresStore(db)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 7. Init billing + async usage writer
	billingStore := billing.NewPostgresStore(db)
	usageWriter := worker.NewUsageWriter(billingStore, 0)
	usageWriter.Start(2)
	defer usageWriter.Stop()

	// 8. Init inbound rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 9. Init capacity tracker and model pools
	tracker := capacity.NewTracker(
		capacity.WithQuarantineCeiling(snap.QuarantineCap),
		capacity.WithNotifier(func(providerID, model string, available bool) {
			if available {
				log.Printf("capacity: %s/%s back in rotation", providerID, model)
			} else {
				log.Printf("capacity: %s/%s quarantined", providerID, model)
			}
		}),
	)
	pools := pool.NewRegistry()
	applySnapshot(snap, pools, tracker)

	// 10. Init dispatcher, adapter, tool executor, engine
	dispatcher := dispatch.New(pools, tracker)
	adapter := openaicompat.New(&http.Client{Timeout: 5 * time.Minute}, tracker)

	toolRegistry := toolcall.NewRegistry()
	if err := tools.RegisterBuiltins(toolRegistry, tools.Endpoints{
		SearchURL:     cfg.SearchToolURL,
		ScrapeURL:     cfg.ScrapeToolURL,
		TranscribeURL: cfg.TranscribeToolURL,
	}); err != nil {
		log.Fatalf("failed to register built-in tools: %v", err)
	}
	executor := toolcall.NewExecutor(toolRegistry, 0, 0)

	tracer := otel.GetTracerProvider().Tracer("dispatch")
	engine := orchestrate.NewEngine(dispatcher, adapter, executor, tracer, orchestrate.Config{
		MaxIterations: snap.MaxIterations,
		Margin:        cfgStore.Margin,
	})

	// 11. Init handler
	handler := proxy.NewHandler(engine, pools, billingStore, usageWriter, limiter, tracer)

	// 12. Bootstrap schema and test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		if err := seeder.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("failed to ensure schema: %v", err)
		}
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 13. Reload providers file on SIGHUP
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := cfgStore.Reload(); err != nil {
				log.Printf("providers reload failed, keeping previous config: %v", err)
				continue
			}
			applySnapshot(cfgStore.Snapshot(), pools, tracker)
			log.Println("providers config reloaded")
		}
	}()

	// 14. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"dispatch"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 15. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Streaming responses can run for whole turns; no write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Dispatch gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// applySnapshot installs a resolved providers snapshot into the pool
// registry and registers every candidate's limits with the tracker. The
// registry is rebuilt wholesale so a SIGHUP reload never accumulates
// duplicate generics or keeps pools the config no longer declares.
func applySnapshot(snap *config.Snapshot, pools *pool.Registry, tracker *capacity.Tracker) {
	configured := make(map[provider.TaskType][]pool.Entry, len(snap.Pools))
	for task, entries := range snap.Pools {
		converted := make([]pool.Entry, 0, len(entries))
		for _, e := range entries {
			converted = append(converted, pool.Entry{Profile: e.Profile, Model: e.Model, Priority: e.Priority})
			tracker.Register(e.Profile.ID, e.Model, e.Profile.Limits)
		}
		configured[task] = converted
	}
	generics := make([]pool.Generic, 0, len(snap.Generic))
	for _, g := range snap.Generic {
		generics = append(generics, pool.Generic{Profile: g.Profile, Model: g.Model})
		tracker.Register(g.Profile.ID, g.Model, g.Profile.Limits)
	}
	pools.Replace(configured, generics)
}
