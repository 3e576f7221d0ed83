// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tracklens/platform/monitor/cost"
	"tracklens/platform/shared/logger"
)

// TrackLens Monitor - AI cost governance and reporting service.
// Analysis pipelines link against monitor/cost for governed AI calls; this
// service exposes the read-only reporting surface over those ledgers.

// Run wires the monitor service and blocks until shutdown.
func Run() {
	httpLog := logger.New("monitor")
	costLog := log.New(os.Stdout, "[Cost] ", log.LstdFlags)

	policy := cost.BudgetPolicy{
		PerAnalysisCapUSD:  getEnvFloat("PER_ANALYSIS_CAP_USD", 1.00),
		PerUserDailyCapUSD: getEnvFloat("PER_USER_DAILY_CAP_USD", 10.00),
	}
	if err := policy.Validate(); err != nil {
		log.Fatalf("Invalid budget policy: %v", err)
	}

	pricing := loadPricing(httpLog)
	store := openStore(httpLog, costLog)

	governor, err := cost.NewGovernor(store, pricing, policy, costLog)
	if err != nil {
		log.Fatalf("Failed to create governor: %v", err)
	}

	aggregator := cost.NewAggregator(store, policy)
	cache := openCache(httpLog, costLog)
	handler := cost.NewHandler(aggregator, pricing, cache, costLog)

	auth, err := NewAuthMiddleware(os.Getenv("JWT_SECRET"), httpLog)
	if err != nil {
		log.Fatalf("Failed to create auth middleware: %v", err)
	}

	reporting := cors.New(cors.Options{
		AllowedOrigins: []string{getEnv("CORS_ORIGIN", "*")},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(auth.Wrap(costRouter(handler)))

	root := mux.NewRouter()
	root.HandleFunc("/health", healthHandler(store)).Methods(http.MethodGet)
	root.Handle("/prometheus", promhttp.Handler()).Methods(http.MethodGet)
	root.PathPrefix("/monitoring").Handler(reporting)

	port := getEnv("PORT", "8084")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Safety net for reservations orphaned by crashed pipelines.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go runSweeper(sweepCtx, governor, costLog)

	go func() {
		httpLog.Info("", "", "monitor service listening", map[string]interface{}{
			"port":                   port,
			"per_analysis_cap_usd":   policy.PerAnalysisCapUSD,
			"per_user_daily_cap_usd": policy.PerUserDailyCapUSD,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	httpLog.Info("", "", "shutting down monitor service", nil)
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		httpLog.Error("", "", "graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// costRouter builds the subrouter the auth middleware protects.
func costRouter(handler *cost.Handler) http.Handler {
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func loadPricing(httpLog *logger.Logger) *cost.PricingRegistry {
	pricing := cost.LoadPricingFromEnv()
	if path := os.Getenv("TRACKLENS_PRICING_FILE"); path != "" {
		fromFile, err := cost.LoadPricingFromFile(path)
		if err != nil {
			log.Fatalf("Failed to load pricing file %s: %v", path, err)
		}
		pricing.Merge(fromFile.Rules())
		httpLog.Info("", "", "loaded pricing overrides", map[string]interface{}{"path": path})
	}
	return pricing
}

// openStore prefers Postgres; without DATABASE_URL it falls back to the
// in-memory store, which is only suitable for local development.
func openStore(httpLog *logger.Logger, costLog *log.Logger) cost.Store {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		httpLog.Warn("", "", "DATABASE_URL not set, using in-memory cost store", nil)
		return cost.NewMemoryStore()
	}

	store, err := cost.NewPostgresStore(databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}
	costLog.Printf("connected to Postgres cost store")
	return store
}

// openCache connects the optional Redis report cache. The service runs
// fine without it.
func openCache(httpLog *logger.Logger, costLog *log.Logger) *cost.ReportCache {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return cost.NewReportCache(nil, 0, costLog)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		httpLog.Warn("", "", "invalid REDIS_URL, report cache disabled", map[string]interface{}{"error": err.Error()})
		return cost.NewReportCache(nil, 0, costLog)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		httpLog.Warn("", "", "Redis unreachable, report cache disabled", map[string]interface{}{"error": err.Error()})
		return cost.NewReportCache(nil, 0, costLog)
	}

	ttl := time.Duration(getEnvInt("CACHE_TTL_SECONDS", 30)) * time.Second
	return cost.NewReportCache(client, ttl, costLog)
}

// runSweeper periodically releases reservations left open past the grace
// period.
func runSweeper(ctx context.Context, governor *cost.Governor, costLog *log.Logger) {
	interval := time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second
	grace := time.Duration(getEnvInt("SWEEP_GRACE_SECONDS", 300)) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if n, err := governor.SweepStale(sweepCtx, grace); err != nil {
				costLog.Printf("sweeper pass failed: %v", err)
			} else if n > 0 {
				costLog.Printf("sweeper released %d stale reservations", n)
			}
			cancel()
		}
	}
}

func healthHandler(store cost.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := "healthy"
		dbStatus := "connected"
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			status = "degraded"
			dbStatus = "error: " + err.Error()
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":   status,
			"service":  "monitor",
			"database": dbStatus,
		})
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
