// Command brain runs one gateway brain process: it consumes
// gateway:bus:to_brain and drives workflow dispatch and session-turn
// orchestration against the scheduler, workspace coordinator, and secrets
// store, publishing results back onto each originating edge's stream. It has
// no HTTP surface of its own beyond /healthz; wiring follows the same
// config.Get()-once, graceful-fallback-collaborator shape as cmd/edge.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/gatewayd/internal/brain"
	"github.com/ocx/gatewayd/internal/config"
	"github.com/ocx/gatewayd/internal/continuations"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/grpchealth"
	"github.com/ocx/gatewayd/internal/metrics"
	"github.com/ocx/gatewayd/internal/portal"
	"github.com/ocx/gatewayd/internal/portal/objectstore"
	"github.com/ocx/gatewayd/internal/portal/pgstore"
	"github.com/ocx/gatewayd/internal/portal/supabasestore"
	"github.com/ocx/gatewayd/internal/rediskv"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
	"github.com/ocx/gatewayd/internal/secrets"
	"github.com/ocx/gatewayd/internal/workspace"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	adapter, err := rediskv.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("brain: redis connection required, none available: %v", err)
	}
	defer adapter.Close()

	store, err := openPortalStore(cfg)
	if err != nil {
		log.Fatalf("brain: tenant store required, none available: %v", err)
	}

	routeIndex := rediskv.NewRouteIndex(adapter)
	sched := scheduler.New(adapter)
	counters := rediskv.NewCounters(adapter)
	resultsStore := results.New(adapter, time.Duration(cfg.Results.ResultsTTLSec)*time.Second)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objStore := objectstore.New(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey, cfg.Workspace.Bucket)
	wsCoordinator := workspace.New(
		&workspace.PortalStore{Store: store},
		objStore,
		adapter,
		time.Duration(cfg.Workspace.PresignExpiresSec)*time.Second,
	)

	secretsStore, err := secrets.New(cfg.Secrets.KEK, store.GetEncryptedSecret)
	if err != nil {
		slog.Warn("brain: secrets store unavailable, agent-run secret resolution will fail", "error", err)
	}

	continuationsQueue, err := continuations.New(ctx, continuations.Config{
		ProjectID:  cfg.Continuations.ProjectID,
		LocationID: cfg.Continuations.LocationID,
		QueueName:  cfg.Continuations.QueueName,
		TargetURL:  cfg.Continuations.TargetURL,
		Enabled:    cfg.Continuations.Enabled,
	})
	if err != nil {
		log.Fatalf("brain: continuations queue construction failed: %v", err)
	}

	listRoutes := brain.ListRoutesFn(routeIndex.ListIDs)

	runtime := brain.New(brain.Deps{
		Bus:           adapter,
		Scheduler:     sched,
		Counters:      counters,
		ListRoutes:    listRoutes,
		Workspace:     wsCoordinator,
		Results:       resultsStore,
		Store:         store,
		Secrets:       secretsStore,
		Continuations: continuationsQueue,
		Metrics:       m,
	}, brain.Config{
		OrgMaxInFlightDefault: cfg.Scheduler.OrgMaxInFlight,
		ReserveTTL:            time.Duration(cfg.Scheduler.ReserveTTLMs) * time.Millisecond,
		OrgQuotaCacheTTL:      time.Duration(cfg.Scheduler.OrgQuotaCacheTTLMs) * time.Millisecond,
		DefaultTimeout:        60 * time.Second,
		MaxTimeout:            10 * time.Minute,
		SessionOpenTimeout:    time.Duration(cfg.Scheduler.SessionOpenTimeoutMs) * time.Millisecond,
		DefaultPools:          []gatewaytypes.Pool{gatewaytypes.PoolBYON, gatewaytypes.PoolManaged},
		ReplyTTL:              time.Duration(cfg.Results.ResultsTTLSec) * time.Second,
		ToolOutputMaxChars:    cfg.Results.ToolOutputMaxChar,
	})

	go func() {
		if err := runtime.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("brain: runtime stopped", "error", err)
		}
	}()

	reaper := rediskv.NewReservationReaper(adapter, cfg.Redis.DB)
	go func() {
		if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("brain: reservation reaper stopped", "error", err)
		}
	}()

	grpcHealth := grpchealth.New("gatewayd.brain")
	go func() {
		if err := grpcHealth.Run(ctx, ":"+cfg.GetGRPCPort()); err != nil && ctx.Err() == nil {
			slog.Error("brain: grpc health server stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := adapter.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("brain: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("brain: shutdown error", "error", err)
		}
	}()

	slog.Info("brain: listening", "port", cfg.GetPort())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("brain: server failed: %v", err)
	}
	slog.Info("brain: stopped")
}

// openPortalStore picks the Supabase-backed Store when configured, falling
// back to Postgres over database/sql, mirroring the teacher's Supabase-vs-
// Postgres dual adapter split in internal/database.
func openPortalStore(cfg *config.Config) (portal.Store, error) {
	if cfg.Database.SupabaseURL != "" {
		return supabasestore.New(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
	}
	return pgstore.New(cfg.Database.URL)
}
