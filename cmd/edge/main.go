// Command edge runs one gateway edge process: it terminates client and
// executor WebSocket connections, exposes the internal dispatch HTTP API,
// and bridges both onto the Redis-backed bus so any brain process can pick
// up the work. Wiring here follows the teacher's cmd/api/main.go shape —
// config.Get() once, graceful-fallback construction of each collaborator
// with a slog line, then a mux.Router and a signal-driven shutdown.
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

	"github.com/ocx/gatewayd/internal/channelingress"
	"github.com/ocx/gatewayd/internal/config"
	"github.com/ocx/gatewayd/internal/edge"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/grpchealth"
	"github.com/ocx/gatewayd/internal/metrics"
	"github.com/ocx/gatewayd/internal/portal"
	"github.com/ocx/gatewayd/internal/portal/pgstore"
	"github.com/ocx/gatewayd/internal/portal/supabasestore"
	"github.com/ocx/gatewayd/internal/rediskv"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	adapter, err := rediskv.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("edge: redis connection required, none available: %v", err)
	}
	defer adapter.Close()

	store, err := openPortalStore(cfg)
	if err != nil {
		log.Fatalf("edge: tenant store required, none available: %v", err)
	}

	routeIndex := rediskv.NewRouteIndex(adapter)
	sched := scheduler.New(adapter)
	resultsStore := results.New(adapter, time.Duration(cfg.Results.ResultsTTLSec)*time.Second)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var channels portal.ChannelIngress
	if bus, cerr := channelingress.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, cfg.PubSub.Enabled, nil); cerr != nil {
		slog.Warn("edge: channel ingress unavailable, webhook routes will 503", "error", cerr)
	} else {
		channels = bus
		defer bus.Close()
	}

	replyTTL := time.Duration(cfg.Results.ResultsTTLSec) * time.Second
	brainPublisher := &edge.BusBrainPublisher{Bus: adapter}

	clientHub := edge.NewClientHub(edge.ClientHubDeps{
		Auth: &edge.ClientTokenAuth{
			AccessSecret:  cfg.Auth.AccessTokenSecret,
			RefreshSecret: cfg.Auth.RefreshTokenSecret,
			CookieName:    cfg.Auth.SessionCookieName,
		},
		Sessions: &edge.StorePortalSessionStore{Store: store},
		Presence: &edge.BusPresenceTracker{Presence: adapter, TTL: time.Duration(cfg.Scheduler.StaleExecutorMs) * time.Millisecond},
		ToBrain:  brainPublisher,
		EdgeID:   cfg.Server.EdgeID,
		Metrics:  m,
	})

	executorHub := edge.NewExecutorHub(edge.ExecutorHubDeps{
		Tokens: &edge.StorePortalTokenStore{Store: store},
		Routes: &edge.SchedulerRouteRegistry{
			Scheduler: sched,
			Index:     routeIndex,
			StaleTTL:  time.Duration(cfg.Scheduler.StaleExecutorMs) * time.Millisecond,
		},
		Replies:        &edge.KVReplyStore{KV: adapter, ToBrain: brainPublisher, ReplyTTL: replyTTL},
		ToBrain:        brainPublisher,
		EdgeID:         cfg.Server.EdgeID,
		StaleTTL:       time.Duration(cfg.Scheduler.StaleExecutorMs) * time.Millisecond,
		MaxInFlightCap: cfg.Scheduler.ExecutorMaxInFlightCap,
		Metrics:        m,
	})

	toEdge := &edge.ToEdgeConsumer{
		Bus:         adapter,
		EdgeID:      cfg.Server.EdgeID,
		ExecutorHub: executorHub,
		ClientHub:   clientHub,
		Channels:    channels,
		ReplyTTL:    replyTTL,
	}
	go func() {
		if err := toEdge.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("edge: to-edge consumer stopped", "error", err)
		}
	}()

	grpcHealth := grpchealth.New("gatewayd.edge")
	go func() {
		if err := grpcHealth.Run(ctx, ":"+cfg.GetGRPCPort()); err != nil && ctx.Err() == nil {
			slog.Error("edge: grpc health server stopped", "error", err)
		}
	}()

	listRoutes := scheduler.ListRoutesFn(routeIndex.ListIDs)
	rateLimiter := edge.NewOrgRateLimiter(600)

	router := edge.NewRouter(edge.HTTPAPIDeps{
		Bus:            adapter,
		ToBrain:        brainPublisher,
		Results:        resultsStore,
		Scheduler:      sched,
		ListRoutes:     listRoutes,
		DefaultPools:   []gatewaytypes.Pool{gatewaytypes.PoolBYON, gatewaytypes.PoolManaged},
		Channels:       channels,
		EdgeID:         cfg.Server.EdgeID,
		DefaultTimeout: 60 * time.Second,
		Redis:          adapter,
	}, cfg.Auth.ServiceToken, rateLimiter)

	router.HandleFunc("/ws/client", clientHub.HandleWebSocket)
	router.HandleFunc("/ws/executor", executorHub.HandleWebSocket)

	server := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("edge: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("edge: shutdown error", "error", err)
		}
	}()

	slog.Info("edge: listening", "port", cfg.GetPort(), "edgeId", cfg.Server.EdgeID)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("edge: server failed: %v", err)
	}
	slog.Info("edge: stopped")
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
