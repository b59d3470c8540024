// realtime-gateway is the WebSocket edge of the donation platform: it
// authenticates clients against the identity provider, tracks presence
// and room membership backed by Redis, consumes domain events from NATS,
// and pushes targeted real-time notifications to connected clients.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/auth"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/config"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/dispatch"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/gateway"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/presence"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/ratelimit"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/room"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/store"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/telemetry"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, "realtime-gateway")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := config.Load()
	meter := otel.Meter("realtime-gateway")

	slog.Info("Starting realtime gateway", "listen", cfg.ListenAddr, "redis", cfg.RedisAddr, "nats", cfg.NatsURL)

	// Connect to Redis with retry
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	for attempt := 1; attempt <= 30; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			break
		}
		slog.Info("Waiting for Redis", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("Connected to Redis", "addr", cfg.RedisAddr)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("realtime-gateway"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	keyfunc, closeJWKS, err := auth.NewJWKSKeyfunc(ctx, cfg.JWKSURL)
	if err != nil {
		slog.Error("Failed to initialize JWKS validator", "error", err)
		os.Exit(1)
	}
	defer closeJWKS()

	st := store.NewRedis(rdb)
	authn := auth.New(keyfunc, cfg.TokenIssuer, auth.NewStoreDirectory(st))
	limiter := ratelimit.New(st, meter)

	// Room manager and router reference each other; the sink closes the
	// loop through the gateway package.
	router := presence.NewRouter(meter)
	rooms := room.NewManager(st, gateway.NewRoomSink(router), meter)
	router.Bind(rooms)

	srv := gateway.NewServer(cfg, authn, rooms, router, limiter, meter)

	// Hydrate before accepting connections.
	if err := rooms.LoadFromStore(ctx); err != nil {
		slog.Error("Failed to hydrate rooms", "error", err)
		os.Exit(1)
	}
	if err := rooms.EnsureDefaultRooms(ctx); err != nil {
		slog.Error("Failed to ensure default rooms", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(router, meter)
	if err := dispatcher.Start(nc); err != nil {
		slog.Error("Failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	// Periodic sweep of lapsed rate-limit keys.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := limiter.Cleanup(sweepCtx); err != nil {
					slog.Warn("Rate limit cleanup failed", "error", err)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}
	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down realtime gateway")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	nc.Drain()
}
