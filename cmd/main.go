package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/curaline/realtime-service/config"
	"github.com/curaline/realtime-service/internal/gateway"
	"github.com/curaline/realtime-service/internal/postgres"
	"github.com/curaline/realtime-service/internal/realtime"
	grpcx "github.com/curaline/realtime-service/internal/transport/grpc"
	httpx "github.com/curaline/realtime-service/internal/transport/http"
	"github.com/curaline/realtime-service/internal/transport/ws"
	"github.com/curaline/realtime-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting realtime-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// --- postgres ---
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN})
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()
	store := postgres.NewStore(db.Pool)

	// --- collaborators ---
	var notifier realtime.OfflineNotifier = gateway.NopNotifier{}
	if cfg.Collaborators.NotifierURL != "" {
		notifier = gateway.NewNotificationClient(cfg.Collaborators.NotifierURL)
	}
	var media realtime.MediaGateway = gateway.NopMedia{}
	if cfg.Collaborators.MediaURL != "" {
		media = gateway.NewMediaClient(cfg.Collaborators.MediaURL)
	}

	// --- realtime core ---
	registry := realtime.NewRegistry()
	rooms := realtime.NewRoomTable(store)
	presence := realtime.NewPresence(registry, rooms, store, cfg.Realtime.TypingTTLOr(6*time.Second))
	delivery := realtime.NewDelivery(registry, rooms, store)
	calls := realtime.NewCallManager(registry, rooms, store, notifier, media,
		cfg.Realtime.RingTimeoutOr(45*time.Second))

	// --- WS server ---
	wsServer := ws.NewServer(rooms, presence, delivery, calls,
		cfg.Realtime.PingEveryOr(15*time.Second),
		cfg.Realtime.SendTimeoutOr(5*time.Second))

	// --- HTTP ---
	handler := httpx.NewHandler(rooms, presence, calls, store)
	router := httpx.NewRouter(handler, wsServer)
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- gRPC (health for the mesh) ---
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcx.StreamServerInterceptor()),
	)
	healthSrv := grpcx.NewHealth()
	healthSrv.Register(grpcServer)
	healthSrv.SetServing(true)

	// --- run both servers ---
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			errCh <- err
			return
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	healthSrv.SetServing(false)
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	_ = httpSrv.Shutdown(ctxShutdown)
	slog.Info("stopped")
}
