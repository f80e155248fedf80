package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/script-gateway/internal/auth"
	"github.com/nmxmxh/script-gateway/internal/bus"
	"github.com/nmxmxh/script-gateway/internal/config"
	"github.com/nmxmxh/script-gateway/internal/gateway"
	"github.com/nmxmxh/script-gateway/internal/room"
	"github.com/nmxmxh/script-gateway/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Environment: os.Getenv("APP_ENV"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		ServiceName: "script-gateway",
	})
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable side-store for room provenance.
	var store room.ProvenanceStore
	switch cfg.StoreBackend {
	case "redis":
		redisStore, err := room.NewRedisStore(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, log)
		if err != nil {
			log.Fatal("failed to connect side-store", zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
	case "postgres":
		pgStore, err := room.NewPostgresStore(cfg.PostgresDSN, log)
		if err != nil {
			log.Fatal("failed to connect side-store", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
	}

	// Message bus backend, selected by configuration.
	var dialer bus.Dialer
	switch cfg.BusBackend {
	case "amqp":
		dialer = bus.AMQPDialer(bus.AMQPConfig{
			Queue:       cfg.BusTopic,
			ConsumerTag: cfg.NodeName,
		}, log)
	case "kafka":
		dialer = bus.KafkaDialer(bus.KafkaConfig{
			Topic:   cfg.BusTopic,
			GroupID: cfg.NodeName,
		}, log)
	case "redis-stream":
		dialer = bus.StreamDialer(bus.StreamConfig{
			Stream:   cfg.BusTopic,
			Group:    cfg.NodeName,
			Consumer: cfg.NodeName,
		}, cfg.RedisPass, cfg.RedisDB, log)
	}
	bridge := bus.NewBridge(dialer, log)
	defer bridge.Close()
	publisher := bus.NewPublisher(bridge, cfg.BusAddr, cfg.NodeName)

	gate, err := auth.New(cfg.JWTPublicKey, cfg.AuthorityURL, log)
	if err != nil {
		log.Fatal("failed to build auth gate", zap.Error(err))
	}

	manager := room.NewManager(store, log)
	go manager.Run(ctx)

	server := gateway.NewServer(gate, manager, publisher,
		cfg.HeartbeatInterval, cfg.ClientTimeout, allowedOrigins(), log)

	// Bus → room fanout.
	go bridge.ConsumeLoop(ctx, cfg.BusAddr, server.HandleBusMessage)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Handler(ctx),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("listening for WebSocket connections", zap.String("address", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		log.Error("server failed", zap.Error(err))
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("error during server shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}

func allowedOrigins() []string {
	origins := os.Getenv("ALLOWED_ORIGINS")
	if origins == "" {
		return []string{"*"}
	}
	return strings.Split(origins, ",")
}
