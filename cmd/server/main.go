package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lapis-chat/lapis/internal/cache"
	"github.com/lapis-chat/lapis/internal/config"
	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/metrics"
	"github.com/lapis-chat/lapis/internal/server/api"
	"github.com/lapis-chat/lapis/internal/server/ws"
	"github.com/lapis-chat/lapis/internal/service/friend"
	"github.com/lapis-chat/lapis/internal/service/message"
	"github.com/lapis-chat/lapis/internal/service/user"
	"github.com/lapis-chat/lapis/internal/store"
	"github.com/lapis-chat/lapis/pkg/logger"
	"github.com/lapis-chat/lapis/pkg/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: "lapis",
	})
	defer func() { _ = log.Sync() }()

	redisClient, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	ca := cache.New(redisClient, log)
	bus := events.NewBus(redisClient, log)
	st := store.NewPostgres(db, log)
	m := metrics.New(prometheus.DefaultRegisterer)

	users := user.New(st, ca, bus, log)
	friends := friend.New(st, users, bus, log)
	messages := message.New(st, bus, log)
	registry := ws.NewRegistry(ca, bus, st, m, log)
	users.SetDisconnector(registry)

	mux := http.NewServeMux()
	ws.NewHandler(users, registry, log).Register(mux)
	api.NewHandler(users, friends, messages, log).Register(mux)
	ws.RegisterHealth(mux, log, map[string]ws.HealthCheck{
		"redis":    redisClient.IsAvailable,
		"postgres": db.PingContext,
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		registry.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})

	return group.Wait()
}
