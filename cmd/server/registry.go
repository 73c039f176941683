package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/mir00r/registry-gateway/internal/events"
	"github.com/mir00r/registry-gateway/internal/handler"
	"github.com/mir00r/registry-gateway/internal/middleware"
	"github.com/mir00r/registry-gateway/internal/repository"
	"github.com/mir00r/registry-gateway/internal/server"
	"github.com/mir00r/registry-gateway/internal/service"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newRegistryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "Run the service registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runRegistry(ctx, cfg, opts.watchedPath(), log)
		},
	}
}

func runRegistry(ctx context.Context, cfg *config.Config, configPath string, log *logger.Logger) error {
	rc := cfg.Registry
	metrics := service.NewMetrics()

	var sinks []domain.EventSink
	var mirror *repository.RedisMirror
	if rc.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		mirror = repository.NewRedisMirror(client, rc.Redis.Prefix, log)
		defer mirror.Close()
		sinks = append(sinks, mirror)
		log.WithField("addr", rc.Redis.Addr).Info("Redis lease mirror enabled")
	}
	if rc.Kafka.Enabled {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      rc.Kafka.Brokers,
			Topic:        rc.Kafka.Topic,
			BatchTimeout: rc.Kafka.BatchTimeout,
		}, log)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		log.WithField("topic", rc.Kafka.Topic).Info("Kafka event publisher enabled")
	}

	store := repository.NewInMemoryInstanceStore()
	registry := service.NewRegistry(store, rc.Leases, log,
		service.WithEventSinks(sinks...),
		service.WithRegistryMetrics(metrics),
	)
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		if err := registry.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("Error stopping registry")
		}
	}()

	if mirror != nil && rc.Redis.Restore {
		restoreMirror(ctx, mirror, registry, log)
	}

	reloader := service.NewConfigReloader(cfg, log)
	reloader.BindRegistry(registry)
	if configPath != "" {
		stopWatch, err := watchConfig(configPath, reloader, log)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	router := mux.NewRouter()
	handler.NewRegistryHandler(registry, log).RegisterRoutes(router)
	health := handler.NewHealthHandler(Version, func() (bool, string) {
		if registry.Running() {
			return true, ""
		}
		return false, "sweep loop is not running"
	})
	registerOpsRoutes(router, health, metrics)

	h, stopLimiter := withMiddleware(router, rc.RateLimit, log)
	defer stopLimiter()

	port := getPort(rc.Server.Port)
	log.WithFields(map[string]interface{}{
		"port":          port,
		"default_lease": rc.Leases.DefaultLease.String(),
		"max_lease":     rc.Leases.MaxLease.String(),
		"sinks":         len(sinks),
		"process":       newProcessIdentity("registry", port, "").Fields(),
	}).Info("Starting registry")

	srv := server.NewHTTPServer("registry", port, rc.Server, h, log)
	err := server.Run(ctx, srv.ListenAndServe)
	log.Info("Registry shut down")
	return err
}

// restoreMirror warms the store from Redis. Failures only cost the warm start.
func restoreMirror(ctx context.Context, mirror *repository.RedisMirror, registry *service.Registry, log *logger.Logger) {
	instances, err := mirror.Restore(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to restore registrations from Redis")
		return
	}
	restored := registry.Restore(ctx, instances)
	log.WithFields(map[string]interface{}{
		"found":    len(instances),
		"restored": restored,
	}).Info("Restored registrations from Redis")
}

// registerOpsRoutes mounts health probes and metrics
func registerOpsRoutes(router *mux.Router, health *handler.HealthHandler, metrics *service.Metrics) {
	router.HandleFunc("/liveness", health.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readiness", health.ReadinessHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// withMiddleware wraps h in recovery, request logging, security headers and,
// when enabled, per-client rate limiting. The returned func stops the limiter.
func withMiddleware(h http.Handler, rl domain.RateLimitConfig, log *logger.Logger) (http.Handler, func()) {
	middlewares := []middleware.Middleware{
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	}
	stop := func() {}
	if rl.Enabled {
		limiter := middleware.NewRateLimiter(rl, log)
		limiter.Start()
		stop = limiter.Stop
		middlewares = append(middlewares, limiter.Middleware())
		log.WithFields(map[string]interface{}{
			"requests_per_second": rl.RequestsPerSecond,
			"burst":               rl.BurstSize,
		}).Info("Rate limiting enabled")
	}
	return middleware.Chain(h, middlewares...), stop
}

// watchConfig reloads hot settings whenever the file changes
func watchConfig(path string, reloader *service.ConfigReloader, log *logger.Logger) (func(), error) {
	watcher, err := config.NewWatcher(path, func(c *config.Config) {
		if err := reloader.ReloadConfig(c); err != nil {
			log.WithError(err).Warn("Configuration change rejected")
		}
	}, log)
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return func() {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Error closing config watcher")
		}
	}, nil
}
