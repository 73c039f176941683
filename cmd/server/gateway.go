package main

import (
	"context"
	"fmt"

	"github.com/gorilla/mux"
	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/internal/discovery"
	"github.com/mir00r/registry-gateway/internal/handler"
	"github.com/mir00r/registry-gateway/internal/server"
	"github.com/mir00r/registry-gateway/internal/service"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"github.com/spf13/cobra"
)

func newGatewayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the resilient gateway in front of the registry",
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
			return runGateway(ctx, cfg, opts.watchedPath(), log)
		},
	}
}

func runGateway(ctx context.Context, cfg *config.Config, configPath string, log *logger.Logger) error {
	gc := cfg.Gateway
	metrics := service.NewMetrics()

	client, err := discovery.NewRegistryClient(gc.RegistryURL, log)
	if err != nil {
		return fmt.Errorf("registry client: %w", err)
	}

	bridge := handler.NewHealthBridge(log)
	table := service.NewRouteTable(client, gc.RouteTable, log,
		service.WithRouteTableMetrics(metrics),
		service.WithRefreshListener(bridge.Update),
	)
	breakers := service.NewBreakerSet(gc.CircuitBreaker, log,
		service.WithTransitionHook(metrics.RecordTransition),
	)
	balancer := service.NewRoundRobinBalancer()
	transport := handler.NewUpstreamTransport(gc.ConnectionPool)
	gateway := handler.NewGatewayHandler(table, balancer, breakers, cfg.ToGatewaySettings(), log,
		handler.WithGatewayMetrics(metrics),
		handler.WithTransport(transport),
	)

	reloader := service.NewConfigReloader(cfg, log)
	reloader.BindRouteTable(table)
	reloader.BindBreakers(breakers)
	reloader.RegisterReloadCallback(gateway.ApplyConfig)
	if configPath != "" {
		stopWatch, err := watchConfig(configPath, reloader, log)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	if err := table.Start(ctx); err != nil {
		return fmt.Errorf("failed to start route table: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		if err := table.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("Error stopping route table")
		}
	}()

	// Admin, ops and API document routes shadow services of the same name in
	// path mode.
	router := mux.NewRouter().SkipClean(true)
	handler.NewAdminHandler(table, breakers, gateway, reloader, log).RegisterRoutes(router)
	if gc.OpenAPI.Enabled {
		handler.NewOpenAPIAggregator(table, table, balancer, breakers, gateway.Settings, transport, gc.OpenAPI, log).
			RegisterRoutes(router)
	}
	health := handler.NewHealthHandler(Version, func() (bool, string) {
		if table.Ready() {
			return true, ""
		}
		return false, "route table has not refreshed yet"
	})
	registerOpsRoutes(router, health, metrics)
	router.PathPrefix("/").Handler(gateway)

	h, stopLimiter := withMiddleware(router, gc.RateLimit, log)
	defer stopLimiter()

	port := getPort(gc.Server.Port)
	log.WithFields(map[string]interface{}{
		"port":         port,
		"grpc_port":    gc.GRPCPort,
		"registry_url": gc.RegistryURL,
		"route_mode":   gc.Routing.Mode,
		"breaker":      gc.CircuitBreaker.Enabled,
		"process":      newProcessIdentity("gateway", port, gc.RegistryURL).Fields(),
	}).Info("Starting gateway")

	runners := []server.Runner{
		server.NewHTTPServer("gateway", port, gc.Server, h, log).ListenAndServe,
	}
	if gc.GRPCPort != 0 {
		runners = append(runners, server.NewGRPCServer(gc.GRPCPort, log, bridge.Register).ListenAndServe)
	}

	err = server.Run(ctx, runners...)
	bridge.Shutdown()
	log.Info("Gateway shut down")
	return err
}
