package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/internal/discovery"
	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"github.com/spf13/cobra"
)

// Admin processes run one-off management tasks against a running registry
// or against the configuration.

const adminTimeout = 10 * time.Second

func newAdminCmd(opts *rootOptions) *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "One-off management tasks",
	}
	adminCmd.AddCommand(newSnapshotCmd(opts), newValidateConfigCmd(opts))
	return adminCmd
}

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	var registryURL, svc string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the registry's live instances as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if registryURL == "" {
				registryURL = cfg.Gateway.RegistryURL
			}
			client, err := discovery.NewRegistryClient(registryURL, logger.Discard())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			return runSnapshot(ctx, client, svc, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry base URL (defaults to gateway.registry_url)")
	cmd.Flags().StringVar(&svc, "service", "", "only print this service")
	return cmd
}

// snapshotClient is the part of the registry client the snapshot task reads
type snapshotClient interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Service(ctx context.Context, service string) ([]domain.ServiceInstance, error)
}

func runSnapshot(ctx context.Context, client snapshotClient, svc string, out io.Writer) error {
	var snapshot domain.Snapshot
	if svc != "" {
		instances, err := client.Service(ctx, svc)
		if err != nil {
			return fmt.Errorf("query service %s: %w", svc, err)
		}
		snapshot = domain.Snapshot{svc: instances}
	} else {
		var err error
		snapshot, err = client.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("fetch snapshot: %w", err)
		}
	}

	services := make(map[string][]domain.InstanceRecord, len(snapshot))
	for _, name := range snapshot.Services() {
		records := make([]domain.InstanceRecord, 0, len(snapshot[name]))
		for _, inst := range snapshot[name] {
			records = append(records, domain.NewInstanceRecord(inst))
		}
		services[name] = records
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"services":  services,
		"instances": snapshot.InstanceCount(),
	})
}

func newValidateConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "validate-config",
		Aliases: []string{"validate"},
		Short:   "Validate the configuration file and environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			printConfigSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfigSummary(out io.Writer, cfg *config.Config) {
	cb := cfg.Gateway.CircuitBreaker
	_, _ = fmt.Fprintln(out, "Configuration is valid.")
	_, _ = fmt.Fprintf(out, "Registry port: %d (default lease %v, max lease %v)\n",
		cfg.Registry.Server.Port, cfg.Registry.Leases.DefaultLease, cfg.Registry.Leases.MaxLease)
	_, _ = fmt.Fprintf(out, "Gateway port: %d (registry %s, refresh %v)\n",
		cfg.Gateway.Server.Port, cfg.Gateway.RegistryURL, cfg.Gateway.RouteTable.RefreshInterval)
	_, _ = fmt.Fprintf(out, "Circuit breaker: enabled=%t window=%d min=%d ratio=%.2f cooldown=%v\n",
		cb.Enabled, cb.WindowSize, cb.MinimumSamples, cb.FailureRatio, cb.Cooldown)
	_, _ = fmt.Fprintf(out, "Redis mirror: %t, Kafka events: %t\n",
		cfg.Registry.Redis.Enabled, cfg.Registry.Kafka.Enabled)
}
