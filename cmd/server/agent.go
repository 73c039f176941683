package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/internal/discovery"
	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"github.com/spf13/cobra"
)

// agentFlags override the agent section of the configuration
type agentFlags struct {
	registryURL string
	service     string
	instanceID  string
	host        string
	port        int
	lease       time.Duration
	status      string
	metadata    map[string]string
}

func newAgentCmd(opts *rootOptions) *cobra.Command {
	flags := &agentFlags{}
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Keep one service instance registered (sidecar mode)",
		Example: "  server agent --service menu --host 10.0.0.5 --port 8080",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg.Agent)

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runAgent(ctx, cfg.Agent, log)
		},
	}

	flags.bind(cmd)
	return cmd
}

// bind registers the override flags on cmd
func (f *agentFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.registryURL, "registry", "", "registry base URL")
	fs.StringVar(&f.service, "service", "", "service name to register")
	fs.StringVar(&f.instanceID, "instance-id", "", "instance id (generated when empty)")
	fs.StringVar(&f.host, "host", "", "host the instance is reachable on")
	fs.IntVar(&f.port, "port", 0, "port the instance is reachable on")
	fs.DurationVar(&f.lease, "lease", 0, "lease requested from the registry")
	fs.StringVar(&f.status, "status", "", "initial status (UP, STARTING, DOWN, UNKNOWN)")
	fs.StringToStringVar(&f.metadata, "metadata", nil, "instance metadata as key=value pairs")
}

// apply copies the flags the user set onto the agent configuration
func (f *agentFlags) apply(cmd *cobra.Command, a *config.AgentConfig) {
	set := cmd.Flags().Changed
	if set("registry") {
		a.RegistryURL = f.registryURL
	}
	if set("service") {
		a.Service = f.service
	}
	if set("instance-id") {
		a.InstanceID = f.instanceID
	}
	if set("host") {
		a.Host = f.host
	}
	if set("port") {
		a.Port = f.port
	}
	if set("lease") {
		a.Lease = f.lease
	}
	if set("status") {
		a.Status = f.status
	}
	if set("metadata") {
		a.Metadata = f.metadata
	}
}

func runAgent(ctx context.Context, ac config.AgentConfig, log *logger.Logger) error {
	status, err := domain.ParseInstanceStatus(ac.Status)
	if err != nil {
		return err
	}
	client, err := discovery.NewRegistryClient(ac.RegistryURL, log)
	if err != nil {
		return fmt.Errorf("registry client: %w", err)
	}

	agent, err := discovery.NewAgent(client, discovery.AgentConfig{
		Instance: domain.ServiceInstance{
			ServiceName: ac.Service,
			InstanceID:  ac.InstanceID,
			Host:        ac.Host,
			Port:        ac.Port,
			Status:      status,
			Metadata:    ac.Metadata,
			Lease:       ac.Lease,
		},
	}, log)
	if err != nil {
		return err
	}

	log.WithFields(map[string]interface{}{
		"service":     ac.Service,
		"instance_id": ac.InstanceID,
		"process":     newProcessIdentity("agent", 0, ac.RegistryURL).Fields(),
	}).Info("Starting agent")

	if err := agent.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := shutdownContext()
	defer cancel()
	if err := agent.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error deregistering agent")
		return err
	}
	log.WithFields(agent.GetStats()).Info("Agent stopped")
	return nil
}
