package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second
)

var (
	// Version is set at build time.
	Version = "dev"
)

// rootOptions are flags shared by every subcommand
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Service registry, resilient gateway and registration agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML configuration file (defaults to $CONFIG_FILE or config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newRegistryCmd(opts),
		newGatewayCmd(opts),
		newAgentCmd(opts),
		newAdminCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "server version %s\n", Version)
				return err
			},
		},
	)
	return rootCmd
}

// loadConfig reads configuration with priority: env vars > config file > defaults
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// watchedPath returns the file the config watcher should follow, or ""
func (o *rootOptions) watchedPath() string {
	path := o.configPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// shutdownContext bounds the cleanup that follows a shutdown signal
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
