package service

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"gopkg.in/yaml.v2"
)

// ConfigReloader applies configuration changes to running components. Only
// timing and threshold settings are hot-reloadable; ports and addresses
// keep their startup values and changes to them are logged as ignored.
type ConfigReloader struct {
	config          *config.Config
	logger          *logger.Logger
	mutex           sync.RWMutex
	reloadCallbacks []func(*config.Config) error
	reloads         int
	failures        int
	lastReload      time.Time
}

// NewConfigReloader creates a reloader starting from cfg
func NewConfigReloader(cfg *config.Config, log *logger.Logger) *ConfigReloader {
	if log == nil {
		log = logger.Discard()
	}
	return &ConfigReloader{
		config: cfg,
		logger: log.WithField("component", "config_reload"),
	}
}

// RegisterReloadCallback registers a callback to be called when config is reloaded
func (cr *ConfigReloader) RegisterReloadCallback(callback func(*config.Config) error) {
	cr.mutex.Lock()
	defer cr.mutex.Unlock()
	cr.reloadCallbacks = append(cr.reloadCallbacks, callback)
}

// BindRegistry hot-reloads lease and sweep settings
func (cr *ConfigReloader) BindRegistry(r *Registry) {
	cr.RegisterReloadCallback(func(c *config.Config) error {
		if r.Settings() != c.Registry.Leases {
			r.UpdateSettings(c.Registry.Leases)
			cr.logger.WithFields(map[string]interface{}{
				"default_lease":  c.Registry.Leases.DefaultLease.String(),
				"max_lease":      c.Registry.Leases.MaxLease.String(),
				"sweep_interval": c.Registry.Leases.SweepInterval.String(),
			}).Info("Updated registry lease settings")
		}
		return nil
	})
}

// BindRouteTable hot-reloads the refresh interval
func (cr *ConfigReloader) BindRouteTable(t *RouteTable) {
	cr.RegisterReloadCallback(func(c *config.Config) error {
		if t.Settings() != c.Gateway.RouteTable {
			t.UpdateSettings(c.Gateway.RouteTable)
			cr.logger.WithField("refresh_interval", c.Gateway.RouteTable.RefreshInterval.String()).
				Info("Updated route table settings")
		}
		return nil
	})
}

// BindBreakers hot-reloads breaker thresholds
func (cr *ConfigReloader) BindBreakers(s *BreakerSet) {
	cr.RegisterReloadCallback(func(c *config.Config) error {
		if s.Config() != c.Gateway.CircuitBreaker {
			s.Reconfigure(c.Gateway.CircuitBreaker)
			cr.logger.WithFields(map[string]interface{}{
				"window_size":     c.Gateway.CircuitBreaker.WindowSize,
				"minimum_samples": c.Gateway.CircuitBreaker.MinimumSamples,
				"failure_ratio":   c.Gateway.CircuitBreaker.FailureRatio,
				"cooldown":        c.Gateway.CircuitBreaker.Cooldown.String(),
			}).Info("Updated circuit breaker settings")
		}
		return nil
	})
}

// ReloadConfig validates newConfig and hands it to every callback
func (cr *ConfigReloader) ReloadConfig(newConfig *config.Config) error {
	if err := newConfig.Validate(); err != nil {
		cr.recordFailure()
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cr.mutex.Lock()
	defer cr.mutex.Unlock()

	cr.warnStaticChanges(cr.config, newConfig)

	for _, callback := range cr.reloadCallbacks {
		if err := callback(newConfig); err != nil {
			cr.failures++
			cr.logger.WithError(err).Error("Config reload callback failed")
			return err
		}
	}

	cr.config = newConfig
	cr.reloads++
	cr.lastReload = time.Now()
	cr.logger.Info("Configuration reloaded successfully")
	return nil
}

// ReloadFromAPI reloads configuration from a YAML document
func (cr *ConfigReloader) ReloadFromAPI(data []byte) error {
	newConfig := config.DefaultConfig()
	if err := yaml.Unmarshal(data, newConfig); err != nil {
		cr.recordFailure()
		return fmt.Errorf("invalid YAML configuration: %w", err)
	}
	return cr.ReloadConfig(newConfig)
}

func (cr *ConfigReloader) recordFailure() {
	cr.mutex.Lock()
	cr.failures++
	cr.mutex.Unlock()
}

// warnStaticChanges logs settings that only take effect after a restart
func (cr *ConfigReloader) warnStaticChanges(old, next *config.Config) {
	static := map[string][2]interface{}{
		"registry.server":      {old.Registry.Server, next.Registry.Server},
		"registry.redis":       {old.Registry.Redis, next.Registry.Redis},
		"registry.kafka":       {old.Registry.Kafka, next.Registry.Kafka},
		"registry.rate_limit":  {old.Registry.RateLimit, next.Registry.RateLimit},
		"gateway.server":       {old.Gateway.Server, next.Gateway.Server},
		"gateway.grpc_port":    {old.Gateway.GRPCPort, next.Gateway.GRPCPort},
		"gateway.registry_url": {old.Gateway.RegistryURL, next.Gateway.RegistryURL},
		"gateway.rate_limit":   {old.Gateway.RateLimit, next.Gateway.RateLimit},
		"logging":              {old.Logging, next.Logging},
		"agent":                {old.Agent, next.Agent},
	}
	for key, pair := range static {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			cr.logger.WithField("setting", key).Warn("Setting is not reloadable, change ignored until restart")
		}
	}
}

// GetCurrentConfig returns the current configuration
func (cr *ConfigReloader) GetCurrentConfig() *config.Config {
	cr.mutex.RLock()
	defer cr.mutex.RUnlock()
	return cr.config
}

// GetReloadStats returns reload statistics
func (cr *ConfigReloader) GetReloadStats() map[string]interface{} {
	cr.mutex.RLock()
	defer cr.mutex.RUnlock()

	return map[string]interface{}{
		"reloads":         cr.reloads,
		"failures":        cr.failures,
		"callbacks_count": len(cr.reloadCallbacks),
		"last_reload":     cr.lastReload,
	}
}
