package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvironment overrides file values with environment variables. Only
// variables that are set and parse cleanly take effect.
func ApplyEnvironment(config *Config) {
	// Logging
	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnv("LOG_OUTPUT", config.Logging.Output)
	config.Logging.File = getEnv("LOG_FILE", config.Logging.File)

	// Registry
	r := &config.Registry
	r.Server.Port = getEnvInt("REGISTRY_PORT", r.Server.Port)
	r.Leases.DefaultLease = getEnvDuration("REGISTRY_DEFAULT_LEASE", r.Leases.DefaultLease)
	r.Leases.MaxLease = getEnvDuration("REGISTRY_MAX_LEASE", r.Leases.MaxLease)
	r.Leases.SweepInterval = getEnvDuration("REGISTRY_SWEEP_INTERVAL", r.Leases.SweepInterval)
	r.RateLimit.Enabled = getEnvBool("REGISTRY_RATE_LIMIT_ENABLED", r.RateLimit.Enabled)
	r.RateLimit.RequestsPerSecond = getEnvFloat("REGISTRY_RATE_LIMIT_RPS", r.RateLimit.RequestsPerSecond)
	r.RateLimit.BurstSize = getEnvInt("REGISTRY_RATE_LIMIT_BURST", r.RateLimit.BurstSize)
	if proxies := getEnv("REGISTRY_RATE_LIMIT_TRUSTED_PROXIES", ""); proxies != "" {
		r.RateLimit.TrustedProxies = splitList(proxies)
	}

	if addr := getEnv("REGISTRY_REDIS_ADDR", ""); addr != "" {
		r.Redis.Enabled = true
		r.Redis.Addr = addr
	}
	r.Redis.Password = getEnv("REGISTRY_REDIS_PASSWORD", r.Redis.Password)
	r.Redis.DB = getEnvInt("REGISTRY_REDIS_DB", r.Redis.DB)

	if brokers := getEnv("REGISTRY_KAFKA_BROKERS", ""); brokers != "" {
		r.Kafka.Enabled = true
		r.Kafka.Brokers = splitList(brokers)
	}
	r.Kafka.Topic = getEnv("REGISTRY_KAFKA_TOPIC", r.Kafka.Topic)

	// Gateway
	g := &config.Gateway
	g.Server.Port = getEnvInt("GATEWAY_PORT", g.Server.Port)
	g.GRPCPort = getEnvInt("GATEWAY_GRPC_PORT", g.GRPCPort)
	g.RegistryURL = getEnv("GATEWAY_REGISTRY_URL", g.RegistryURL)
	g.RouteTable.RefreshInterval = getEnvDuration("GATEWAY_REFRESH_INTERVAL", g.RouteTable.RefreshInterval)
	g.DefaultPolicy.Timeout = getEnvDuration("GATEWAY_TIMEOUT", g.DefaultPolicy.Timeout)
	g.Routing.Mode = getEnv("GATEWAY_ROUTE_MODE", g.Routing.Mode)
	g.Routing.Header = getEnv("GATEWAY_ROUTE_HEADER", g.Routing.Header)
	g.RateLimit.Enabled = getEnvBool("GATEWAY_RATE_LIMIT_ENABLED", g.RateLimit.Enabled)
	g.RateLimit.RequestsPerSecond = getEnvFloat("GATEWAY_RATE_LIMIT_RPS", g.RateLimit.RequestsPerSecond)
	g.RateLimit.BurstSize = getEnvInt("GATEWAY_RATE_LIMIT_BURST", g.RateLimit.BurstSize)
	if proxies := getEnv("GATEWAY_RATE_LIMIT_TRUSTED_PROXIES", ""); proxies != "" {
		g.RateLimit.TrustedProxies = splitList(proxies)
	}

	cb := &g.CircuitBreaker
	cb.Enabled = getEnvBool("GATEWAY_BREAKER_ENABLED", cb.Enabled)
	cb.WindowSize = getEnvInt("GATEWAY_BREAKER_WINDOW_SIZE", cb.WindowSize)
	cb.MinimumSamples = getEnvInt("GATEWAY_BREAKER_MINIMUM_SAMPLES", cb.MinimumSamples)
	cb.FailureRatio = getEnvFloat("GATEWAY_BREAKER_FAILURE_RATIO", cb.FailureRatio)
	cb.Cooldown = getEnvDuration("GATEWAY_BREAKER_COOLDOWN", cb.Cooldown)

	// Agent
	a := &config.Agent
	a.RegistryURL = getEnv("AGENT_REGISTRY_URL", a.RegistryURL)
	a.Service = getEnv("AGENT_SERVICE", a.Service)
	a.InstanceID = getEnv("AGENT_INSTANCE_ID", a.InstanceID)
	a.Host = getEnv("AGENT_HOST", a.Host)
	a.Port = getEnvInt("AGENT_PORT", a.Port)
	a.Lease = getEnvDuration("AGENT_LEASE", a.Lease)
}

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// An empty path falls back to CONFIG_FILE; a missing default file is not an error.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = getEnv("CONFIG_FILE", "config.yaml")
	}

	config := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	ApplyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as integer with fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets environment variable as float with fallback
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool gets environment variable as bool with fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration gets environment variable as duration with fallback. Bare
// integers are read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
