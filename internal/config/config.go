package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure. One file configures
// every subcommand; each process reads the sections it needs.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Registry RegistryConfig `yaml:"registry"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServerConfig contains HTTP server specific configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableH2C    bool          `yaml:"enable_h2c"`
}

// RegistryConfig configures the registry process
type RegistryConfig struct {
	Server    ServerConfig            `yaml:"server"`
	Leases    domain.RegistrySettings `yaml:"leases"`
	RateLimit domain.RateLimitConfig  `yaml:"rate_limit"`
	Redis     RedisConfig             `yaml:"redis"`
	Kafka     KafkaConfig             `yaml:"kafka"`
}

// RedisConfig configures the optional lease mirror
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	Restore  bool   `yaml:"restore"`
}

// KafkaConfig configures the optional registry event publisher
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// GatewayConfig configures the gateway process
type GatewayConfig struct {
	Server         ServerConfig                 `yaml:"server"`
	GRPCPort       int                          `yaml:"grpc_port"`
	RegistryURL    string                       `yaml:"registry_url"`
	RouteTable     domain.RouteTableSettings    `yaml:"route_table"`
	CircuitBreaker domain.CircuitBreakerConfig  `yaml:"circuit_breaker"`
	RateLimit      domain.RateLimitConfig       `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig         `yaml:"connection_pool"`
	Routing        RoutingConfig                `yaml:"routing"`
	DefaultPolicy  RoutePolicyConfig            `yaml:"default_policy"`
	Policies       map[string]RoutePolicyConfig `yaml:"policies"`
	OpenAPI        OpenAPIConfig                `yaml:"openapi"`
}

// OpenAPIConfig controls the merged API document the gateway assembles from
// every routed service
type OpenAPIConfig struct {
	Enabled bool `yaml:"enabled"`
	// DocsPath is where each service publishes its own document
	DocsPath string `yaml:"docs_path"`
	// Route is where the gateway serves the merged document
	Route        string        `yaml:"route"`
	SwaggerUI    bool          `yaml:"swagger_ui"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Title        string        `yaml:"title"`
	Version      string        `yaml:"version"`
	Description  string        `yaml:"description"`
}

// ConnectionPoolConfig tunes the gateway's pool of upstream connections
type ConnectionPoolConfig struct {
	// MaxIdleConnsPerHost is the maximum number of idle connections per instance
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
	// MaxConnsPerHost caps dialing, active and idle connections per instance. Zero means no limit.
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	KeepaliveIdle   time.Duration `yaml:"keepalive_idle"`
}

// RoutingConfig decides how a request names its target service
type RoutingConfig struct {
	Mode        string            `yaml:"mode"`
	Header      string            `yaml:"header"`
	StripPrefix bool              `yaml:"strip_prefix"`
	Aliases     map[string]string `yaml:"aliases"`
}

// RoutePolicyConfig overrides parts of a route policy. Unset fields inherit
// from the default policy.
type RoutePolicyConfig struct {
	Fallback          *bool         `yaml:"fallback"`
	Timeout           time.Duration `yaml:"timeout"`
	CountClientErrors *bool         `yaml:"count_client_errors"`
	CountServerErrors *bool         `yaml:"count_server_errors"`
	RetryAttempts     *int          `yaml:"retry_attempts"`
}

// AgentConfig configures the self-registration sidecar
type AgentConfig struct {
	RegistryURL string            `yaml:"registry_url"`
	Service     string            `yaml:"service"`
	InstanceID  string            `yaml:"instance_id"`
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	Lease       time.Duration     `yaml:"lease"`
	Status      string            `yaml:"status"`
	Metadata    map[string]string `yaml:"metadata"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Registry: RegistryConfig{
			Server: ServerConfig{
				Port:         8761,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
				EnableH2C:    true,
			},
			Leases: domain.RegistrySettings{
				DefaultLease:  30 * time.Second,
				MaxLease:      5 * time.Minute,
				SweepInterval: 5 * time.Second,
			},
			RateLimit: domain.RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				BurstSize:         100,
			},
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Prefix:  "registry:instance:",
				Restore: true,
			},
			Kafka: KafkaConfig{
				Topic:        "registry-events",
				BatchTimeout: 50 * time.Millisecond,
			},
		},
		Gateway: GatewayConfig{
			Server: ServerConfig{
				Port:         8080,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
				EnableH2C:    true,
			},
			RegistryURL: "http://localhost:8761",
			RouteTable: domain.RouteTableSettings{
				RefreshInterval: 5 * time.Second,
				RequestTimeout:  2 * time.Second,
			},
			CircuitBreaker: domain.CircuitBreakerConfig{
				Enabled:        true,
				WindowSize:     20,
				MinimumSamples: 10,
				FailureRatio:   0.5,
				Cooldown:       30 * time.Second,
			},
			RateLimit: domain.RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
			OpenAPI: OpenAPIConfig{
				Enabled:      true,
				DocsPath:     "/v3/api-docs",
				Route:        "/v3/api-docs/aggregated",
				SwaggerUI:    true,
				FetchTimeout: 5 * time.Second,
				Title:        "Application API",
				Version:      "1.0.3",
				Description:  "Full application API",
			},
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConnsPerHost: 32,
				IdleTimeout:         90 * time.Second,
				ConnectTimeout:      5 * time.Second,
				KeepaliveIdle:       30 * time.Second,
			},
			Routing: RoutingConfig{
				Mode:        domain.RouteModePath,
				Header:      "X-Service-Name",
				StripPrefix: true,
			},
			DefaultPolicy: RoutePolicyConfig{
				Timeout: 10 * time.Second,
			},
		},
		Agent: AgentConfig{
			RegistryURL: "http://localhost:8761",
			Lease:       30 * time.Second,
			Status:      string(domain.StatusUp),
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return config, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	return c.validateGateway()
}

func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true, "discard": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s: invalid port %d", name, port)
	}
	return nil
}

func validateRateLimit(name string, rl domain.RateLimitConfig) error {
	if !rl.Enabled {
		return nil
	}
	if rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.requests_per_second must be positive", name)
	}
	if rl.BurstSize <= 0 {
		return fmt.Errorf("%s.burst_size must be positive", name)
	}
	for _, proxy := range rl.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			return fmt.Errorf("%s.trusted_proxies: %q is neither an address nor a CIDR", name, proxy)
		}
	}
	return nil
}

func (c *Config) validateRegistry() error {
	r := c.Registry
	if err := validatePort("registry.server", r.Server.Port); err != nil {
		return err
	}
	if r.Leases.DefaultLease < time.Second {
		return fmt.Errorf("registry.leases.default_lease must be at least 1s")
	}
	if r.Leases.MaxLease < r.Leases.DefaultLease {
		return fmt.Errorf("registry.leases.max_lease (%v) is below default_lease (%v)", r.Leases.MaxLease, r.Leases.DefaultLease)
	}
	if r.Leases.SweepInterval <= 0 {
		return fmt.Errorf("registry.leases.sweep_interval must be positive")
	}
	if err := validateRateLimit("registry.rate_limit", r.RateLimit); err != nil {
		return err
	}
	if r.Redis.Enabled && r.Redis.Addr == "" {
		return fmt.Errorf("registry.redis.addr is required when redis is enabled")
	}
	if r.Kafka.Enabled {
		if len(r.Kafka.Brokers) == 0 {
			return fmt.Errorf("registry.kafka.brokers is required when kafka is enabled")
		}
		if r.Kafka.Topic == "" {
			return fmt.Errorf("registry.kafka.topic is required when kafka is enabled")
		}
	}
	return nil
}

func (c *Config) validateGateway() error {
	g := c.Gateway
	if err := validatePort("gateway.server", g.Server.Port); err != nil {
		return err
	}
	if g.GRPCPort != 0 {
		if err := validatePort("gateway.grpc_port", g.GRPCPort); err != nil {
			return err
		}
	}
	if g.RegistryURL == "" {
		return fmt.Errorf("gateway.registry_url cannot be empty")
	}
	if g.RouteTable.RefreshInterval <= 0 {
		return fmt.Errorf("gateway.route_table.refresh_interval must be positive")
	}

	cb := g.CircuitBreaker
	if cb.Enabled {
		if cb.WindowSize <= 0 {
			return fmt.Errorf("gateway.circuit_breaker.window_size must be positive")
		}
		if cb.MinimumSamples <= 0 || cb.MinimumSamples > cb.WindowSize {
			return fmt.Errorf("gateway.circuit_breaker.minimum_samples must be between 1 and window_size")
		}
		if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
			return fmt.Errorf("gateway.circuit_breaker.failure_ratio must be in (0, 1]")
		}
		if cb.Cooldown <= 0 {
			return fmt.Errorf("gateway.circuit_breaker.cooldown must be positive")
		}
	}
	if err := validateRateLimit("gateway.rate_limit", g.RateLimit); err != nil {
		return err
	}
	if p := g.ConnectionPool; p.MaxIdleConnsPerHost < 0 || p.MaxConnsPerHost < 0 || p.IdleTimeout < 0 || p.ConnectTimeout < 0 {
		return fmt.Errorf("gateway.connection_pool values cannot be negative")
	}

	switch g.Routing.Mode {
	case domain.RouteModePath:
	case domain.RouteModeHeader:
		if g.Routing.Header == "" {
			return fmt.Errorf("gateway.routing.header is required in header mode")
		}
	default:
		return fmt.Errorf("unsupported gateway.routing.mode: %s", g.Routing.Mode)
	}

	if err := validatePolicy("gateway.default_policy", g.DefaultPolicy); err != nil {
		return err
	}
	for name, p := range g.Policies {
		if err := validatePolicy("gateway.policies."+name, p); err != nil {
			return err
		}
	}
	return validateOpenAPI(g.OpenAPI)
}

func validateOpenAPI(o OpenAPIConfig) error {
	if !o.Enabled {
		return nil
	}
	if !strings.HasPrefix(o.DocsPath, "/") || !strings.HasPrefix(o.Route, "/") {
		return fmt.Errorf("gateway.openapi docs_path and route must start with /")
	}
	if o.FetchTimeout <= 0 {
		return fmt.Errorf("gateway.openapi.fetch_timeout must be positive")
	}
	return nil
}

func validatePolicy(name string, p RoutePolicyConfig) error {
	if p.Timeout < 0 {
		return fmt.Errorf("%s.timeout cannot be negative", name)
	}
	if p.RetryAttempts != nil && *p.RetryAttempts < 0 {
		return fmt.Errorf("%s.retry_attempts cannot be negative", name)
	}
	return nil
}

// defaultRoutePolicy is the policy before any configuration applies
var defaultRoutePolicy = domain.RoutePolicy{
	Fallback:          true,
	Timeout:           10 * time.Second,
	CountClientErrors: false,
	CountServerErrors: true,
}

// apply overlays the set fields of p onto base
func (p RoutePolicyConfig) apply(base domain.RoutePolicy) domain.RoutePolicy {
	if p.Fallback != nil {
		base.Fallback = *p.Fallback
	}
	if p.Timeout > 0 {
		base.Timeout = p.Timeout
	}
	if p.CountClientErrors != nil {
		base.CountClientErrors = *p.CountClientErrors
	}
	if p.CountServerErrors != nil {
		base.CountServerErrors = *p.CountServerErrors
	}
	if p.RetryAttempts != nil {
		base.RetryAttempts = *p.RetryAttempts
	}
	return base
}

// ToGatewaySettings resolves routing and per-route policies
func (c *Config) ToGatewaySettings() domain.GatewaySettings {
	g := c.Gateway
	def := g.DefaultPolicy.apply(defaultRoutePolicy)

	settings := domain.GatewaySettings{
		RouteMode:     g.Routing.Mode,
		RouteHeader:   g.Routing.Header,
		StripPrefix:   g.Routing.StripPrefix,
		Aliases:       make(map[string]string, len(g.Routing.Aliases)),
		DefaultPolicy: def,
		Policies:      make(map[string]domain.RoutePolicy, len(g.Policies)),
	}
	for k, v := range g.Routing.Aliases {
		settings.Aliases[k] = v
	}
	for name, p := range g.Policies {
		settings.Policies[name] = p.apply(def)
	}
	return settings
}
