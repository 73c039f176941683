package domain

import "time"

// RegistrySettings are the runtime-reloadable knobs of the registry
type RegistrySettings struct {
	DefaultLease  time.Duration `yaml:"default_lease" json:"default_lease"`
	MaxLease      time.Duration `yaml:"max_lease" json:"max_lease"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// RouteTableSettings are the runtime-reloadable knobs of the route table
type RouteTableSettings struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// CircuitBreakerConfig configures every per-route breaker
type CircuitBreakerConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	WindowSize     int           `yaml:"window_size" json:"window_size"`
	MinimumSamples int           `yaml:"minimum_samples" json:"minimum_samples"`
	FailureRatio   float64       `yaml:"failure_ratio" json:"failure_ratio"`
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For and
	// X-Real-IP headers are believed. Everyone else is keyed by socket peer.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies,omitempty"`
}

// RoutePolicy decides how the gateway treats one route
type RoutePolicy struct {
	// Fallback answers failed or short-circuited calls with the canned 503
	// body instead of the mapped error.
	Fallback          bool          `json:"fallback"`
	Timeout           time.Duration `json:"timeout"`
	CountClientErrors bool          `json:"count_client_errors"`
	CountServerErrors bool          `json:"count_server_errors"`
	RetryAttempts     int           `json:"retry_attempts"`
}

// ClassifyStatus maps a downstream status code to a breaker outcome
func (p RoutePolicy) ClassifyStatus(status int) Outcome {
	switch {
	case status >= 500 && p.CountServerErrors:
		return OutcomeFailure
	case status >= 400 && status < 500 && p.CountClientErrors:
		return OutcomeFailure
	default:
		return OutcomeSuccess
	}
}

// Route key conventions
const (
	RouteModePath   = "path"
	RouteModeHeader = "header"
)

// GatewaySettings are the runtime-reloadable knobs of the gateway proxy
type GatewaySettings struct {
	RouteMode     string                 `json:"route_mode"`
	RouteHeader   string                 `json:"route_header"`
	StripPrefix   bool                   `json:"strip_prefix"`
	Aliases       map[string]string      `json:"aliases,omitempty"`
	DefaultPolicy RoutePolicy            `json:"default_policy"`
	Policies      map[string]RoutePolicy `json:"policies,omitempty"`
}

// PolicyFor returns the policy of a service, falling back to the default
func (s GatewaySettings) PolicyFor(service string) RoutePolicy {
	if p, ok := s.Policies[service]; ok {
		return p
	}
	return s.DefaultPolicy
}

// ServiceFor resolves a routing key through the alias table
func (s GatewaySettings) ServiceFor(key string) string {
	if target, ok := s.Aliases[key]; ok {
		return target
	}
	return key
}
