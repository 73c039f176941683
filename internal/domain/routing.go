package domain

import "time"

// Route is the derived list of routable instances for one service
type Route struct {
	Service   string
	Instances []ServiceInstance
}

// IsEmpty reports whether the route currently has no routable instance
func (r Route) IsEmpty() bool {
	return len(r.Instances) == 0
}

// CircuitState represents the state of a route's circuit breaker
type CircuitState int

const (
	// StateClosed - requests pass through and outcomes feed the window
	StateClosed CircuitState = iota
	// StateOpen - requests are short-circuited until the cooldown elapses
	StateOpen
	// StateHalfOpen - a single probe is in flight or about to be admitted
	StateHalfOpen
)

// String returns the string representation of CircuitState
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Verdict is the breaker's answer for a single request
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictShortCircuit
)

func (v Verdict) String() string {
	if v == VerdictShortCircuit {
		return "short_circuit"
	}
	return "allow"
}

// Outcome is how a forwarded call ended
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	// OutcomeAbandoned marks a call the inbound client gave up on before the
	// downstream answered. It says nothing about downstream health.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// IsFailure reports whether the outcome counts against the breaker
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailure || o == OutcomeTimeout
}

// RoutingDecision records what the gateway did with one inbound request
type RoutingDecision struct {
	Route    string
	Instance *ServiceInstance
	Verdict  Verdict
	Outcome  Outcome
	Attempt  int
	Probe    bool
	Status   int
	Duration time.Duration
}
