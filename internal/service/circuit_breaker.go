package service

import (
	"sort"
	"sync"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// TransitionFunc is notified of every breaker state change
type TransitionFunc func(route string, from, to domain.CircuitState)

// Permit is handed out by Acquire and must be returned through Record.
// It ties an outcome to the breaker generation that admitted the request.
type Permit struct {
	route      string
	generation uint64
	probe      bool
	bypass     bool
}

// Probe reports whether the permit is the single half-open probe
func (p Permit) Probe() bool {
	return p.probe
}

// CircuitBreaker is the per-route state machine. It keeps a count-based
// sliding window of the last WindowSize outcomes while closed, opens once the
// failure ratio reaches the threshold over at least MinimumSamples calls, and
// after Cooldown admits exactly one probe.
type CircuitBreaker struct {
	route        string
	logger       *logger.Logger
	now          func() time.Time
	onTransition TransitionFunc

	mu            sync.Mutex
	config        domain.CircuitBreakerConfig
	state         domain.CircuitState
	generation    uint64
	window        []bool // true marks a failure
	head          int
	samples       int
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// BreakerOption configures breakers created by a BreakerSet
type BreakerOption func(*BreakerSet)

// WithBreakerClock replaces time.Now as the breakers' clock
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(s *BreakerSet) {
		s.now = now
	}
}

// WithTransitionHook registers a callback for every state change
func WithTransitionHook(fn TransitionFunc) BreakerOption {
	return func(s *BreakerSet) {
		s.hooks = append(s.hooks, fn)
	}
}

func newCircuitBreaker(route string, config domain.CircuitBreakerConfig, log *logger.Logger, now func() time.Time, hook TransitionFunc) *CircuitBreaker {
	return &CircuitBreaker{
		route:        route,
		logger:       log.BreakerLogger(route),
		now:          now,
		onTransition: hook,
		config:       config,
		state:        domain.StateClosed,
		window:       make([]bool, windowSize(config)),
	}
}

func windowSize(config domain.CircuitBreakerConfig) int {
	if config.WindowSize < 1 {
		return 1
	}
	return config.WindowSize
}

// Acquire asks the breaker whether a request may go through
func (cb *CircuitBreaker) Acquire() (Permit, domain.Verdict) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.config.Enabled {
		return Permit{route: cb.route, bypass: true}, domain.VerdictAllow
	}

	switch cb.state {
	case domain.StateClosed:
		return Permit{route: cb.route, generation: cb.generation}, domain.VerdictAllow

	case domain.StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return Permit{}, domain.VerdictShortCircuit
		}
		cb.transition(domain.StateHalfOpen)
		cb.probeInFlight = true
		return Permit{route: cb.route, generation: cb.generation, probe: true}, domain.VerdictAllow

	case domain.StateHalfOpen:
		if cb.probeInFlight {
			return Permit{}, domain.VerdictShortCircuit
		}
		cb.probeInFlight = true
		return Permit{route: cb.route, generation: cb.generation, probe: true}, domain.VerdictAllow
	}

	return Permit{}, domain.VerdictShortCircuit
}

// Record reports how a permitted request ended. Outcomes from a previous
// generation, and non-probe outcomes while open or half-open, are ignored.
func (cb *CircuitBreaker) Record(p Permit, outcome domain.Outcome) {
	if p.bypass {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if p.generation != cb.generation {
		return
	}

	switch cb.state {
	case domain.StateClosed:
		if outcome == domain.OutcomeAbandoned {
			return
		}
		cb.push(outcome.IsFailure())
		if cb.tripped() {
			cb.logger.WithFields(map[string]interface{}{
				"failures":      cb.failures,
				"samples":       cb.samples,
				"failure_ratio": cb.config.FailureRatio,
			}).Warn("Circuit breaker opening due to failures")
			cb.open()
		}

	case domain.StateHalfOpen:
		if !p.probe {
			return
		}
		switch {
		case outcome == domain.OutcomeAbandoned:
			cb.probeInFlight = false
		case outcome.IsFailure():
			cb.logger.Info("Circuit breaker opening again after failed probe")
			cb.open()
		default:
			cb.logger.Info("Circuit breaker closing after successful probe")
			cb.transition(domain.StateClosed)
		}
	}
}

func (cb *CircuitBreaker) push(failure bool) {
	if cb.samples == len(cb.window) {
		if cb.window[cb.head] {
			cb.failures--
		}
	} else {
		cb.samples++
	}
	cb.window[cb.head] = failure
	if failure {
		cb.failures++
	}
	cb.head = (cb.head + 1) % len(cb.window)
}

func (cb *CircuitBreaker) tripped() bool {
	if cb.samples == 0 || cb.samples < cb.config.MinimumSamples {
		return false
	}
	return float64(cb.failures)/float64(cb.samples) >= cb.config.FailureRatio
}

func (cb *CircuitBreaker) open() {
	cb.transition(domain.StateOpen)
	cb.openedAt = cb.now()
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.head, cb.samples, cb.failures = 0, 0, 0
}

// transition moves to a new state and starts a new generation. The caller holds cb.mu.
func (cb *CircuitBreaker) transition(to domain.CircuitState) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.probeInFlight = false
	if to == domain.StateClosed {
		cb.resetWindow()
	}

	if from != to {
		cb.logger.WithFields(map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		}).Debug("Circuit breaker state changed")
	}
	if cb.onTransition != nil {
		cb.onTransition(cb.route, from, to)
	}
}

// Reset forces the breaker closed with an empty window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(domain.StateClosed)
	cb.openedAt = time.Time{}
	cb.logger.Info("Circuit breaker reset to closed state")
}

// State returns the current state
func (cb *CircuitBreaker) State() domain.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) reconfigure(config domain.CircuitBreakerConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if windowSize(config) != len(cb.window) {
		cb.window = make([]bool, windowSize(config))
		cb.resetWindow()
	}
	cb.config = config
}

// BreakerSnapshot is a point-in-time view of one breaker
type BreakerSnapshot struct {
	Route         string    `json:"route"`
	State         string    `json:"state"`
	Samples       int       `json:"samples"`
	Failures      int       `json:"failures"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	ProbeInFlight bool      `json:"probe_in_flight"`
	Generation    uint64    `json:"generation"`
}

// Snapshot returns the breaker's current counters
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerSnapshot{
		Route:         cb.route,
		State:         cb.state.String(),
		Samples:       cb.samples,
		Failures:      cb.failures,
		OpenedAt:      cb.openedAt,
		ProbeInFlight: cb.probeInFlight,
		Generation:    cb.generation,
	}
}

// BreakerSet owns one breaker per route. Breakers are created on first use
// and live for the rest of the process.
type BreakerSet struct {
	logger *logger.Logger
	now    func() time.Time
	hooks  []TransitionFunc

	mu       sync.RWMutex
	config   domain.CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set sharing one configuration
func NewBreakerSet(config domain.CircuitBreakerConfig, log *logger.Logger, opts ...BreakerOption) *BreakerSet {
	if log == nil {
		log = logger.Discard()
	}
	s := &BreakerSet{
		logger:   log,
		now:      time.Now,
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BreakerSet) notify(route string, from, to domain.CircuitState) {
	for _, hook := range s.hooks {
		hook(route, from, to)
	}
}

// Get returns the breaker of a route, creating it in the closed state
func (s *BreakerSet) Get(route string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[route]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.breakers[route]; !ok {
		cb = newCircuitBreaker(route, s.config, s.logger, s.now, s.notify)
		s.breakers[route] = cb
	}
	return cb
}

// Lookup returns the breaker of a route without creating it
func (s *BreakerSet) Lookup(route string) (*CircuitBreaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.breakers[route]
	return cb, ok
}

// Reconfigure applies new thresholds to existing and future breakers
func (s *BreakerSet) Reconfigure(config domain.CircuitBreakerConfig) {
	s.mu.Lock()
	s.config = config
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.Unlock()

	for _, cb := range breakers {
		cb.reconfigure(config)
	}
}

// Config returns the configuration new breakers are created with
func (s *BreakerSet) Config() domain.CircuitBreakerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Snapshot returns every breaker ordered by route
func (s *BreakerSet) Snapshot() []BreakerSnapshot {
	s.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}
