package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// RegistryAPI is the part of the registry protocol the agent needs
type RegistryAPI interface {
	Register(ctx context.Context, instance domain.ServiceInstance) (domain.RegisterResponse, error)
	Heartbeat(ctx context.Context, service, instanceID string) (domain.AckResponse, error)
	SetStatus(ctx context.Context, service, instanceID string, status domain.InstanceStatus) (domain.AckResponse, error)
	Deregister(ctx context.Context, service, instanceID string) error
}

// AgentConfig describes the instance an agent keeps registered
type AgentConfig struct {
	Instance domain.ServiceInstance
	// HeartbeatInterval defaults to a third of the lease
	HeartbeatInterval time.Duration
	// MaxRetryInterval caps the registration backoff
	MaxRetryInterval time.Duration
}

// Agent keeps one instance registered: it registers with exponential
// backoff, heartbeats at a fraction of the lease, re-registers when the
// registry has forgotten the instance and deregisters on Stop.
type Agent struct {
	api      RegistryAPI
	interval time.Duration
	maxRetry time.Duration
	logger   *logger.Logger

	instMu   sync.RWMutex
	instance domain.ServiceInstance

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	statsMu       sync.Mutex
	registrations int
	heartbeats    int
	failures      int
	lastHeartbeat time.Time
}

// NewAgent creates an agent for cfg.Instance. An empty instance id is
// replaced with a random one.
func NewAgent(api RegistryAPI, cfg AgentConfig, log *logger.Logger) (*Agent, error) {
	inst := cfg.Instance
	if inst.ServiceName == "" {
		return nil, fmt.Errorf("agent: service name is required")
	}
	if inst.Host == "" || inst.Port <= 0 {
		return nil, fmt.Errorf("agent: host and port are required")
	}
	if inst.Lease <= 0 {
		return nil, fmt.Errorf("agent: lease must be positive")
	}
	if inst.InstanceID == "" {
		inst.InstanceID = fmt.Sprintf("%s-%s", inst.ServiceName, uuid.NewString()[:8])
	}
	if inst.Status == "" {
		inst.Status = domain.StatusUp
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = inst.Lease / 3
	}
	maxRetry := cfg.MaxRetryInterval
	if maxRetry <= 0 {
		maxRetry = 30 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Agent{
		api:      api,
		instance: inst,
		interval: interval,
		maxRetry: maxRetry,
		logger:   log.AgentLogger(inst.ServiceName, inst.InstanceID),
		stopChan: make(chan struct{}),
	}, nil
}

// Instance returns the instance the agent registers
func (a *Agent) Instance() domain.ServiceInstance {
	a.instMu.RLock()
	defer a.instMu.RUnlock()
	return a.instance
}

func (a *Agent) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = a.maxRetry
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// register retries until the registry accepts the instance or ctx ends.
// A rejected (invalid) instance is not retried.
func (a *Agent) register(ctx context.Context) error {
	inst := a.Instance()
	op := func() error {
		resp, err := a.api.Register(ctx, inst)
		if err != nil {
			code := lberrors.GetErrorCode(err)
			if code == lberrors.ErrCodeInvalidRequest {
				return backoff.Permanent(err)
			}
			return err
		}

		a.statsMu.Lock()
		a.registrations++
		a.statsMu.Unlock()

		a.logger.WithFields(map[string]interface{}{
			"address":  inst.Address(),
			"lease":    inst.Lease.String(),
			"replaced": resp.Replaced,
		}).Info("Registered with registry")
		return nil
	}

	notify := func(err error, wait time.Duration) {
		a.recordFailure()
		a.logger.WithError(err).WithField("retry_in", wait.String()).Warn("Registration failed, retrying")
	}
	return backoff.RetryNotify(op, a.newBackOff(ctx), notify)
}

// Start registers the instance and begins heartbeating. It blocks until the
// first registration succeeds or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("agent is already running")
	}
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("initial registration: %w", err)
	}

	a.running = true
	a.wg.Add(1)
	go a.heartbeatLoop(ctx, a.stopChan)

	a.logger.Infof("Heartbeating every %v", a.interval)
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			a.beat(loopCtx)
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()

	inst := a.Instance()
	_, err := a.api.Heartbeat(hbCtx, inst.ServiceName, inst.InstanceID)
	if err == nil {
		a.statsMu.Lock()
		a.heartbeats++
		a.lastHeartbeat = time.Now()
		a.statsMu.Unlock()
		return
	}

	a.recordFailure()
	if errors.Is(err, lberrors.ErrInstanceNotFound) {
		a.logger.Warn("Registry no longer knows this instance, re-registering")
		if err := a.register(ctx); err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Error("Re-registration failed")
		}
		return
	}
	a.logger.WithError(err).Warn("Heartbeat failed")
}

func (a *Agent) recordFailure() {
	a.statsMu.Lock()
	a.failures++
	a.statsMu.Unlock()
}

// SetStatus reports a new status for the instance. Later re-registrations
// carry the new status.
func (a *Agent) SetStatus(ctx context.Context, status domain.InstanceStatus) error {
	inst := a.Instance()
	if _, err := a.api.SetStatus(ctx, inst.ServiceName, inst.InstanceID, status); err != nil {
		return err
	}
	a.instMu.Lock()
	a.instance.Status = status
	a.instMu.Unlock()
	a.logger.WithField("status", status).Info("Status reported")
	return nil
}

// Stop ends heartbeating and deregisters. An instance the registry no longer
// knows counts as deregistered.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	close(a.stopChan)
	a.wg.Wait()
	a.running = false
	a.stopChan = make(chan struct{})

	inst := a.Instance()
	err := a.api.Deregister(ctx, inst.ServiceName, inst.InstanceID)
	if err != nil && !errors.Is(err, lberrors.ErrInstanceNotFound) {
		return fmt.Errorf("deregister: %w", err)
	}
	a.logger.Info("Deregistered from registry")
	return nil
}

// GetStats returns agent counters
func (a *Agent) GetStats() map[string]interface{} {
	inst := a.Instance()
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return map[string]interface{}{
		"service":        inst.ServiceName,
		"instance_id":    inst.InstanceID,
		"registrations":  a.registrations,
		"heartbeats":     a.heartbeats,
		"failures":       a.failures,
		"last_heartbeat": a.lastHeartbeat,
	}
}
