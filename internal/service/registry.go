package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

const (
	eventQueueSize   = 1024
	sinkPublishLimit = 2 * time.Second
)

// Registry coordinates the instance store, the lease sweep and the event
// sinks. It is the process-scoped registry state: built once at startup,
// started, and stopped on shutdown.
type Registry struct {
	store   domain.InstanceStore
	sinks   []domain.EventSink
	logger  *logger.Logger
	metrics *Metrics
	now     func() time.Time

	settingsMu sync.RWMutex
	settings   domain.RegistrySettings

	events   chan domain.RegistryEvent
	resetCh  chan struct{}
	stopChan chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	running bool
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithEventSinks delivers registry events to the given sinks
func WithEventSinks(sinks ...domain.EventSink) RegistryOption {
	return func(r *Registry) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithRegistryMetrics reports registry activity to m
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRegistryClock replaces time.Now for event timestamps
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry around store
func NewRegistry(store domain.InstanceStore, settings domain.RegistrySettings, log *logger.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	r := &Registry{
		store:    store,
		logger:   log.RegistryLogger(),
		now:      time.Now,
		settings: settings,
		events:   make(chan domain.RegistryEvent, eventQueueSize),
		resetCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settings returns the current lease and sweep settings
func (r *Registry) Settings() domain.RegistrySettings {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()
	return r.settings
}

// UpdateSettings applies new lease and sweep settings to a running registry.
// Existing leases keep the duration they were registered with.
func (r *Registry) UpdateSettings(settings domain.RegistrySettings) {
	r.settingsMu.Lock()
	changed := r.settings.SweepInterval != settings.SweepInterval
	r.settings = settings
	r.settingsMu.Unlock()

	if changed {
		select {
		case r.resetCh <- struct{}{}:
		default:
		}
	}
}

// Register adds or overwrites an instance. A zero lease takes the default.
func (r *Registry) Register(ctx context.Context, instance domain.ServiceInstance) (domain.ServiceInstance, bool, error) {
	settings := r.Settings()
	if instance.Lease == 0 {
		instance.Lease = settings.DefaultLease
	}
	if instance.Lease < 0 {
		return domain.ServiceInstance{}, false, lberrors.NewInvalidRequestError("leaseSeconds", "must not be negative")
	}
	if settings.MaxLease > 0 && instance.Lease > settings.MaxLease {
		return domain.ServiceInstance{}, false, lberrors.NewInvalidRequestError(
			"leaseSeconds", fmt.Sprintf("must not exceed %v", settings.MaxLease))
	}

	stored, replaced, err := r.store.Register(instance)
	if err != nil {
		return domain.ServiceInstance{}, false, err
	}

	r.logger.WithFields(map[string]interface{}{
		"service":     stored.ServiceName,
		"instance_id": stored.InstanceID,
		"address":     stored.Address(),
		"status":      stored.Status,
		"lease":       stored.Lease.String(),
		"replaced":    replaced,
	}).Info("Instance registered")

	event := domain.NewRegistryEvent(domain.EventRegistered, stored, r.now())
	event.Replaced = replaced
	r.emit(event)
	return stored, replaced, nil
}

// Heartbeat renews an instance's lease
func (r *Registry) Heartbeat(ctx context.Context, service, instanceID string) (domain.ServiceInstance, error) {
	renewed, err := r.store.Heartbeat(service, instanceID)
	if err != nil {
		r.logger.WithFields(map[string]interface{}{
			"service":     service,
			"instance_id": instanceID,
		}).Debug("Heartbeat for unknown instance")
		return domain.ServiceInstance{}, err
	}

	r.logger.WithFields(map[string]interface{}{
		"service":     service,
		"instance_id": instanceID,
	}).Debug("Heartbeat received")

	r.emit(domain.NewRegistryEvent(domain.EventRenewed, renewed, r.now()))
	return renewed, nil
}

// SetStatus changes an instance's reported status
func (r *Registry) SetStatus(ctx context.Context, service, instanceID string, status domain.InstanceStatus) (domain.ServiceInstance, error) {
	updated, previous, err := r.store.SetStatus(service, instanceID, status)
	if err != nil {
		return domain.ServiceInstance{}, err
	}
	if previous == status {
		return updated, nil
	}

	r.logger.WithFields(map[string]interface{}{
		"service":     service,
		"instance_id": instanceID,
		"from":        previous,
		"to":          status,
	}).Info("Instance status changed")

	event := domain.NewRegistryEvent(domain.EventStatusChanged, updated, r.now())
	event.PreviousStatus = previous
	r.emit(event)
	return updated, nil
}

// Deregister removes an instance
func (r *Registry) Deregister(ctx context.Context, service, instanceID string) (domain.ServiceInstance, error) {
	removed, err := r.store.Deregister(service, instanceID)
	if err != nil {
		return domain.ServiceInstance{}, err
	}

	r.logger.WithFields(map[string]interface{}{
		"service":     service,
		"instance_id": instanceID,
	}).Info("Instance deregistered")

	r.emit(domain.NewRegistryEvent(domain.EventDeregistered, removed, r.now()))
	return removed, nil
}

// Snapshot returns every known service with its live instances
func (r *Registry) Snapshot() domain.Snapshot {
	snapshot := r.store.Snapshot()
	r.metrics.SetInstances(snapshot)
	return snapshot
}

// Instances returns the live instances of one service
func (r *Registry) Instances(service string) ([]domain.ServiceInstance, error) {
	instances, known := r.store.Instances(service)
	if !known {
		return nil, lberrors.NewUnknownServiceError(service)
	}
	return instances, nil
}

// Restore re-registers instances recovered from a mirror with a fresh lease.
// Leases longer than the current maximum are clamped.
func (r *Registry) Restore(ctx context.Context, instances []domain.ServiceInstance) int {
	settings := r.Settings()
	restored := 0
	for _, inst := range instances {
		if settings.MaxLease > 0 && inst.Lease > settings.MaxLease {
			inst.Lease = settings.MaxLease
		}
		if _, _, err := r.Register(ctx, inst); err != nil {
			r.logger.WithError(err).WithField("instance", inst.Key().String()).Warn("Skipping mirrored instance")
			continue
		}
		restored++
	}
	return restored
}

// Sweep physically removes expired instances and emits EXPIRED for each. A
// panic inside the sweep is recovered so one bad tick pauses rather than
// kills the registry.
func (r *Registry) Sweep() (expired []domain.ServiceInstance) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("panic", rec).Error("Lease sweep failed, skipping this tick")
			expired = nil
		}
	}()

	expired = r.store.Evict()
	now := r.now()
	for _, inst := range expired {
		r.logger.WithFields(map[string]interface{}{
			"service":        inst.ServiceName,
			"instance_id":    inst.InstanceID,
			"last_heartbeat": inst.LastHeartbeat,
		}).Warn("Instance lease expired")
		r.emit(domain.NewRegistryEvent(domain.EventExpired, inst, now))
	}
	r.metrics.RecordSweep()
	return expired
}

// emit queues an event for the sinks without blocking the caller
func (r *Registry) emit(event domain.RegistryEvent) {
	r.metrics.RecordEvent(event.Type)
	if len(r.sinks) == 0 {
		return
	}

	select {
	case r.events <- event:
	default:
		r.metrics.RecordDroppedEvent()
		r.logger.WithField("type", event.Type).Warn("Registry event queue full, dropping event")
	}
}

func (r *Registry) dispatch(ctx context.Context, event domain.RegistryEvent) {
	for _, sink := range r.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, sinkPublishLimit)
		if err := sink.Publish(sinkCtx, event); err != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"sink":     sink.Name(),
				"type":     event.Type,
				"instance": event.Instance.ServiceName + "/" + event.Instance.InstanceID,
			}).Warn("Failed to publish registry event")
		}
		cancel()
	}
}

func (r *Registry) dispatchLoop(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case event := <-r.events:
			r.dispatch(ctx, event)
		case <-stop:
			r.drain()
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain flushes queued events during shutdown
func (r *Registry) drain() {
	ctx := context.Background()
	for {
		select {
		case event := <-r.events:
			r.dispatch(ctx, event)
		default:
			return
		}
	}
}

func (r *Registry) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.Settings().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-r.resetCh:
			ticker.Reset(r.Settings().SweepInterval)
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Start launches the sweep and event dispatch loops
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("registry is already running")
	}
	if r.Settings().SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	r.running = true
	stop, done := make(chan struct{}), make(chan struct{})
	r.stopChan, r.done = stop, done

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx, stop)
	}()
	go func() {
		defer wg.Done()
		r.dispatchLoop(ctx, stop)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	r.logger.WithFields(map[string]interface{}{
		"sweep_interval": r.Settings().SweepInterval.String(),
		"default_lease":  r.Settings().DefaultLease.String(),
		"sinks":          len(r.sinks),
	}).Info("Registry started")
	return nil
}

// Running reports whether the sweep loop is active
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop ends both loops, flushing queued events first. The loops are
// signalled even when ctx expires before they exit, so a later Stop is a
// no-op and a later Start launches fresh loops.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	close(r.stopChan)
	r.running = false

	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.WithError(ctx.Err()).Warn("Registry loops did not stop in time")
		return ctx.Err()
	}

	r.logger.Info("Registry stopped")
	return nil
}
