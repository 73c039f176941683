package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// routeSnapshot is one immutable generation of the route table. Readers load
// it through an atomic pointer; refreshes build a new one and swap it in.
type routeSnapshot struct {
	routes      map[string][]domain.ServiceInstance
	instances   domain.Snapshot
	known       map[string]struct{}
	version     uint64
	refreshedAt time.Time
}

// RefreshListener is called after every successful refresh with the new view
type RefreshListener func(view RouteTableView)

// RouteTable is the gateway's eventually consistent view of the registry
type RouteTable struct {
	source    domain.SnapshotSource
	logger    *logger.Logger
	metrics   *Metrics
	now       func() time.Time
	listeners []RefreshListener

	table     atomic.Pointer[routeSnapshot]
	refreshMu sync.Mutex

	settingsMu sync.RWMutex
	settings   domain.RouteTableSettings

	mu       sync.Mutex
	running  bool
	resetCh  chan struct{}
	stopChan chan struct{}
	done     chan struct{}
}

// RouteTableOption configures a RouteTable
type RouteTableOption func(*RouteTable)

// WithRouteTableMetrics reports refreshes to m
func WithRouteTableMetrics(m *Metrics) RouteTableOption {
	return func(t *RouteTable) {
		t.metrics = m
	}
}

// WithRefreshListener registers a callback for successful refreshes
func WithRefreshListener(fn RefreshListener) RouteTableOption {
	return func(t *RouteTable) {
		t.listeners = append(t.listeners, fn)
	}
}

// NewRouteTable creates an empty route table fed by source
func NewRouteTable(source domain.SnapshotSource, settings domain.RouteTableSettings, log *logger.Logger, opts ...RouteTableOption) *RouteTable {
	if log == nil {
		log = logger.Discard()
	}
	t := &RouteTable{
		source:   source,
		logger:   log.RouteTableLogger(),
		now:      time.Now,
		settings: settings,
		resetCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve returns the routable instances of a service in stable order. The
// returned slice is shared and must not be modified.
func (t *RouteTable) Resolve(service string) ([]domain.ServiceInstance, error) {
	snap := t.table.Load()
	if snap == nil {
		// nothing loaded yet: an availability problem, not a client error
		return nil, lberrors.NewEmptyRouteError(service)
	}

	if instances := snap.routes[service]; len(instances) > 0 {
		return instances, nil
	}
	if _, ok := snap.known[service]; ok {
		return nil, lberrors.NewEmptyRouteError(service)
	}
	return nil, lberrors.NewUnknownServiceError(service)
}

// Refresh pulls a snapshot and atomically replaces the table. On error the
// previous table stays in place.
func (t *RouteTable) Refresh(ctx context.Context) error {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	settings := t.Settings()
	if settings.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.RequestTimeout)
		defer cancel()
	}

	snapshot, err := t.source.Snapshot(ctx)
	if err != nil {
		t.metrics.RecordRefresh(false, 0)
		return fmt.Errorf("route table refresh: %w", err)
	}

	prev := t.table.Load()
	next := buildRouteSnapshot(prev, snapshot, t.now())
	t.table.Store(next)
	t.metrics.RecordRefresh(true, len(next.known))

	t.logger.WithFields(map[string]interface{}{
		"version":   next.version,
		"services":  len(next.known),
		"instances": snapshot.InstanceCount(),
	}).Debug("Route table refreshed")

	if prev != nil {
		logRouteChanges(t.logger, prev, next)
	}

	view := next.view()
	for _, fn := range t.listeners {
		fn(view)
	}
	return nil
}

func buildRouteSnapshot(prev *routeSnapshot, snapshot domain.Snapshot, now time.Time) *routeSnapshot {
	next := &routeSnapshot{
		routes:      make(map[string][]domain.ServiceInstance, len(snapshot)),
		instances:   make(domain.Snapshot, len(snapshot)),
		known:       make(map[string]struct{}, len(snapshot)),
		refreshedAt: now,
	}
	if prev != nil {
		next.version = prev.version
		for name := range prev.known {
			next.known[name] = struct{}{}
		}
	}
	next.version++

	for name, instances := range snapshot {
		next.known[name] = struct{}{}

		all := make([]domain.ServiceInstance, len(instances))
		copy(all, instances)
		domain.SortInstances(all)
		next.instances[name] = all

		routable := make([]domain.ServiceInstance, 0, len(all))
		for _, inst := range all {
			if inst.IsRoutable() {
				routable = append(routable, inst)
			}
		}
		next.routes[name] = routable
	}
	return next
}

func logRouteChanges(log *logger.Logger, prev, next *routeSnapshot) {
	for name, instances := range next.routes {
		if before := len(prev.routes[name]); before != len(instances) {
			log.WithFields(map[string]interface{}{
				"service": name,
				"before":  before,
				"after":   len(instances),
			}).Info("Route membership changed")
		}
	}
}

// Ready reports whether at least one refresh has succeeded
func (t *RouteTable) Ready() bool {
	return t.table.Load() != nil
}

// RouteTableView is a read-only dump of the table for admin and health
type RouteTableView struct {
	Version     uint64                             `json:"version"`
	RefreshedAt time.Time                          `json:"refreshed_at"`
	Routes      map[string][]domain.InstanceRecord `json:"routes"`
	Routable    map[string]int                     `json:"routable"`
	Known       []string                           `json:"known"`
}

func (s *routeSnapshot) view() RouteTableView {
	v := RouteTableView{
		Version:     s.version,
		RefreshedAt: s.refreshedAt,
		Routes:      make(map[string][]domain.InstanceRecord, len(s.instances)),
		Routable:    make(map[string]int, len(s.known)),
		Known:       make([]string, 0, len(s.known)),
	}
	for name, instances := range s.instances {
		records := make([]domain.InstanceRecord, 0, len(instances))
		for _, inst := range instances {
			records = append(records, domain.NewInstanceRecord(inst))
		}
		v.Routes[name] = records
	}
	for name := range s.known {
		v.Known = append(v.Known, name)
		v.Routable[name] = len(s.routes[name])
	}
	sort.Strings(v.Known)
	return v
}

// View returns the current table, or an empty view before the first refresh
func (t *RouteTable) View() RouteTableView {
	snap := t.table.Load()
	if snap == nil {
		return RouteTableView{
			Routes:   map[string][]domain.InstanceRecord{},
			Routable: map[string]int{},
			Known:    []string{},
		}
	}
	return snap.view()
}

// Settings returns the current refresh settings
func (t *RouteTable) Settings() domain.RouteTableSettings {
	t.settingsMu.RLock()
	defer t.settingsMu.RUnlock()
	return t.settings
}

// UpdateSettings changes the refresh interval of a running table
func (t *RouteTable) UpdateSettings(settings domain.RouteTableSettings) {
	t.settingsMu.Lock()
	changed := t.settings.RefreshInterval != settings.RefreshInterval
	t.settings = settings
	t.settingsMu.Unlock()

	if changed {
		select {
		case t.resetCh <- struct{}{}:
		default:
		}
	}
}

// Start performs an initial refresh and then refreshes on a fixed interval
func (t *RouteTable) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("route table is already refreshing")
	}
	if t.Settings().RefreshInterval <= 0 {
		return fmt.Errorf("route table refresh interval must be positive")
	}

	if err := t.Refresh(ctx); err != nil {
		t.logger.WithError(err).Warn("Initial route table refresh failed")
	}

	t.running = true
	stop, done := make(chan struct{}), make(chan struct{})
	t.stopChan, t.done = stop, done
	go func() {
		defer close(done)
		t.refreshLoop(ctx, stop)
	}()

	t.logger.Infof("Route table refreshing every %v", t.Settings().RefreshInterval)
	return nil
}

func (t *RouteTable) refreshLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(t.Settings().RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.resetCh:
			ticker.Reset(t.Settings().RefreshInterval)
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.logger.WithError(err).Warn("Route table refresh failed, keeping previous table")
			}
		}
	}
}

// Stop ends the refresh loop
func (t *RouteTable) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	close(t.stopChan)
	t.running = false

	select {
	case <-t.done:
	case <-ctx.Done():
		t.logger.WithError(ctx.Err()).Warn("Route table refresh loop did not stop in time")
		return ctx.Err()
	}

	t.logger.Info("Route table stopped")
	return nil
}

// Services returns every service name the table has seen, sorted
func (t *RouteTable) Services() []string {
	return t.View().Known
}
