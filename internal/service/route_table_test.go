package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a configurable snapshot
type fakeSource struct {
	mu       sync.Mutex
	snapshot domain.Snapshot
	err      error
	calls    atomic.Int32
}

func (f *fakeSource) set(s domain.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot, f.err = s, err
}

func (f *fakeSource) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func tableSettings() domain.RouteTableSettings {
	return domain.RouteTableSettings{RefreshInterval: time.Hour, RequestTimeout: time.Second}
}

// TestRouteTableResolveBeforeFirstRefresh checks the not-ready answer
func TestRouteTableResolveBeforeFirstRefresh(t *testing.T) {
	t.Parallel()

	table := NewRouteTable(&fakeSource{}, tableSettings(), nil)
	assert.False(t, table.Ready())

	_, err := table.Resolve("menu")
	assert.ErrorIs(t, err, lberrors.ErrEmptyRoute)
	assert.Empty(t, table.View().Known)
}

// TestRouteTableResolve covers routable, empty and unknown services
func TestRouteTableResolve(t *testing.T) {
	t.Parallel()

	down := testInstances("orders", 1)
	down[0].Status = domain.StatusDown

	source := &fakeSource{}
	source.set(domain.Snapshot{
		"menu":    testInstances("menu", 2),
		"orders":  down,
		"billing": {},
	}, nil)

	table := NewRouteTable(source, tableSettings(), nil)
	require.NoError(t, table.Refresh(context.Background()))
	assert.True(t, table.Ready())

	instances, err := table.Resolve("menu")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	_, err = table.Resolve("orders")
	assert.ErrorIs(t, err, lberrors.ErrEmptyRoute, "known service with only DOWN instances")

	_, err = table.Resolve("billing")
	assert.ErrorIs(t, err, lberrors.ErrEmptyRoute, "known service with no instances")

	_, err = table.Resolve("unknown")
	assert.ErrorIs(t, err, lberrors.ErrUnknownService)
}

// TestRouteTableOrderIsStable checks that instances are sorted by id
func TestRouteTableOrderIsStable(t *testing.T) {
	t.Parallel()

	instances := testInstances("menu", 3)
	instances[0], instances[2] = instances[2], instances[0]

	source := &fakeSource{}
	source.set(domain.Snapshot{"menu": instances}, nil)
	table := NewRouteTable(source, tableSettings(), nil)
	require.NoError(t, table.Refresh(context.Background()))

	resolved, err := table.Resolve("menu")
	require.NoError(t, err)
	assert.Equal(t, "menu-1", resolved[0].InstanceID)
	assert.Equal(t, "menu-3", resolved[2].InstanceID)
	assert.Equal(t, "menu-3", instances[0].InstanceID, "the source snapshot is not mutated")
}

// TestRouteTableKeepsTableOnFailure checks that a failed refresh changes nothing
func TestRouteTableKeepsTableOnFailure(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	source.set(domain.Snapshot{"menu": testInstances("menu", 2)}, nil)
	metrics := NewMetrics()
	table := NewRouteTable(source, tableSettings(), nil, WithRouteTableMetrics(metrics))
	require.NoError(t, table.Refresh(context.Background()))
	version := table.View().Version

	source.set(nil, lberrors.NewError(lberrors.ErrCodeRegistryUnavailable, "test", "registry down"))
	err := table.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lberrors.ErrRegistryUnavailable)

	instances, err := table.Resolve("menu")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
	assert.Equal(t, version, table.View().Version)
}

// TestRouteTableRemembersServices checks that known services survive a refresh
// that no longer lists them
func TestRouteTableRemembersServices(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	source.set(domain.Snapshot{"menu": testInstances("menu", 1)}, nil)
	table := NewRouteTable(source, tableSettings(), nil)
	require.NoError(t, table.Refresh(context.Background()))

	source.set(domain.Snapshot{}, nil)
	require.NoError(t, table.Refresh(context.Background()))

	_, err := table.Resolve("menu")
	assert.ErrorIs(t, err, lberrors.ErrEmptyRoute)
	assert.Equal(t, []string{"menu"}, table.View().Known)
}

// TestRouteTableConcurrentReadsDuringSwap checks readers always see a whole table
func TestRouteTableConcurrentReadsDuringSwap(t *testing.T) {
	t.Parallel()

	two := domain.Snapshot{"menu": testInstances("menu", 2), "orders": testInstances("orders", 2)}
	four := domain.Snapshot{"menu": testInstances("menu", 4), "orders": testInstances("orders", 4)}

	source := &fakeSource{}
	source.set(two, nil)
	table := NewRouteTable(source, tableSettings(), nil)
	require.NoError(t, table.Refresh(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				source.set(four, nil)
			} else {
				source.set(two, nil)
			}
			_ = table.Refresh(context.Background())
		}
	}()

	for i := 0; i < 2000; i++ {
		view := table.View()
		assert.Equal(t, view.Routable["menu"], view.Routable["orders"], "a view never mixes two refreshes")
		instances, err := table.Resolve("menu")
		require.NoError(t, err)
		assert.Contains(t, []int{2, 4}, len(instances))
	}
	cancel()
	wg.Wait()
}

// TestRouteTableListenerAndLoop covers Start, listeners and Stop
func TestRouteTableListenerAndLoop(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	source.set(domain.Snapshot{"menu": testInstances("menu", 1)}, nil)

	views := make(chan RouteTableView, 16)
	settings := domain.RouteTableSettings{RefreshInterval: 10 * time.Millisecond}
	table := NewRouteTable(source, settings, nil, WithRefreshListener(func(v RouteTableView) {
		select {
		case views <- v:
		default:
		}
	}))

	require.NoError(t, table.Start(context.Background()))
	assert.Error(t, table.Start(context.Background()), "second start is rejected")

	first := <-views
	assert.Equal(t, uint64(1), first.Version, "Start refreshes synchronously")

	require.Eventually(t, func() bool { return source.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, table.Stop(context.Background()))
	calls := source.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, source.calls.Load(), "no refreshes after Stop")
}

// TestRouteTableUpdateSettings checks the interval change is picked up
func TestRouteTableUpdateSettings(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	source.set(domain.Snapshot{}, nil)
	table := NewRouteTable(source, tableSettings(), nil)
	require.NoError(t, table.Start(context.Background()))
	defer table.Stop(context.Background())

	initial := source.calls.Load()
	table.UpdateSettings(domain.RouteTableSettings{RefreshInterval: 10 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, table.Settings().RefreshInterval)

	require.Eventually(t, func() bool { return source.calls.Load() > initial+2 }, 2*time.Second, 5*time.Millisecond)
}

// TestRouteTableRefreshTimeout checks the per-refresh deadline
func TestRouteTableRefreshTimeout(t *testing.T) {
	t.Parallel()

	blocking := domain.SnapshotSource(snapshotFunc(func(ctx context.Context) (domain.Snapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	table := NewRouteTable(blocking, domain.RouteTableSettings{
		RefreshInterval: time.Hour,
		RequestTimeout:  20 * time.Millisecond,
	}, nil)

	err := table.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type snapshotFunc func(ctx context.Context) (domain.Snapshot, error)

func (f snapshotFunc) Snapshot(ctx context.Context) (domain.Snapshot, error) { return f(ctx) }

// stallingSource answers the first snapshot and stalls on the rest until released
type stallingSource struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingSource) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if s.calls.Add(1) > 1 {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return domain.Snapshot{}, nil
}

// TestRouteTableStopAfterTimeout checks an abandoned Stop can be repeated and
// the table restarted
func TestRouteTableStopAfterTimeout(t *testing.T) {
	t.Parallel()

	source := &stallingSource{entered: make(chan struct{}), release: make(chan struct{})}
	table := NewRouteTable(source, domain.RouteTableSettings{RefreshInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, table.Start(context.Background()))
	<-source.entered

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, table.Stop(expired), context.Canceled)
	assert.NotPanics(t, func() {
		assert.NoError(t, table.Stop(context.Background()))
	})

	close(source.release)
	require.NoError(t, table.Start(context.Background()))
	require.NoError(t, table.Stop(context.Background()))
}
