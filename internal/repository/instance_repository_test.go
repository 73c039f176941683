package repository

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared by store tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testInstance(service, id string, lease time.Duration) domain.ServiceInstance {
	return domain.ServiceInstance{
		ServiceName: service,
		InstanceID:  id,
		Host:        "10.0.0.1",
		Port:        8080,
		Lease:       lease,
	}
}

func TestRegisterAppearsInSnapshot(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryInstanceStore(WithClock(clock.Now))

	stored, replaced, err := store.Register(testInstance("menu", "a", 10*time.Second))
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, domain.StatusUp, stored.Status)
	assert.Equal(t, clock.Now(), stored.LastHeartbeat)

	snapshot := store.Snapshot()
	require.Len(t, snapshot["menu"], 1)
	assert.Equal(t, "a", snapshot["menu"][0].InstanceID)
}

func TestReRegisterIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryInstanceStore(WithClock(clock.Now))

	_, _, err := store.Register(testInstance("menu", "a", 10*time.Second))
	require.NoError(t, err)
	firstRegistered := clock.Now()

	clock.Advance(3 * time.Second)
	moved := testInstance("menu", "a", 10*time.Second)
	moved.Host = "10.0.0.2"
	stored, replaced, err := store.Register(moved)
	require.NoError(t, err)

	assert.True(t, replaced)
	assert.Equal(t, firstRegistered, stored.RegisteredAt)
	assert.Equal(t, clock.Now(), stored.LastHeartbeat, "re-registration resets the lease")

	instances := store.Snapshot()["menu"]
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.2", instances[0].Host)
}

func TestHeartbeatsKeepInstanceAlive(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryInstanceStore(WithClock(clock.Now))
	_, _, err := store.Register(testInstance("menu", "a", 10*time.Second))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(8 * time.Second)
		_, err := store.Heartbeat("menu", "a")
		require.NoError(t, err)
		assert.Len(t, store.Snapshot()["menu"], 1)
	}
}

func TestExpiredInstanceExcludedBeforeSweep(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryInstanceStore(WithClock(clock.Now))
	_, _, err := store.Register(testInstance("menu", "a", 10*time.Second))
	require.NoError(t, err)
	_, _, err = store.Register(testInstance("menu", "b", 10*time.Second))
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	_, err = store.Heartbeat("menu", "b")
	require.NoError(t, err)
	clock.Advance(5 * time.Second)

	instances, known := store.Instances("menu")
	require.True(t, known)
	require.Len(t, instances, 1)
	assert.Equal(t, "b", instances[0].InstanceID)
	assert.Equal(t, 2, store.Count(), "physical removal waits for the sweep")

	evicted := store.Evict()
	require.Len(t, evicted, 1)
	assert.Equal(t, "a", evicted[0].InstanceID)
	assert.Equal(t, 1, store.Count())
}

func TestHeartbeatUnknownOrExpiredReturnsNotFound(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryInstanceStore(WithClock(clock.Now))

	_, err := store.Heartbeat("menu", "ghost")
	assert.ErrorIs(t, err, lberrors.ErrInstanceNotFound)

	_, _, err = store.Register(testInstance("menu", "a", 10*time.Second))
	require.NoError(t, err)
	clock.Advance(11 * time.Second)

	_, err = store.Heartbeat("menu", "a")
	assert.ErrorIs(t, err, lberrors.ErrInstanceNotFound, "a lapsed lease must be re-registered")
}

func TestDeregister(t *testing.T) {
	t.Parallel()

	store := NewInMemoryInstanceStore()
	_, _, err := store.Register(testInstance("menu", "a", 10*time.Second))
	require.NoError(t, err)

	removed, err := store.Deregister("menu", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", removed.InstanceID)

	_, err = store.Deregister("menu", "a")
	assert.ErrorIs(t, err, lberrors.ErrInstanceNotFound)

	instances, known := store.Instances("menu")
	assert.True(t, known, "a deregistered service stays known")
	assert.Empty(t, instances)

	_, known = store.Instances("dish")
	assert.False(t, known)
}

func TestSetStatusKeepsLease(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryInstanceStore(WithClock(clock.Now))
	registered, _, err := store.Register(testInstance("menu", "a", 10*time.Second))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	updated, previous, err := store.SetStatus("menu", "a", domain.StatusDown)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUp, previous)
	assert.Equal(t, domain.StatusDown, updated.Status)
	assert.Equal(t, registered.LastHeartbeat, updated.LastHeartbeat)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	store := NewInMemoryInstanceStore()

	_, _, err := store.Register(testInstance("", "a", time.Second))
	assert.ErrorIs(t, err, lberrors.ErrInvalidRequest)
	_, _, err = store.Register(testInstance("menu", "", time.Second))
	assert.ErrorIs(t, err, lberrors.ErrInvalidRequest)
	_, _, err = store.Register(testInstance("menu", "a", 0))
	assert.ErrorIs(t, err, lberrors.ErrInvalidRequest)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	store := NewInMemoryInstanceStore()
	inst := testInstance("menu", "a", time.Minute)
	inst.Metadata = map[string]string{"zone": "eu-1"}
	_, _, err := store.Register(inst)
	require.NoError(t, err)

	snapshot := store.Snapshot()
	snapshot["menu"][0].Metadata["zone"] = "mutated"
	snapshot["menu"][0].Host = "mutated"

	again := store.Snapshot()
	assert.Equal(t, "eu-1", again["menu"][0].Metadata["zone"])
	assert.Equal(t, "10.0.0.1", again["menu"][0].Host)
}

func TestConcurrentRegistrationsAcrossServices(t *testing.T) {
	t.Parallel()

	store := NewInMemoryInstanceStore()

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(s, i int) {
				defer wg.Done()
				service := fmt.Sprintf("svc-%d", s)
				id := fmt.Sprintf("inst-%d", i%5)
				_, _, err := store.Register(testInstance(service, id, time.Minute))
				assert.NoError(t, err)
				_, _ = store.Heartbeat(service, id)
			}(s, i)
		}
	}
	wg.Wait()

	snapshot := store.Snapshot()
	assert.Len(t, snapshot, 8)
	for _, instances := range snapshot {
		assert.Len(t, instances, 5, "duplicate ids collapse into one entry")
	}
}
