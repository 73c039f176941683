package repository

import (
	"sort"
	"sync"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
)

// InMemoryInstanceStore implements domain.InstanceStore. Locking is sharded
// per service name: the outer lock only guards the bucket map, each bucket
// serializes the records of one service.
type InMemoryInstanceStore struct {
	mu      sync.RWMutex
	buckets map[string]*serviceBucket
	now     func() time.Time
}

type serviceBucket struct {
	mu        sync.Mutex
	instances map[string]*domain.ServiceInstance
}

// StoreOption configures an InMemoryInstanceStore
type StoreOption func(*InMemoryInstanceStore)

// WithClock replaces time.Now as the store's clock
func WithClock(now func() time.Time) StoreOption {
	return func(s *InMemoryInstanceStore) {
		s.now = now
	}
}

// NewInMemoryInstanceStore creates an empty instance store
func NewInMemoryInstanceStore(opts ...StoreOption) *InMemoryInstanceStore {
	s := &InMemoryInstanceStore{
		buckets: make(map[string]*serviceBucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// bucket returns the bucket of a service. Buckets are never removed, which is
// how the store remembers every service name it has seen.
func (s *InMemoryInstanceStore) bucket(service string, create bool) *serviceBucket {
	s.mu.RLock()
	b, ok := s.buckets[service]
	s.mu.RUnlock()
	if ok || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[service]; !ok {
		b = &serviceBucket{instances: make(map[string]*domain.ServiceInstance)}
		s.buckets[service] = b
	}
	return b
}

func (s *InMemoryInstanceStore) allBuckets() map[string]*serviceBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*serviceBucket, len(s.buckets))
	for name, b := range s.buckets {
		out[name] = b
	}
	return out
}

// Register inserts or overwrites an instance and resets its lease
func (s *InMemoryInstanceStore) Register(instance domain.ServiceInstance) (domain.ServiceInstance, bool, error) {
	if instance.ServiceName == "" {
		return domain.ServiceInstance{}, false, lberrors.NewInvalidRequestError("service", "must not be empty")
	}
	if instance.InstanceID == "" {
		return domain.ServiceInstance{}, false, lberrors.NewInvalidRequestError("instanceId", "must not be empty")
	}
	if instance.Lease <= 0 {
		return domain.ServiceInstance{}, false, lberrors.NewInvalidRequestError("lease", "must be positive")
	}
	if instance.Status == "" {
		instance.Status = domain.StatusUp
	}

	b := s.bucket(instance.ServiceName, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.now()
	stored := instance.Clone()
	stored.RegisteredAt = now
	stored.LastHeartbeat = now

	existing, ok := b.instances[instance.InstanceID]
	replaced := ok && !existing.IsExpired(now)
	if replaced {
		stored.RegisteredAt = existing.RegisteredAt
	}
	b.instances[instance.InstanceID] = &stored

	return stored.Clone(), replaced, nil
}

// live returns the record for id if it exists and its lease has not lapsed.
// The caller holds b.mu.
func (b *serviceBucket) live(id string, now time.Time) (*domain.ServiceInstance, bool) {
	inst, ok := b.instances[id]
	if !ok || inst.IsExpired(now) {
		return nil, false
	}
	return inst, true
}

// Heartbeat renews the lease of a live instance
func (s *InMemoryInstanceStore) Heartbeat(service, instanceID string) (domain.ServiceInstance, error) {
	b := s.bucket(service, false)
	if b == nil {
		return domain.ServiceInstance{}, lberrors.NewInstanceNotFoundError(service, instanceID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.now()
	inst, ok := b.live(instanceID, now)
	if !ok {
		return domain.ServiceInstance{}, lberrors.NewInstanceNotFoundError(service, instanceID)
	}
	inst.LastHeartbeat = now
	return inst.Clone(), nil
}

// SetStatus changes the status of a live instance without touching its lease
func (s *InMemoryInstanceStore) SetStatus(service, instanceID string, status domain.InstanceStatus) (domain.ServiceInstance, domain.InstanceStatus, error) {
	b := s.bucket(service, false)
	if b == nil {
		return domain.ServiceInstance{}, "", lberrors.NewInstanceNotFoundError(service, instanceID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.live(instanceID, s.now())
	if !ok {
		return domain.ServiceInstance{}, "", lberrors.NewInstanceNotFoundError(service, instanceID)
	}
	previous := inst.Status
	inst.Status = status
	return inst.Clone(), previous, nil
}

// Deregister removes a live instance
func (s *InMemoryInstanceStore) Deregister(service, instanceID string) (domain.ServiceInstance, error) {
	b := s.bucket(service, false)
	if b == nil {
		return domain.ServiceInstance{}, lberrors.NewInstanceNotFoundError(service, instanceID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.live(instanceID, s.now())
	if !ok {
		// an expired record is as good as gone; drop it now
		delete(b.instances, instanceID)
		return domain.ServiceInstance{}, lberrors.NewInstanceNotFoundError(service, instanceID)
	}
	delete(b.instances, instanceID)
	return inst.Clone(), nil
}

// collect returns the non-expired instances of a bucket, ordered by id
func (b *serviceBucket) collect(now time.Time) []domain.ServiceInstance {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.ServiceInstance, 0, len(b.instances))
	for _, inst := range b.instances {
		if !inst.IsExpired(now) {
			out = append(out, inst.Clone())
		}
	}
	domain.SortInstances(out)
	return out
}

// Snapshot returns every known service with its non-expired instances
func (s *InMemoryInstanceStore) Snapshot() domain.Snapshot {
	now := s.now()
	buckets := s.allBuckets()

	snapshot := make(domain.Snapshot, len(buckets))
	for name, b := range buckets {
		snapshot[name] = b.collect(now)
	}
	return snapshot
}

// Instances returns the non-expired instances of one service. known is false
// for a service name that was never registered.
func (s *InMemoryInstanceStore) Instances(service string) ([]domain.ServiceInstance, bool) {
	b := s.bucket(service, false)
	if b == nil {
		return nil, false
	}
	return b.collect(s.now()), true
}

// Evict removes expired records and returns them ordered by service and id
func (s *InMemoryInstanceStore) Evict() []domain.ServiceInstance {
	now := s.now()
	var evicted []domain.ServiceInstance

	for _, b := range s.allBuckets() {
		evicted = b.evictExpired(now, evicted)
	}

	sort.Slice(evicted, func(i, j int) bool {
		if evicted[i].ServiceName != evicted[j].ServiceName {
			return evicted[i].ServiceName < evicted[j].ServiceName
		}
		return evicted[i].InstanceID < evicted[j].InstanceID
	})
	return evicted
}

// evictExpired deletes the bucket's expired records and appends them to out
func (b *serviceBucket) evictExpired(now time.Time, out []domain.ServiceInstance) []domain.ServiceInstance {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, inst := range b.instances {
		if inst.IsExpired(now) {
			out = append(out, inst.Clone())
			delete(b.instances, id)
		}
	}
	return out
}

func (b *serviceBucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// Count returns the number of stored records, expired or not
func (s *InMemoryInstanceStore) Count() int {
	n := 0
	for _, b := range s.allBuckets() {
		n += b.size()
	}
	return n
}
