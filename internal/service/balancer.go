package service

import (
	"sync"
	"sync/atomic"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
)

// RoundRobinBalancer implements domain.Balancer with one cursor per route.
// Selection is a single atomic add, so concurrent callers on the same route
// never observe the same cursor value.
type RoundRobinBalancer struct {
	cursors sync.Map // route -> *atomic.Uint64
}

// NewRoundRobinBalancer creates a balancer with no cursors
func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

func (b *RoundRobinBalancer) cursor(route string) *atomic.Uint64 {
	if c, ok := b.cursors.Load(route); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := b.cursors.LoadOrStore(route, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// Choose picks the next instance of the route. When the list length changes
// between calls the cursor simply wraps modulo the new length.
func (b *RoundRobinBalancer) Choose(route string, instances []domain.ServiceInstance) (domain.ServiceInstance, error) {
	if len(instances) == 0 {
		return domain.ServiceInstance{}, lberrors.NewEmptyRouteError(route)
	}

	next := b.cursor(route).Add(1)
	return instances[(next-1)%uint64(len(instances))], nil
}

// Position returns how many selections the route has served
func (b *RoundRobinBalancer) Position(route string) uint64 {
	if c, ok := b.cursors.Load(route); ok {
		return c.(*atomic.Uint64).Load()
	}
	return 0
}

// GetStats returns the cursor position of every route
func (b *RoundRobinBalancer) GetStats() map[string]interface{} {
	positions := make(map[string]uint64)
	b.cursors.Range(func(key, value interface{}) bool {
		positions[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return map[string]interface{}{
		"strategy": "round_robin",
		"cursors":  positions,
	}
}
