package domain

import "context"

// InstanceStore is the registry's table of service instances. Every read
// excludes instances whose lease has lapsed, whether or not they have been
// swept yet.
type InstanceStore interface {
	// Register inserts or overwrites (service, id) and resets its lease.
	// replaced is true when a live entry was overwritten.
	Register(instance ServiceInstance) (stored ServiceInstance, replaced bool, err error)
	Heartbeat(service, instanceID string) (ServiceInstance, error)
	SetStatus(service, instanceID string, status InstanceStatus) (updated ServiceInstance, previous InstanceStatus, err error)
	Deregister(service, instanceID string) (ServiceInstance, error)
	Snapshot() Snapshot
	Instances(service string) ([]ServiceInstance, bool)
	// Evict physically removes expired entries and returns them
	Evict() []ServiceInstance
}

// SnapshotSource supplies registry snapshots to the route table
type SnapshotSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// RouteResolver resolves a service name to its routable instances
type RouteResolver interface {
	Resolve(service string) ([]ServiceInstance, error)
}

// Balancer picks one instance of a route per request
type Balancer interface {
	Choose(route string, instances []ServiceInstance) (ServiceInstance, error)
}
