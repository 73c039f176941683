/*
Package domain contains the core entities shared by the registry and the gateway.

The package has no dependencies on transport, storage or configuration code. Both
processes (registry and gateway) depend on it, and the registry protocol's wire
types live here so that the server side and the client side cannot drift apart.

Key Components:

ServiceInstance:
One running process of a named service. It is identified by (service name,
instance id), reachable at host:port, and kept alive by a lease that every
heartbeat renews.

	inst := domain.ServiceInstance{
		ServiceName: "menu",
		InstanceID:  "menu-1",
		Host:        "10.0.0.5",
		Port:        8080,
		Status:      domain.StatusUp,
		Lease:       30 * time.Second,
	}
	if inst.IsExpired(time.Now()) {
		// treat as absent
	}

Snapshot and Route:
A Snapshot is the registry's view of every non-expired instance, grouped by
service name. A Route is the gateway's derived, read-only list of routable (UP)
instances for one service. Routes are rebuilt from snapshots and never edited.

Circuit state:
CircuitState, Verdict and Outcome describe the per-route breaker. A
RoutingDecision is the per-request record of which route and instance were
chosen, what the breaker said, and how the call ended.

Registry events:
RegistryEvent values are emitted on every registry mutation and delivered to
EventSink implementations (Kafka, Redis mirror).

Thread Safety:
Values in this package are plain data. Instances handed out by the store are
copies; mutating them never affects the registry.
*/
package domain
