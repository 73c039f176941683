/*
Package service implements the application layer of the registry and the gateway.

It sits between the domain types and the transport handlers: the handlers decode
requests and map errors, the services own state, timing and concurrency.

Key Components:

Registry:
Coordinates the instance store, the periodic lease sweep and event delivery.

	store := repository.NewInMemoryInstanceStore()
	registry := service.NewRegistry(store, cfg.Registry.Leases, log,
		service.WithEventSinks(mirror, publisher),
		service.WithRegistryMetrics(metrics),
	)
	if err := registry.Start(ctx); err != nil {
		log.Fatal("Failed to start registry:", err)
	}
	defer registry.Stop(context.Background())

Mutations return immediately; REGISTERED, RENEWED, STATUS_CHANGED, DEREGISTERED
and EXPIRED events are queued and published to the sinks from a single
dispatch goroutine.

Route Table:
The gateway's copy of the registry. A refresh pulls one snapshot, builds a new
immutable table and publishes it with an atomic pointer swap, so readers never
see a partially applied refresh.

	table := service.NewRouteTable(registryClient, cfg.Gateway.RouteTable, log)
	instances, err := table.Resolve("menu")
	// lberrors.ErrEmptyRoute: known service, nothing routable
	// lberrors.ErrUnknownService: never seen by the registry

Round Robin Balancer:
One atomic cursor per route:

	balancer := service.NewRoundRobinBalancer()
	instance, err := balancer.Choose("menu", instances)

Circuit Breakers:
One breaker per route, created on first use. A breaker counts the last
WindowSize outcomes, opens when the failure ratio reaches FailureRatio over at
least MinimumSamples calls, and after Cooldown lets exactly one probe through.

	breakers := service.NewBreakerSet(cfg.Gateway.CircuitBreaker, log)
	permit, verdict := breakers.Get("menu").Acquire()
	if verdict == domain.VerdictShortCircuit {
		// answer with the fallback
	}
	breakers.Get("menu").Record(permit, domain.OutcomeSuccess)

Every permit carries the breaker generation that issued it; outcomes reported
after a state change are ignored.

Configuration Reload:

	reloader := service.NewConfigReloader(cfg, log)
	reloader.BindRegistry(registry)
	reloader.BindRouteTable(table)
	reloader.BindBreakers(breakers)

Metrics:
All collectors live on a private Prometheus registry served by Metrics.Handler.
Every method accepts a nil receiver.

Package Structure:
- registry.go: lease sweep and event dispatch
- route_table.go: snapshot polling and atomic table swap
- balancer.go: round-robin selection
- circuit_breaker.go: per-route breaker state machine
- metrics.go: Prometheus collectors
- config_reload.go: hot configuration reload
*/
package service
