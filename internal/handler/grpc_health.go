package handler

import (
	"sync"

	"github.com/mir00r/registry-gateway/internal/service"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthBridge publishes route availability over the gRPC health protocol.
// The overall status ("") is SERVING once the route table has refreshed; each
// routed service is SERVING while it has at least one routable instance.
type HealthBridge struct {
	server *health.Server
	logger *logger.Logger

	mu     sync.Mutex
	status map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthBridge creates a bridge reporting NOT_SERVING until the first update
func NewHealthBridge(log *logger.Logger) *HealthBridge {
	if log == nil {
		log = logger.Discard()
	}
	b := &HealthBridge{
		server: health.NewServer(),
		logger: log.WithField("component", "grpc_health"),
		status: make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	b.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return b
}

// Register installs the health service on s
func (b *HealthBridge) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, b.server)
}

// Update is a route table refresh listener
func (b *HealthBridge) Update(view service.RouteTableView) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range view.Known {
		next := healthpb.HealthCheckResponse_NOT_SERVING
		if view.Routable[name] > 0 {
			next = healthpb.HealthCheckResponse_SERVING
		}
		if prev, ok := b.status[name]; ok && prev == next {
			continue
		}
		b.status[name] = next
		b.server.SetServingStatus(name, next)
		b.logger.WithFields(map[string]interface{}{
			"service": name,
			"status":  next.String(),
		}).Debug("gRPC health status changed")
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates
func (b *HealthBridge) Shutdown() {
	b.server.Shutdown()
}
