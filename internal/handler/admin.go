package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/internal/service"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

const maxConfigBody = 1 << 20

// RouteTableAdmin is the part of the route table the admin API reads
type RouteTableAdmin interface {
	View() service.RouteTableView
	Refresh(ctx context.Context) error
	Settings() domain.RouteTableSettings
}

// AdminHandler provides administrative API endpoints for the gateway
type AdminHandler struct {
	routes    RouteTableAdmin
	breakers  *service.BreakerSet
	gateway   *GatewayHandler
	reloader  *service.ConfigReloader
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler. reloader may be nil, in which
// case configuration cannot be replaced through the API.
func NewAdminHandler(routes RouteTableAdmin, breakers *service.BreakerSet, gateway *GatewayHandler, reloader *service.ConfigReloader, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &AdminHandler{
		routes:    routes,
		breakers:  breakers,
		gateway:   gateway,
		reloader:  reloader,
		logger:    log.WithField("component", "admin_api"),
		startTime: time.Now(),
	}
}

// ConfigResponse represents the effective runtime settings
type ConfigResponse struct {
	Gateway        domain.GatewaySettings      `json:"gateway"`
	RouteTable     domain.RouteTableSettings   `json:"route_table"`
	CircuitBreaker domain.CircuitBreakerConfig `json:"circuit_breaker"`
	Reload         map[string]interface{}      `json:"reload,omitempty"`
	Uptime         string                      `json:"uptime"`
}

// RegisterRoutes mounts the admin API under /admin
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/routes", h.RoutesHandler).Methods(http.MethodGet)
	admin.HandleFunc("/routes/refresh", h.RefreshHandler).Methods(http.MethodPost)
	admin.HandleFunc("/breakers", h.BreakersHandler).Methods(http.MethodGet)
	admin.HandleFunc("/breakers/{route}/reset", h.ResetBreakerHandler).Methods(http.MethodPost)
	admin.HandleFunc("/config", h.GetConfigHandler).Methods(http.MethodGet)
	admin.HandleFunc("/config", h.ReloadConfigHandler).Methods(http.MethodPut)
}

// RoutesHandler handles GET /admin/routes
func (h *AdminHandler) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.routes.View())
}

// RefreshHandler handles POST /admin/routes/refresh
func (h *AdminHandler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.routes.Refresh(r.Context()); err != nil {
		if !lberrors.IsServiceError(err) {
			err = lberrors.WrapError(err, lberrors.ErrCodeRegistryUnavailable, "admin_api", "route table refresh failed")
		}
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	view := h.routes.View()
	h.logger.WithFields(map[string]interface{}{
		"action":  "refresh_routes",
		"version": view.Version,
	}).Info("Route table refreshed on demand")
	writeJSON(w, http.StatusOK, view)
}

// BreakersHandler handles GET /admin/breakers
func (h *AdminHandler) BreakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":   h.breakers.Config(),
		"breakers": h.breakers.Snapshot(),
	})
}

// ResetBreakerHandler handles POST /admin/breakers/{route}/reset
func (h *AdminHandler) ResetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	route := mux.Vars(r)["route"]
	breaker, ok := h.breakers.Lookup(route)
	if !ok {
		WriteErrorResponse(w, r, lberrors.NewUnknownServiceError(route), h.logger)
		return
	}

	breaker.Reset()
	h.logger.WithFields(map[string]interface{}{
		"action": "reset_breaker",
		"route":  route,
	}).Info("Circuit breaker reset")
	writeJSON(w, http.StatusOK, breaker.Snapshot())
}

// GetConfigHandler handles GET /admin/config
func (h *AdminHandler) GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	response := ConfigResponse{
		RouteTable:     h.routes.Settings(),
		CircuitBreaker: h.breakers.Config(),
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.gateway != nil {
		response.Gateway = h.gateway.Settings()
	}
	if h.reloader != nil {
		response.Reload = h.reloader.GetReloadStats()
	}
	writeJSON(w, http.StatusOK, response)
}

// ReloadConfigHandler handles PUT /admin/config with a YAML document
func (h *AdminHandler) ReloadConfigHandler(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		WriteErrorResponse(w, r, lberrors.NewError(lberrors.ErrCodeInvalidRequest, "admin_api", "configuration reload is disabled"), h.logger)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBody))
	if err != nil {
		WriteErrorResponse(w, r, lberrors.NewInvalidRequestError("body", err.Error()), h.logger)
		return
	}
	if err := h.reloader.ReloadFromAPI(data); err != nil {
		WriteErrorResponse(w, r, lberrors.WrapError(err, lberrors.ErrCodeInvalidRequest, "admin_api", "configuration rejected: "+err.Error()), h.logger)
		return
	}

	h.logger.WithField("action", "reload_config").Info("Configuration reloaded through the admin API")
	h.GetConfigHandler(w, r)
}
