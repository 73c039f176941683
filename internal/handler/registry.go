package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// RegistryAPIPrefix is the path prefix of the registry protocol
const RegistryAPIPrefix = "/registry/v1"

const maxRegistryBody = 64 << 10

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
	hostLabelPattern  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
)

// RegistryService is the registry as seen by the protocol handler
type RegistryService interface {
	Register(ctx context.Context, instance domain.ServiceInstance) (domain.ServiceInstance, bool, error)
	Heartbeat(ctx context.Context, service, instanceID string) (domain.ServiceInstance, error)
	SetStatus(ctx context.Context, service, instanceID string, status domain.InstanceStatus) (domain.ServiceInstance, error)
	Deregister(ctx context.Context, service, instanceID string) (domain.ServiceInstance, error)
	Snapshot() domain.Snapshot
	Instances(service string) ([]domain.ServiceInstance, error)
}

// RegistryHandler exposes the registry protocol over HTTP/JSON
type RegistryHandler struct {
	registry RegistryService
	logger   *logger.Logger
	now      func() time.Time
}

// NewRegistryHandler creates a new registry protocol handler
func NewRegistryHandler(registry RegistryService, log *logger.Logger) *RegistryHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &RegistryHandler{
		registry: registry,
		logger:   log.WithField("component", "registry_api"),
		now:      time.Now,
	}
}

// RegisterRoutes mounts the protocol under RegistryAPIPrefix
func (h *RegistryHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix(RegistryAPIPrefix).Subrouter()
	api.HandleFunc("/snapshot", h.SnapshotHandler).Methods(http.MethodGet)
	api.HandleFunc("/services/{service}", h.ServiceHandler).Methods(http.MethodGet)
	api.HandleFunc("/services/{service}/instances", h.RegisterHandler).Methods(http.MethodPost)
	api.HandleFunc("/services/{service}/instances/{instance}", h.DeregisterHandler).Methods(http.MethodDelete)
	api.HandleFunc("/services/{service}/instances/{instance}/heartbeat", h.HeartbeatHandler).Methods(http.MethodPut)
	api.HandleFunc("/services/{service}/instances/{instance}/status", h.StatusHandler).Methods(http.MethodPut)
}

// RegisterHandler handles POST /registry/v1/services/{service}/instances
func (h *RegistryHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	if err := validateIdentifier("service", service); err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	var req domain.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	instance, err := instanceFromRequest(service, req)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	stored, replaced, err := h.registry.Register(r.Context(), instance)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, domain.RegisterResponse{
		Registered: true,
		Replaced:   replaced,
		Instance:   domain.NewInstanceRecord(stored),
	})
}

// HeartbeatHandler handles PUT .../instances/{instance}/heartbeat
func (h *RegistryHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	service, id, err := instanceVars(r)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	renewed, err := h.registry.Heartbeat(r.Context(), service, id)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, ackFor(renewed))
}

// StatusHandler handles PUT .../instances/{instance}/status
func (h *RegistryHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	service, id, err := instanceVars(r)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	var req domain.StatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		WriteErrorResponse(w, r, lberrors.NewInvalidRequestError("status", "is required"), h.logger)
		return
	}
	status, err := domain.ParseInstanceStatus(req.Status)
	if err != nil {
		WriteErrorResponse(w, r, lberrors.NewInvalidRequestError("status", err.Error()), h.logger)
		return
	}

	updated, err := h.registry.SetStatus(r.Context(), service, id, status)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, ackFor(updated))
}

// DeregisterHandler handles DELETE .../instances/{instance}
func (h *RegistryHandler) DeregisterHandler(w http.ResponseWriter, r *http.Request) {
	service, id, err := instanceVars(r)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	removed, err := h.registry.Deregister(r.Context(), service, id)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, domain.AckResponse{
		Service:    removed.ServiceName,
		InstanceID: removed.InstanceID,
		Status:     removed.Status,
	})
}

// SnapshotHandler handles GET /registry/v1/snapshot
func (h *RegistryHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.NewSnapshotResponse(h.registry.Snapshot(), h.now().UTC()))
}

// ServiceHandler handles GET /registry/v1/services/{service}
func (h *RegistryHandler) ServiceHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	if err := validateIdentifier("service", service); err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	instances, err := h.registry.Instances(service)
	if err != nil {
		WriteErrorResponse(w, r, err, h.logger)
		return
	}

	records := make([]domain.InstanceRecord, 0, len(instances))
	for _, inst := range instances {
		records = append(records, domain.NewInstanceRecord(inst))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   service,
		"instances": records,
	})
}

func ackFor(inst domain.ServiceInstance) domain.AckResponse {
	expires := inst.ExpiresAt().UTC()
	return domain.AckResponse{
		Service:    inst.ServiceName,
		InstanceID: inst.InstanceID,
		Status:     inst.Status,
		ExpiresAt:  &expires,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistryBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return lberrors.NewInvalidRequestError("body", err.Error())
	}
	return nil
}

func instanceVars(r *http.Request) (string, string, error) {
	vars := mux.Vars(r)
	if err := validateIdentifier("service", vars["service"]); err != nil {
		return "", "", err
	}
	if err := validateIdentifier("instanceId", vars["instance"]); err != nil {
		return "", "", err
	}
	return vars["service"], vars["instance"], nil
}

func instanceFromRequest(service string, req domain.RegisterRequest) (domain.ServiceInstance, error) {
	if err := validateIdentifier("instanceId", req.InstanceID); err != nil {
		return domain.ServiceInstance{}, err
	}
	if err := validateHost(req.Host); err != nil {
		return domain.ServiceInstance{}, err
	}
	if req.Port < 1 || req.Port > 65535 {
		return domain.ServiceInstance{}, lberrors.NewInvalidRequestError("port", fmt.Sprintf("%d is outside 1-65535", req.Port))
	}
	if req.LeaseSeconds < 0 {
		return domain.ServiceInstance{}, lberrors.NewInvalidRequestError("leaseSeconds", "must not be negative")
	}
	status, err := domain.ParseInstanceStatus(req.Status)
	if err != nil {
		return domain.ServiceInstance{}, lberrors.NewInvalidRequestError("status", err.Error())
	}
	for key := range req.Metadata {
		if key == "" {
			return domain.ServiceInstance{}, lberrors.NewInvalidRequestError("metadata", "keys must not be empty")
		}
	}

	return domain.ServiceInstance{
		ServiceName: service,
		InstanceID:  req.InstanceID,
		Host:        req.Host,
		Port:        req.Port,
		Status:      status,
		Metadata:    req.Metadata,
		Lease:       time.Duration(req.LeaseSeconds) * time.Second,
	}, nil
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return lberrors.NewInvalidRequestError(field, "is required")
	}
	if !identifierPattern.MatchString(value) {
		return lberrors.NewInvalidRequestError(field, "must be 1-128 characters of letters, digits, '.', '_' or '-'")
	}
	return nil
}

// validateHost accepts an IP address or an RFC 1123 hostname
func validateHost(host string) error {
	if host == "" {
		return lberrors.NewInvalidRequestError("host", "is required")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return lberrors.NewInvalidRequestError("host", "is longer than 253 characters")
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if !hostLabelPattern.MatchString(label) {
			return lberrors.NewInvalidRequestError("host", fmt.Sprintf("%q is not an IP address or hostname", host))
		}
	}
	return nil
}
