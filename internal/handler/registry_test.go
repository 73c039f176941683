package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/registry-gateway/internal/discovery"
	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/internal/repository"
	"github.com/mir00r/registry-gateway/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func newRegistryRouter(t *testing.T) (*mux.Router, *service.Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := repository.NewInMemoryInstanceStore(repository.WithClock(clock.Now))
	registry := service.NewRegistry(store, domain.RegistrySettings{
		DefaultLease:  30 * time.Second,
		MaxLease:      5 * time.Minute,
		SweepInterval: time.Hour,
	}, nil, service.WithRegistryClock(clock.Now))

	h := NewRegistryHandler(registry, nil)
	h.now = clock.Now
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router, registry, clock
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func register(t *testing.T, h http.Handler, service, id string, lease int64) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, h, http.MethodPost, "/registry/v1/services/"+service+"/instances", domain.RegisterRequest{
		InstanceID:   id,
		Host:         "10.0.0.5",
		Port:         8080,
		LeaseSeconds: lease,
	})
}

// TestRegisterAndSnapshot checks the happy path through the protocol
func TestRegisterAndSnapshot(t *testing.T) {
	t.Parallel()
	router, _, _ := newRegistryRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/registry/v1/services/menu/instances", domain.RegisterRequest{
		InstanceID:   "A",
		Host:         "menu-a.internal",
		Port:         8080,
		LeaseSeconds: 10,
		Metadata:     map[string]string{"zone": "eu-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Registered)
	assert.False(t, resp.Replaced)
	assert.Equal(t, domain.StatusUp, resp.Instance.Status)
	assert.Equal(t, int64(10), resp.Instance.LeaseSeconds)

	rec = doJSON(t, router, http.MethodGet, "/registry/v1/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap domain.SnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Services["menu"], 1)
	assert.Equal(t, "A", snap.Services["menu"][0].InstanceID)
	assert.Equal(t, "eu-1", snap.Services["menu"][0].Metadata["zone"])
}

// TestRegisterIsIdempotent checks that a second register overwrites
func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	router, registry, _ := newRegistryRouter(t)

	require.Equal(t, http.StatusOK, register(t, router, "menu", "A", 10).Code)
	rec := doJSON(t, router, http.MethodPost, "/registry/v1/services/menu/instances", domain.RegisterRequest{
		InstanceID: "A",
		Host:       "10.0.0.9",
		Port:       9090,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Replaced)
	assert.Equal(t, int64(30), resp.Instance.LeaseSeconds, "zero lease takes the default")

	instances := registry.Snapshot()["menu"]
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.9:9090", instances[0].Address())
}

// TestRegisterValidation covers the input rules of REGISTER
func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		service string
		body    interface{}
	}{
		{"empty instance id", "menu", domain.RegisterRequest{Host: "h", Port: 1}},
		{"bad instance id", "menu", domain.RegisterRequest{InstanceID: "a/b", Host: "h", Port: 1}},
		{"long instance id", "menu", domain.RegisterRequest{InstanceID: strings.Repeat("a", 129), Host: "h", Port: 1}},
		{"colon in service", "menu:v1", domain.RegisterRequest{InstanceID: "A", Host: "h", Port: 1}},
		{"missing host", "menu", domain.RegisterRequest{InstanceID: "A", Port: 1}},
		{"malformed host", "menu", domain.RegisterRequest{InstanceID: "A", Host: "bad_host!", Port: 1}},
		{"label starting with hyphen", "menu", domain.RegisterRequest{InstanceID: "A", Host: "-bad.example", Port: 1}},
		{"port zero", "menu", domain.RegisterRequest{InstanceID: "A", Host: "h", Port: 0}},
		{"port too large", "menu", domain.RegisterRequest{InstanceID: "A", Host: "h", Port: 70000}},
		{"negative lease", "menu", domain.RegisterRequest{InstanceID: "A", Host: "h", Port: 1, LeaseSeconds: -1}},
		{"lease above maximum", "menu", domain.RegisterRequest{InstanceID: "A", Host: "h", Port: 1, LeaseSeconds: 600}},
		{"unknown status", "menu", domain.RegisterRequest{InstanceID: "A", Host: "h", Port: 1, Status: "SLEEPING"}},
		{"malformed json", "menu", "{not json"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router, registry, _ := newRegistryRouter(t)

			rec := doJSON(t, router, http.MethodPost, "/registry/v1/services/"+tt.service+"/instances", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, lberrors.ErrCodeInvalidRequest, decodeError(t, rec).Code)
			assert.Empty(t, registry.Snapshot())
		})
	}
}

// TestRegisterAcceptsIPv6 checks that IP literals bypass hostname rules
func TestRegisterAcceptsIPv6(t *testing.T) {
	t.Parallel()
	router, _, _ := newRegistryRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/registry/v1/services/menu/instances", domain.RegisterRequest{
		InstanceID: "A",
		Host:       "fd00::5",
		Port:       8080,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// TestHeartbeat covers renewal and the 404 path
func TestHeartbeat(t *testing.T) {
	t.Parallel()
	router, _, clock := newRegistryRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/A/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, lberrors.ErrCodeInstanceNotFound, decodeError(t, rec).Code)

	require.Equal(t, http.StatusOK, register(t, router, "menu", "A", 10).Code)
	clock.Advance(8 * time.Second)

	rec = doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/A/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ack domain.AckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.NotNil(t, ack.ExpiresAt)
	assert.True(t, clock.Now().Add(10*time.Second).Equal(*ack.ExpiresAt))
}

// TestExpiredInstanceIsAbsent checks expiry is visible before any sweep
func TestExpiredInstanceIsAbsent(t *testing.T) {
	t.Parallel()
	router, _, clock := newRegistryRouter(t)

	require.Equal(t, http.StatusOK, register(t, router, "menu", "A", 10).Code)
	require.Equal(t, http.StatusOK, register(t, router, "menu", "B", 10).Code)
	clock.Advance(6 * time.Second)
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/B/heartbeat", nil).Code)
	clock.Advance(5 * time.Second)

	rec := doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/A/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "an expired instance is absent")

	rec = doJSON(t, router, http.MethodGet, "/registry/v1/services/menu", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Service   string                  `json:"service"`
		Instances []domain.InstanceRecord `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, "B", resp.Instances[0].InstanceID)
}

// TestStatusChange covers STATUS and its validation
func TestStatusChange(t *testing.T) {
	t.Parallel()
	router, registry, _ := newRegistryRouter(t)
	require.Equal(t, http.StatusOK, register(t, router, "menu", "A", 10).Code)

	rec := doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/A/status", domain.StatusRequest{Status: "down"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusDown, registry.Snapshot()["menu"][0].Status)

	rec = doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/A/status", domain.StatusRequest{Status: "asleep"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/A/status", domain.StatusRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "an empty status is not read as UP")

	rec = doJSON(t, router, http.MethodPut, "/registry/v1/services/menu/instances/Z/status", domain.StatusRequest{Status: "UP"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDeregister checks removal and the 404 for an unknown instance
func TestDeregister(t *testing.T) {
	t.Parallel()
	router, registry, _ := newRegistryRouter(t)
	require.Equal(t, http.StatusOK, register(t, router, "menu", "A", 10).Code)

	rec := doJSON(t, router, http.MethodDelete, "/registry/v1/services/menu/instances/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	snapshot := registry.Snapshot()
	instances, known := snapshot["menu"]
	assert.True(t, known, "the service name is remembered")
	assert.Empty(t, instances)

	rec = doJSON(t, router, http.MethodDelete, "/registry/v1/services/menu/instances/A", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestServiceQueryUnknown checks the per-service query for a never-registered name
func TestServiceQueryUnknown(t *testing.T) {
	t.Parallel()
	router, _, _ := newRegistryRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/registry/v1/services/billing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, lberrors.ErrCodeUnknownService, decodeError(t, rec).Code)
}

// TestRegistryClientRoundTrip drives the handler through the real client
func TestRegistryClientRoundTrip(t *testing.T) {
	t.Parallel()
	router, _, _ := newRegistryRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	client, err := discovery.NewRegistryClient(srv.URL, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Register(ctx, domain.ServiceInstance{
		ServiceName: "menu",
		InstanceID:  "A",
		Host:        "10.0.0.5",
		Port:        8080,
		Lease:       10 * time.Second,
	})
	require.NoError(t, err)

	_, err = client.Heartbeat(ctx, "menu", "A")
	require.NoError(t, err)

	_, err = client.Heartbeat(ctx, "menu", "B")
	assert.ErrorIs(t, err, lberrors.ErrInstanceNotFound)

	snap, err := client.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap["menu"], 1)
	assert.Equal(t, 10*time.Second, snap["menu"][0].Lease)

	_, err = client.Service(ctx, "billing")
	assert.ErrorIs(t, err, lberrors.ErrUnknownService)

	require.NoError(t, client.Deregister(ctx, "menu", "A"))
}
