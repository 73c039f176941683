package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// RegistryAPIPrefix is the path prefix of the registry protocol
const RegistryAPIPrefix = "/registry/v1"

const maxErrorBody = 64 << 10

// RegistryClient speaks the registry protocol over HTTP. It is used by the
// gateway as its snapshot source and by the agent for self-registration.
type RegistryClient struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

// ClientOption configures a RegistryClient
type ClientOption func(*RegistryClient)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) ClientOption {
	return func(rc *RegistryClient) {
		rc.client = c
	}
}

// NewRegistryClient creates a client for the registry at baseURL
func NewRegistryClient(baseURL string, log *logger.Logger, opts ...ClientOption) (*RegistryClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid registry URL %q", baseURL)
	}
	if log == nil {
		log = logger.Discard()
	}

	rc := &RegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  log.WithField("component", "registry_client"),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc, nil
}

// BaseURL returns the registry address
func (c *RegistryClient) BaseURL() string {
	return c.baseURL
}

func (c *RegistryClient) instancePath(service, instanceID string, suffix ...string) string {
	parts := []string{
		c.baseURL + RegistryAPIPrefix,
		"services", url.PathEscape(service),
		"instances", url.PathEscape(instanceID),
	}
	return strings.Join(append(parts, suffix...), "/")
}

// Register registers or overwrites an instance
func (c *RegistryClient) Register(ctx context.Context, instance domain.ServiceInstance) (domain.RegisterResponse, error) {
	body := domain.RegisterRequest{
		InstanceID:   instance.InstanceID,
		Host:         instance.Host,
		Port:         instance.Port,
		LeaseSeconds: int64(instance.Lease / time.Second),
		Status:       string(instance.Status),
		Metadata:     instance.Metadata,
	}
	endpoint := c.baseURL + RegistryAPIPrefix + "/services/" + url.PathEscape(instance.ServiceName) + "/instances"

	var resp domain.RegisterResponse
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Heartbeat renews an instance's lease
func (c *RegistryClient) Heartbeat(ctx context.Context, service, instanceID string) (domain.AckResponse, error) {
	var resp domain.AckResponse
	err := c.do(ctx, http.MethodPut, c.instancePath(service, instanceID, "heartbeat"), nil, &resp)
	return resp, err
}

// SetStatus changes an instance's status
func (c *RegistryClient) SetStatus(ctx context.Context, service, instanceID string, status domain.InstanceStatus) (domain.AckResponse, error) {
	var resp domain.AckResponse
	body := domain.StatusRequest{Status: string(status)}
	err := c.do(ctx, http.MethodPut, c.instancePath(service, instanceID, "status"), body, &resp)
	return resp, err
}

// Deregister removes an instance
func (c *RegistryClient) Deregister(ctx context.Context, service, instanceID string) error {
	return c.do(ctx, http.MethodDelete, c.instancePath(service, instanceID), nil, nil)
}

// Snapshot implements domain.SnapshotSource
func (c *RegistryClient) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var resp domain.SnapshotResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+RegistryAPIPrefix+"/snapshot", nil, &resp); err != nil {
		return nil, err
	}
	return resp.ToSnapshot(), nil
}

// Service returns the live instances of one service
func (c *RegistryClient) Service(ctx context.Context, service string) ([]domain.ServiceInstance, error) {
	var resp struct {
		Service   string                  `json:"service"`
		Instances []domain.InstanceRecord `json:"instances"`
	}
	endpoint := c.baseURL + RegistryAPIPrefix + "/services/" + url.PathEscape(service)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.ServiceInstance, 0, len(resp.Instances))
	for _, rec := range resp.Instances {
		out = append(out, rec.ToInstance())
	}
	return out, nil
}

// Health checks that the registry answers its liveness probe
func (c *RegistryClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/liveness", nil, nil)
}

// remoteError is the error body written by the registry
type remoteError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *RegistryClient) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return lberrors.WrapError(err, lberrors.ErrCodeInternalError, "registry_client", "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeInternalError, "registry_client", "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id := domain.RequestIDFrom(ctx); id != "" {
		req.Header.Set(domain.RequestIDHeader, id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeRegistryUnavailable, "registry_client",
			fmt.Sprintf("%s %s failed", method, endpoint))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeRegistryUnavailable, "registry_client", "failed to decode response")
	}
	return nil
}

// decodeError turns a non-2xx answer back into a ServiceError with the same code
func (c *RegistryClient) decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var remote remoteError
	_ = json.Unmarshal(data, &remote)
	if remote.Error == "" {
		remote.Error = strings.TrimSpace(string(data))
	}
	if remote.Error == "" {
		remote.Error = resp.Status
	}

	code := lberrors.ErrorCode(remote.Code)
	if code == "" {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			code = lberrors.ErrCodeInstanceNotFound
		case resp.StatusCode == http.StatusBadRequest:
			code = lberrors.ErrCodeInvalidRequest
		case resp.StatusCode == http.StatusTooManyRequests:
			code = lberrors.ErrCodeRateLimitExceeded
		default:
			code = lberrors.ErrCodeRegistryUnavailable
		}
	}
	if resp.StatusCode >= 500 {
		code = lberrors.ErrCodeRegistryUnavailable
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"code":   code,
		"url":    resp.Request.URL.String(),
	}).Debug("Registry returned an error")

	return lberrors.NewError(code, "registry_client", remote.Error).WithMetadata("status", resp.StatusCode)
}
