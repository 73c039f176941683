package handler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/internal/service"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// Response headers added by the gateway
const (
	HeaderGatewayInstance = "X-Gateway-Instance"
	HeaderBreakerState    = "X-Circuit-Breaker-State"
)

// GatewayHandler forwards inbound requests to one instance of the named
// service. Each attempt resolves the route, asks the route's breaker for a
// permit, picks an instance round-robin and proxies with a bounded timeout.
type GatewayHandler struct {
	routes    domain.RouteResolver
	balancer  domain.Balancer
	breakers  *service.BreakerSet
	metrics   *service.Metrics
	transport http.RoundTripper
	logger    *logger.Logger
	settings  atomic.Pointer[domain.GatewaySettings]
}

// GatewayOption configures a GatewayHandler
type GatewayOption func(*GatewayHandler)

// WithGatewayMetrics records request outcomes in m
func WithGatewayMetrics(m *service.Metrics) GatewayOption {
	return func(h *GatewayHandler) {
		h.metrics = m
	}
}

// WithTransport replaces the outbound round tripper
func WithTransport(rt http.RoundTripper) GatewayOption {
	return func(h *GatewayHandler) {
		h.transport = rt
	}
}

// NewGatewayHandler creates a new gateway proxy
func NewGatewayHandler(
	routes domain.RouteResolver,
	balancer domain.Balancer,
	breakers *service.BreakerSet,
	settings domain.GatewaySettings,
	log *logger.Logger,
	opts ...GatewayOption,
) *GatewayHandler {
	if log == nil {
		log = logger.Discard()
	}
	h := &GatewayHandler{
		routes:    routes,
		balancer:  balancer,
		breakers:  breakers,
		transport: http.DefaultTransport,
		logger:    log,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.UpdateSettings(settings)
	return h
}

// Settings returns the routing and policy settings in effect
func (h *GatewayHandler) Settings() domain.GatewaySettings {
	return *h.settings.Load()
}

// UpdateSettings swaps routing and policy settings for subsequent requests
func (h *GatewayHandler) UpdateSettings(settings domain.GatewaySettings) {
	if settings.RouteMode == "" {
		settings.RouteMode = domain.RouteModePath
	}
	h.settings.Store(&settings)
}

// ApplyConfig is a config reload callback that swaps routing and policies
func (h *GatewayHandler) ApplyConfig(c *config.Config) error {
	h.UpdateSettings(c.ToGatewaySettings())
	return nil
}

// attemptResult is how one forwarding attempt ended
type attemptResult struct {
	outcome domain.Outcome
	status  int
	err     error
	written bool
}

// ServeHTTP handles incoming HTTP requests
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	settings := h.Settings()

	rc, ok := domain.RequestContextFrom(r.Context())
	if !ok {
		rc = domain.NewRequestContext(r)
		r = r.WithContext(domain.WithRequestContext(r.Context(), rc))
	}
	w.Header().Set(domain.RequestIDHeader, rc.RequestID)

	key, forwardPath, err := routeKey(r, settings)
	if err != nil {
		h.metrics.ObserveRequest("", "invalid", time.Since(start))
		WriteErrorResponse(w, r, err, h.logger.GatewayLogger(""))
		return
	}
	route := settings.ServiceFor(key)
	policy := settings.PolicyFor(route)
	log := h.logger.RequestLogger(rc.RequestID, rc.Method, rc.Path, rc.RemoteAddr).WithField("route", route)

	instances, err := h.routes.Resolve(route)
	if err != nil {
		outcome := "empty_route"
		if errors.Is(err, lberrors.ErrUnknownService) {
			outcome = "unknown_service"
			h.metrics.ObserveRequest("", outcome, time.Since(start))
		} else {
			h.metrics.ObserveRequest(route, outcome, time.Since(start))
		}
		log.WithError(err).Debug("Route could not be resolved")
		WriteErrorResponse(w, r, err, nil)
		return
	}

	attempts := 1
	if policy.RetryAttempts > 0 && isRetryable(r) {
		attempts += policy.RetryAttempts
	}

	breaker := h.breakers.Get(route)
	decision := domain.RoutingDecision{Route: route}
	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	for attempt := 1; attempt <= attempts; attempt++ {
		decision.Attempt = attempt

		permit, verdict := breaker.Acquire()
		decision.Verdict = verdict
		decision.Probe = permit.Probe()
		state := breaker.State()

		if verdict == domain.VerdictShortCircuit {
			h.metrics.RecordShortCircuit(route)
			rec.Header().Set(HeaderBreakerState, state.String())
			h.respondFailure(rec, r, route, policy, lberrors.NewShortCircuitedError(route, state.String()))
			decision.Status = rec.statusCode
			h.finish(log, decision, "short_circuit", start)
			return
		}

		instance, err := h.balancer.Choose(route, instances)
		if err != nil {
			breaker.Record(permit, domain.OutcomeAbandoned)
			WriteErrorResponse(rec, r, err, nil)
			decision.Status = rec.statusCode
			h.finish(log, decision, "empty_route", start)
			return
		}
		decision.Instance = &instance

		final := attempt == attempts
		res := h.forward(rec, r, route, forwardPath, instance, policy, state, breaker, permit, final, log)
		decision.Outcome = res.outcome

		if !res.written && !final {
			log.WithFields(map[string]interface{}{
				"attempt":  attempt,
				"instance": instance.InstanceID,
				"error":    res.err,
			}).Warn("Transport error, retrying on next instance")
			continue
		}

		decision.Status = rec.statusCode
		h.finish(log, decision, res.outcome.String(), start)
		return
	}
}

// forward proxies one attempt to instance and records its outcome on the
// breaker exactly once. A transport error on a non-final attempt is recorded
// but not written, leaving the response free for the next attempt.
func (h *GatewayHandler) forward(
	w *responseRecorder,
	r *http.Request,
	route string,
	forwardPath *url.URL,
	instance domain.ServiceInstance,
	policy domain.RoutePolicy,
	state domain.CircuitState,
	breaker *service.CircuitBreaker,
	permit service.Permit,
	final bool,
	log *logger.Logger,
) (res attemptResult) {
	inbound := r.Context()
	ctx := inbound
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(inbound, policy.Timeout)
		defer cancel()
	}

	recorded := false
	defer func() {
		if p := recover(); p != nil {
			// the downstream body broke after headers were sent
			if !recorded {
				outcome := domain.OutcomeFailure
				if inbound.Err() != nil {
					outcome = domain.OutcomeAbandoned
				}
				breaker.Record(permit, outcome)
			}
			panic(p)
		}
	}()

	target := &url.URL{Scheme: "http", Host: instance.Address()}
	proxy := &httputil.ReverseProxy{
		Transport: h.transport,
		Director: func(req *http.Request) {
			originalHost := req.Host
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = forwardPath.Path
			req.URL.RawPath = forwardPath.RawPath
			req.Host = ""

			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", originalHost)
			}
			if req.Header.Get("X-Forwarded-Proto") == "" {
				proto := "http"
				if r.TLS != nil {
					proto = "https"
				}
				req.Header.Set("X-Forwarded-Proto", proto)
			}
			req.Header.Set(domain.RequestIDHeader, domain.RequestIDFrom(inbound))

			log.WithFields(map[string]interface{}{
				"target_url":     req.URL.String(),
				"instance":       instance.InstanceID,
				"content_length": req.ContentLength,
			}).Debug("Forwarding request to instance")
		},
		ModifyResponse: func(resp *http.Response) error {
			res.status = resp.StatusCode
			res.outcome = policy.ClassifyStatus(resp.StatusCode)
			resp.Header.Set(HeaderGatewayInstance, instance.InstanceID)
			resp.Header.Set(HeaderBreakerState, state.String())
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			res.err = err
			switch {
			case inbound.Err() != nil:
				res.outcome = domain.OutcomeAbandoned
			case ctx.Err() == context.DeadlineExceeded || isTimeout(err):
				res.outcome = domain.OutcomeTimeout
			default:
				res.outcome = domain.OutcomeFailure
			}

			if res.outcome == domain.OutcomeAbandoned {
				log.WithError(err).Debug("Client went away before the instance answered")
				res.written = true
				return
			}
			if res.outcome == domain.OutcomeFailure && !final {
				return
			}

			var svcErr error
			if res.outcome == domain.OutcomeTimeout {
				svcErr = lberrors.WrapError(err, lberrors.ErrCodeUpstreamTimeout, "gateway",
					fmt.Sprintf("instance %s of %s timed out", instance.InstanceID, route))
			} else {
				svcErr = lberrors.WrapError(err, lberrors.ErrCodeUpstreamTransport, "gateway",
					fmt.Sprintf("instance %s of %s is unreachable", instance.InstanceID, route))
			}
			log.WithError(err).WithFields(map[string]interface{}{
				"instance": instance.InstanceID,
				"address":  instance.Address(),
				"outcome":  res.outcome.String(),
			}).Error("Instance request failed")

			rw.Header().Set(HeaderGatewayInstance, instance.InstanceID)
			rw.Header().Set(HeaderBreakerState, state.String())
			h.respondFailure(rw, r, route, policy, svcErr)
			res.written = true
		},
	}

	proxy.ServeHTTP(w, r.WithContext(ctx))
	if res.err == nil {
		res.written = true
	}

	breaker.Record(permit, res.outcome)
	recorded = true

	if res.status >= http.StatusBadRequest {
		log.WithField("status_code", res.status).Warn("Instance returned error response")
	}
	return res
}

// respondFailure answers with the canned fallback or the mapped error
func (h *GatewayHandler) respondFailure(w http.ResponseWriter, r *http.Request, route string, policy domain.RoutePolicy, err error) {
	if policy.Fallback {
		writeFallback(w, route)
		return
	}
	WriteErrorResponse(w, r, err, nil)
}

// writeFallback writes the default degraded response for a route
func writeFallback(w http.ResponseWriter, route string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = fmt.Fprintf(w, "Service unavailable: %s", route)
}

func (h *GatewayHandler) finish(log *logger.Logger, d domain.RoutingDecision, outcome string, start time.Time) {
	d.Duration = time.Since(start)
	h.metrics.ObserveRequest(d.Route, outcome, d.Duration)

	fields := map[string]interface{}{
		"verdict":     d.Verdict.String(),
		"outcome":     outcome,
		"attempt":     d.Attempt,
		"probe":       d.Probe,
		"status_code": d.Status,
		"duration_ms": d.Duration.Milliseconds(),
	}
	if d.Instance != nil {
		fields["instance"] = d.Instance.InstanceID
	}
	entry := log.WithFields(fields)
	if d.Verdict == domain.VerdictAllow && d.Outcome.IsFailure() {
		entry.Error("Request failed")
		return
	}
	entry.Debug("Request completed")
}

// routeKey extracts the routing key and the path to forward. The forward
// path keeps the client's escaping, so an encoded slash stays encoded.
func routeKey(r *http.Request, s domain.GatewaySettings) (string, *url.URL, error) {
	escaped := r.URL.EscapedPath()
	key, forwardRaw := "", escaped

	switch s.RouteMode {
	case domain.RouteModeHeader:
		key = strings.TrimSpace(r.Header.Get(s.RouteHeader))
		if key == "" {
			return "", nil, lberrors.NewInvalidRequestError("route", fmt.Sprintf("header %s is required", s.RouteHeader))
		}
	default:
		segment, rest, _ := strings.Cut(strings.TrimPrefix(escaped, "/"), "/")
		if s.StripPrefix {
			forwardRaw = "/" + rest
		}
		unescaped, err := url.PathUnescape(segment)
		if err != nil {
			return "", nil, lberrors.NewInvalidRequestError("route", fmt.Sprintf("%q is not a valid service name", segment))
		}
		key = unescaped
		if key == "" {
			return "", nil, lberrors.NewInvalidRequestError("route", "request path does not name a service")
		}
	}

	if !identifierPattern.MatchString(key) {
		return "", nil, lberrors.NewInvalidRequestError("route", fmt.Sprintf("%q is not a valid service name", key))
	}
	if forwardRaw == "" {
		forwardRaw = "/"
	}
	forwardPath, err := url.PathUnescape(forwardRaw)
	if err != nil {
		return "", nil, lberrors.NewInvalidRequestError("route", "request path is not valid")
	}
	target := &url.URL{Path: forwardPath}
	if forwardRaw != target.EscapedPath() {
		target.RawPath = forwardRaw
	}
	return key, target, nil
}

// isRetryable reports whether a request may be sent to a second instance
func isRetryable(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return r.ContentLength == 0
	default:
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// responseRecorder captures response details
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
		rr.ResponseWriter.WriteHeader(code)
	}
}

// Write ensures WriteHeader is called
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.WriteHeader(http.StatusOK)
	}
	return rr.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
