package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/mux"
	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/internal/service"
	"github.com/mir00r/registry-gateway/pkg/logger"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
)

const (
	maxServiceDocBytes = 8 << 20
	maxParallelFetches = 8
)

// ServiceLister lists every service name the gateway can route to
type ServiceLister interface {
	Services() []string
}

// OpenAPIAggregator serves one API document merged from the documents each
// routed service publishes. Fetches go through the same route table, balancer
// and breakers as proxied traffic; a service that cannot be fetched is left
// out rather than failing the whole document.
type OpenAPIAggregator struct {
	services ServiceLister
	routes   domain.RouteResolver
	balancer domain.Balancer
	breakers *service.BreakerSet
	settings func() domain.GatewaySettings
	client   *http.Client
	config   config.OpenAPIConfig
	logger   *logger.Logger
}

// NewOpenAPIAggregator creates the aggregator. settings supplies the routing
// mode used to prefix merged paths and the per-route failure policy.
func NewOpenAPIAggregator(
	services ServiceLister,
	routes domain.RouteResolver,
	balancer domain.Balancer,
	breakers *service.BreakerSet,
	settings func() domain.GatewaySettings,
	transport http.RoundTripper,
	cfg config.OpenAPIConfig,
	log *logger.Logger,
) *OpenAPIAggregator {
	if log == nil {
		log = logger.Discard()
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &OpenAPIAggregator{
		services: services,
		routes:   routes,
		balancer: balancer,
		breakers: breakers,
		settings: settings,
		client:   &http.Client{Transport: transport},
		config:   cfg,
		logger:   log.GatewayLogger("openapi"),
	}
}

// RegisterRoutes mounts the merged document and, when enabled, the Swagger UI
func (a *OpenAPIAggregator) RegisterRoutes(router *mux.Router) {
	router.HandleFunc(a.config.Route, a.ServeHTTP).Methods(http.MethodGet)
	if a.config.SwaggerUI {
		router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(httpSwagger.URL(a.config.Route)))
	}
}

// serviceDoc is one fetched document and the service it came from
type serviceDoc struct {
	service string
	doc     *openapi3.T
}

// ServeHTTP fetches every service's document and writes the merged result
func (a *OpenAPIAggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docs := a.collect(r.Context())
	settings := a.settings()
	prefix := settings.RouteMode == domain.RouteModePath && settings.StripPrefix

	merged := mergeDocuments(a.config, docs, prefix)
	body, err := json.Marshal(merged)
	if err != nil {
		WriteErrorResponse(w, r, lberrors.WrapError(err, lberrors.ErrCodeInternalError, "openapi", "failed to encode merged document"), a.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// collect fetches all documents concurrently, keeping service order
func (a *OpenAPIAggregator) collect(ctx context.Context) []serviceDoc {
	names := append([]string(nil), a.services.Services()...)
	sort.Strings(names)

	results := make([]*openapi3.T, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			doc, err := a.fetch(gctx, name)
			if err != nil {
				a.logger.WithError(err).WithField("route", name).Warn("Leaving service out of the merged API document")
				return nil
			}
			results[i] = doc
			return nil
		})
	}
	_ = g.Wait()

	docs := make([]serviceDoc, 0, len(names))
	for i, doc := range results {
		if doc != nil {
			docs = append(docs, serviceDoc{service: names[i], doc: doc})
		}
	}
	return docs
}

// fetch downloads one service's document through its breaker
func (a *OpenAPIAggregator) fetch(ctx context.Context, route string) (*openapi3.T, error) {
	instances, err := a.routes.Resolve(route)
	if err != nil {
		return nil, err
	}

	breaker := a.breakers.Get(route)
	permit, verdict := breaker.Acquire()
	if verdict == domain.VerdictShortCircuit {
		return nil, lberrors.NewShortCircuitedError(route, breaker.State().String())
	}

	instance, err := a.balancer.Choose(route, instances)
	if err != nil {
		breaker.Record(permit, domain.OutcomeAbandoned)
		return nil, err
	}

	data, outcome, err := a.download(ctx, route, instance)
	breaker.Record(permit, outcome)
	if err != nil {
		return nil, err
	}

	doc, err := openapi3.NewLoader().LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("instance %s published an unreadable document: %w", instance.InstanceID, err)
	}
	return doc, nil
}

func (a *OpenAPIAggregator) download(ctx context.Context, route string, instance domain.ServiceInstance) ([]byte, domain.Outcome, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, a.config.FetchTimeout)
	defer cancel()

	url := "http://" + instance.Address() + a.config.DocsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.OutcomeAbandoned, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		switch {
		case parent.Err() != nil:
			return nil, domain.OutcomeAbandoned, err
		case errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err):
			return nil, domain.OutcomeTimeout, lberrors.WrapError(err, lberrors.ErrCodeUpstreamTimeout, "openapi",
				fmt.Sprintf("instance %s of %s timed out", instance.InstanceID, route))
		default:
			return nil, domain.OutcomeFailure, lberrors.WrapError(err, lberrors.ErrCodeUpstreamTransport, "openapi",
				fmt.Sprintf("instance %s of %s is unreachable", instance.InstanceID, route))
		}
	}
	defer resp.Body.Close()

	outcome := a.settings().PolicyFor(route).ClassifyStatus(resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxServiceDocBytes))
		return nil, outcome, fmt.Errorf("instance %s answered %s with status %d", instance.InstanceID, a.config.DocsPath, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxServiceDocBytes))
	if err != nil {
		return nil, domain.OutcomeFailure, fmt.Errorf("read document from %s: %w", instance.InstanceID, err)
	}
	return data, outcome, nil
}

// mergeDocuments folds the service documents into one. Paths, schemas and
// security schemes are unioned with later services winning on clashes; the
// first non-empty top-level security requirement is kept. With prefix set,
// each path is moved under its service's routing segment.
func mergeDocuments(cfg config.OpenAPIConfig, docs []serviceDoc, prefix bool) *openapi3.T {
	merged := &openapi3.T{
		OpenAPI: "3.0.1",
		Info: &openapi3.Info{
			Title:       cfg.Title,
			Version:     cfg.Version,
			Description: cfg.Description,
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas:         openapi3.Schemas{},
			SecuritySchemes: openapi3.SecuritySchemes{},
		},
		Security: openapi3.SecurityRequirements{},
		Tags:     openapi3.Tags{},
	}

	for _, d := range docs {
		merged.Tags = append(merged.Tags, &openapi3.Tag{
			Name:        d.service,
			Description: "API for " + d.service,
		})

		if d.doc.Paths != nil {
			for path, item := range d.doc.Paths.Map() {
				if item == nil {
					continue
				}
				for _, op := range item.Operations() {
					if op != nil && len(op.Tags) == 0 {
						op.Tags = []string{d.service}
					}
				}
				if prefix {
					path = "/" + d.service + "/" + strings.TrimPrefix(path, "/")
				}
				merged.Paths.Set(path, item)
			}
		}

		if c := d.doc.Components; c != nil {
			for name, schema := range c.Schemas {
				merged.Components.Schemas[name] = schema
			}
			for name, scheme := range c.SecuritySchemes {
				merged.Components.SecuritySchemes[name] = scheme
			}
		}

		if len(merged.Security) == 0 && len(d.doc.Security) > 0 {
			merged.Security = append(merged.Security, d.doc.Security...)
		}
	}
	return merged
}
