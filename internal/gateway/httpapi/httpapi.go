// Package httpapi exposes the tool executor over HTTP.
//
// Security:
//   - Bearer authentication on every /v1 request (static API keys compared
//     in constant time, or HS256 JWTs with tenant claims)
//   - Request body size limits (default 1 MB)
//   - Executions are tenant-scoped: a caller never sees another tenant's records
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/executor"
	"github.com/jkaninda/toolexec/internal/observability"
	"github.com/jkaninda/toolexec/internal/registry"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultWaitTimeout    = time.Minute
	defaultListLimit      = 100
	maxListLimit          = 1000
)

// Executor is the subset of the tool executor served over HTTP.
type Executor interface {
	ExecuteAsync(ctx context.Context, req execution.Request) (execution.ID, error)
	Wait(ctx context.Context, id execution.ID) (*execution.Result, error)
	Status(ctx context.Context, id execution.ID) (*execution.Record, error)
	Result(ctx context.Context, id execution.ID) (*execution.Result, error)
	Attempts(ctx context.Context, id execution.ID) ([]*execution.Attempt, error)
	List(ctx context.Context, f execution.Filter) ([]*execution.Record, error)
	Cancel(ctx context.Context, id execution.ID) error
	Stats() executor.Stats
}

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string         `json:"error"`
	Kind  execution.Kind `json:"kind,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr  string        // e.g., ":8080"
	EnableDocs  bool
	WaitTimeout time.Duration // Upper bound for ?wait=true. 0 = 1 minute.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	exec   Executor
	tools  registry.Registry
	auth   *Auth
	logger *slog.Logger
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the event stream).
	extraRoutes []extraRoute

	once  sync.Once
	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. A nil auth accepts every request
// as the default tenant.
func NewGateway(cfg Config, exec Executor, tools registry.Registry, auth *Auth, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Gateway{
		config: cfg,
		exec:   exec,
		tools:  tools,
		auth:   auth,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	g.once.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	middleware := []okapi.Middleware{}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middleware = append(middleware, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middleware = append(middleware, g.authenticate)

	g.group = g.okapi.Group("/v1", middleware...)

	g.group.Post("/executions", g.handleSubmit,
		okapi.DocSummary("Submit a tool execution"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(SubmitRequest{}),
		okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
		okapi.DocResponse(execution.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/executions", g.handleList,
		okapi.DocSummary("List executions of the caller's tenant"),
		okapi.DocTags("Executions"),
		okapi.DocResponse([]execution.Record{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/executions/{id}", g.handleStatus,
		okapi.DocSummary("Get an execution record"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/executions/{id}/result", g.handleResult,
		okapi.DocSummary("Get an execution result"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(execution.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/executions/{id}/cancel", g.handleCancel,
		okapi.DocSummary("Cancel an execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(execution.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleTools,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolResponse{}),
	)
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Executor statistics"),
		okapi.DocTags("Executions"),
		okapi.DocResponse(executor.Stats{}),
	)

	// Extra handlers authenticate on their own.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "toolexec",
			Version: "v1",
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.once.Do(g.routes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      g.config.WaitTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

const (
	ctxTenant  = "tenantID"
	ctxUser    = "userID"
	ctxRequest = "requestID"
)

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		caller, err := g.auth.Authenticate(c.Request())
		if err != nil {
			g.logger.Debug("http authentication failed", slog.String("error", err.Error()))
			return c.AbortUnauthorized(err.Error())
		}
		requestID := c.Header("X-Request-ID")
		if requestID == "" {
			requestID = newRequestID()
		}
		c.Set(ctxTenant, caller.TenantID)
		c.Set(ctxUser, caller.UserID)
		c.Set(ctxRequest, requestID)
		return next(c)
	}
}

func callerOf(c *okapi.Context) execution.Caller {
	return execution.Caller{
		TenantID:  c.GetString(ctxTenant),
		UserID:    c.GetString(ctxUser),
		RequestID: c.GetString(ctxRequest),
	}
}

// --- Helpers ---

// statusFor maps an error kind to its HTTP status.
func statusFor(kind execution.Kind) int {
	switch kind {
	case execution.KindValidation, execution.KindInvalidConfig:
		return http.StatusBadRequest
	case execution.KindToolNotFound, execution.KindVersionNotFound, execution.KindNotFound:
		return http.StatusNotFound
	case execution.KindPermissionDenied, execution.KindSecurity:
		return http.StatusForbidden
	case execution.KindRateLimited:
		return http.StatusTooManyRequests
	case execution.KindQueueFull:
		return http.StatusServiceUnavailable
	case execution.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError renders err with the status of its kind. Internal errors are
// logged and their message withheld.
func (g *Gateway) writeError(c *okapi.Context, err error) error {
	e := execution.AsError(err)
	code := statusFor(e.Kind)
	msg := e.Message
	if code == http.StatusInternalServerError {
		g.logger.Error("http request failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}
	return c.JSON(code, ErrorBody{Error: msg, Kind: e.Kind})
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
