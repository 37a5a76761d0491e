package observability

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/executor"
	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/registry"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Manager with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Manager
	metrics *MetricsCollector
	tracer  trace.Tracer

	mu     sync.Mutex
	levels map[string]sandbox.Level // instance id → level, for labels
}

// NewInstrumentedSandbox wraps a sandbox manager with observability.
func NewInstrumentedSandbox(inner sandbox.Manager, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		levels:  make(map[string]sandbox.Level),
	}
}

func (s *InstrumentedSandbox) Create(ctx context.Context, spec sandbox.Spec) (string, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.create",
			trace.WithAttributes(attribute.String("sandbox.level", string(spec.Level))))
		defer span.End()
	}

	id, err := s.inner.Create(ctx, spec)
	if err != nil {
		if s.tracer != nil {
			failSpan(trace.SpanFromContext(ctx), err)
		}
	} else {
		s.mu.Lock()
		s.levels[id] = spec.Level
		s.mu.Unlock()
	}
	s.record("create", spec.Level, err)
	return id, err
}

func (s *InstrumentedSandbox) Run(ctx context.Context, id string, cmd sandbox.Command, input []byte) (*sandbox.Output, error) {
	level := s.level(id)
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.id", id),
				attribute.String("sandbox.level", string(level)),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := s.inner.Run(ctx, id, cmd, input)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if s.tracer != nil {
			failSpan(trace.SpanFromContext(ctx), err)
		}
	} else if out != nil && out.ExitCode != 0 {
		status = "nonzero_exit"
		if s.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", out.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxOperationsTotal.WithLabelValues("run", string(level), status).Inc()
		s.metrics.SandboxRunDuration.WithLabelValues(string(level)).Observe(duration)
	}
	return out, err
}

func (s *InstrumentedSandbox) Destroy(ctx context.Context, id string) error {
	level := s.level(id)
	err := s.inner.Destroy(ctx, id)
	s.mu.Lock()
	delete(s.levels, id)
	s.mu.Unlock()
	s.record("destroy", level, err)
	return err
}

func (s *InstrumentedSandbox) level(id string) sandbox.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[id]
}

func (s *InstrumentedSandbox) record(op string, level sandbox.Level, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.SandboxOperationsTotal.WithLabelValues(op, string(level), status).Inc()
}

// --- Instrumented handlers ---

// InstrumentHandlers returns a registry whose handlers record metrics and
// spans around every attempt. Factories are resolved through src.
func InstrumentHandlers(src *handler.Registry, metrics *MetricsCollector, ts *TracerSetup) (*handler.Registry, error) {
	if metrics == nil && ts == nil {
		return src, nil
	}
	out := handler.NewRegistry()
	tracer := tracerOf(ts)
	for _, kind := range src.Kinds() {
		err := out.Register(kind, func() handler.Handler {
			inner, err := src.New(kind)
			if err != nil {
				// Registered kinds always resolve.
				panic(err)
			}
			return &instrumentedHandler{inner: inner, kind: kind, metrics: metrics, tracer: tracer}
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type instrumentedHandler struct {
	inner   handler.Handler
	kind    handler.Kind
	metrics *MetricsCollector
	tracer  trace.Tracer
}

func (h *instrumentedHandler) Validate(cfg map[string]any) error { return h.inner.Validate(cfg) }

func (h *instrumentedHandler) Cleanup() { h.inner.Cleanup() }

func (h *instrumentedHandler) Execute(ctx context.Context, inv *handler.Invocation) (json.RawMessage, error) {
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "handler.execute",
			trace.WithAttributes(
				attribute.String("handler.kind", string(h.kind)),
				attribute.String("tool.id", inv.ToolID),
				attribute.String("tool.version", inv.ToolVersion),
				attribute.String("execution.id", inv.ExecutionID.String()),
				attribute.Int("execution.attempt", inv.Attempt),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := h.inner.Execute(ctx, inv)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = string(execution.KindOf(err))
		if h.tracer != nil {
			failSpan(trace.SpanFromContext(ctx), err)
		}
	}
	if h.metrics != nil {
		h.metrics.HandlerExecutionsTotal.WithLabelValues(string(h.kind), status).Inc()
		h.metrics.HandlerExecutionDuration.WithLabelValues(string(h.kind)).Observe(duration)
	}
	return out, err
}

// --- InstrumentedGuard ---

// InstrumentedGuard wraps an executor.Guard with metrics and tracing.
type InstrumentedGuard struct {
	inner   executor.Guard
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedGuard wraps an admission guard with observability.
func NewInstrumentedGuard(inner executor.Guard, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedGuard {
	return &InstrumentedGuard{inner: inner, metrics: metrics, tracer: tracerOf(ts)}
}

func (g *InstrumentedGuard) Authorize(ctx context.Context, caller execution.Caller, desc *registry.Descriptor) error {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "security.authorize",
			trace.WithAttributes(
				attribute.String("security.tenant_id", caller.TenantID),
				attribute.String("tool.id", desc.ID),
			))
		defer span.End()
	}

	err := g.inner.Authorize(ctx, caller, desc)
	if g.metrics != nil {
		result := "allowed"
		if err != nil {
			result = "denied"
		}
		g.metrics.SecurityChecksTotal.WithLabelValues(result).Inc()
	}
	return err
}

func (g *InstrumentedGuard) ReportViolation(ctx context.Context, rec *execution.Record, err *execution.Error) {
	if g.metrics != nil {
		g.metrics.SecurityViolationsTotal.WithLabelValues(rec.ToolID).Inc()
	}
	g.inner.ReportViolation(ctx, rec, err)
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Manager  = (*InstrumentedSandbox)(nil)
	_ handler.Handler  = (*instrumentedHandler)(nil)
	_ executor.Guard   = (*InstrumentedGuard)(nil)
	_ executor.Monitor = (*AnomalyDetector)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
