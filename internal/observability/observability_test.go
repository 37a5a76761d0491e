package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/toolexec/internal/config"
	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/registry"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Fatal("expected every optional component nil for nil config")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Registry() != nil {
		t.Error("registry should be nil when metrics are disabled")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Registry() == nil {
		t.Fatal("expected registry")
	}
	if obs.Anomaly == nil || obs.Anomaly.metrics != obs.Metrics {
		t.Error("anomaly detector should share the metrics collector")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.Registry() != nil {
		t.Error("nil Observability should expose nil components")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	m.HandlerExecutionsTotal.WithLabelValues("shell", "success").Inc()
	m.SandboxOperationsTotal.WithLabelValues("run", "basic", "success").Inc()
	m.SecurityChecksTotal.WithLabelValues("allowed").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"toolexec_handler_executions_total",
		"toolexec_sandbox_operations_total",
		"toolexec_security_checks_total",
		"toolexec_http_requests_total",
		"go_goroutines",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("executor", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "fail" || status.Checks["store"].Message == "" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
	if status.Checks["executor"].Status != "ok" {
		t.Errorf("executor check = %q, want ok", status.Checks["executor"].Status)
	}
}

func TestHealthChecker_AddCheckReplaces(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("down") })
	h.AddCheck("store", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != StatusOK || len(status.Checks) != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("nil detector rate = %v/%d", rate, n)
	}
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	m := NewMetricsCollector()
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5, WindowSeconds: 60}, m, nil)

	for range 4 {
		a.RecordSuccess("util/flaky")
	}
	for range 6 {
		a.RecordError("util/flaky")
	}

	rate, n := a.ErrorRate("util/flaky")
	if n != 10 || rate != 0.6 {
		t.Errorf("rate = %v over %d, want 0.6 over 10", rate, n)
	}
	// Errors five and six push the rate past the threshold.
	if got := counterValue(t, m.Registry, "toolexec_anomaly_detected_total", prometheus.Labels{"tool": "util/flaky"}); got == 0 {
		t.Error("expected anomaly counter to increase")
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{WindowSeconds: 60}, nil, nil)
	now := time.Now()
	a.now = func() time.Time { return now }
	a.RecordError("util/x")
	a.RecordError("util/x")

	now = now.Add(2 * time.Minute)
	if _, n := a.ErrorRate("util/x"); n != 0 {
		t.Errorf("samples after window = %d, want 0", n)
	}
}

func TestAnomalyDetector_Monitor(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{}, nil, nil)
	ctx := context.Background()
	rec := func(s execution.Status) *execution.Record {
		return &execution.Record{ToolID: "util/echo", Status: s}
	}
	a.ExecutionEnded(ctx, rec(execution.StatusCompleted))
	a.ExecutionEnded(ctx, rec(execution.StatusFailed))
	a.ExecutionEnded(ctx, rec(execution.StatusTimedOut))
	a.ExecutionEnded(ctx, rec(execution.StatusCancelled))
	a.ExecutionRetrying(ctx, rec(execution.StatusQueued), time.Second)

	rate, n := a.ErrorRate("util/echo")
	if n != 4 || rate != 0.75 {
		t.Errorf("rate = %v over %d, want 0.75 over 4", rate, n)
	}
}

// --- InstrumentedSandbox ---

type mockSandbox struct {
	out *sandbox.Output
	err error
}

func (m *mockSandbox) Create(context.Context, sandbox.Spec) (string, error) { return "sb-1", nil }
func (m *mockSandbox) Run(context.Context, string, sandbox.Command, []byte) (*sandbox.Output, error) {
	return m.out, m.err
}
func (m *mockSandbox) Destroy(context.Context, string) error { return nil }

func TestInstrumentedSandbox_Lifecycle(t *testing.T) {
	metrics := NewMetricsCollector()
	s := NewInstrumentedSandbox(&mockSandbox{out: &sandbox.Output{ExitCode: 2}}, metrics, nil)
	ctx := context.Background()

	id, err := s.Create(ctx, sandbox.Spec{Level: sandbox.LevelStrict})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx, id, sandbox.Command{Args: []string{"false"}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(ctx, id); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct{ op, status string }{
		{"create", "success"},
		{"run", "nonzero_exit"},
		{"destroy", "success"},
	} {
		got := counterValue(t, metrics.Registry, "toolexec_sandbox_operations_total",
			prometheus.Labels{"operation": tc.op, "level": "strict", "status": tc.status})
		if got != 1 {
			t.Errorf("%s/%s = %v, want 1", tc.op, tc.status, got)
		}
	}
	if len(s.levels) != 0 {
		t.Errorf("level map not cleaned up: %v", s.levels)
	}
}

// --- Instrumented handlers ---

type stubHandler struct{ err error }

func (h *stubHandler) Validate(map[string]any) error { return nil }
func (h *stubHandler) Execute(context.Context, *handler.Invocation) (json.RawMessage, error) {
	return json.RawMessage(`{}`), h.err
}
func (h *stubHandler) Cleanup() {}

func TestInstrumentHandlers(t *testing.T) {
	src := handler.NewRegistry()
	if err := src.Register(handler.KindSystem, func() handler.Handler { return &stubHandler{} }); err != nil {
		t.Fatal(err)
	}
	if err := src.Register(handler.KindShell, func() handler.Handler {
		return &stubHandler{err: execution.NewError(execution.KindExecution, nil, "exit 1")}
	}); err != nil {
		t.Fatal(err)
	}

	metrics := NewMetricsCollector()
	reg, err := InstrumentHandlers(src, metrics, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Kinds()) != 2 {
		t.Fatalf("kinds = %v", reg.Kinds())
	}

	inv := &handler.Invocation{ToolID: "util/echo", ExecutionID: execution.NewID()}
	h, _ := reg.New(handler.KindSystem)
	if _, err := h.Execute(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	h, _ = reg.New(handler.KindShell)
	if _, err := h.Execute(context.Background(), inv); err == nil {
		t.Fatal("expected error")
	}

	if got := counterValue(t, metrics.Registry, "toolexec_handler_executions_total",
		prometheus.Labels{"kind": string(handler.KindSystem), "status": "success"}); got != 1 {
		t.Errorf("system success = %v", got)
	}
	if got := counterValue(t, metrics.Registry, "toolexec_handler_executions_total",
		prometheus.Labels{"kind": string(handler.KindShell), "status": string(execution.KindExecution)}); got != 1 {
		t.Errorf("shell failure = %v", got)
	}
}

func TestInstrumentHandlers_Disabled(t *testing.T) {
	src := handler.NewRegistry()
	reg, err := InstrumentHandlers(src, nil, nil)
	if err != nil || reg != src {
		t.Fatal("expected the source registry back when nothing is enabled")
	}
}

// --- InstrumentedGuard ---

type stubGuard struct {
	deny       bool
	violations int
}

func (g *stubGuard) Authorize(context.Context, execution.Caller, *registry.Descriptor) error {
	if g.deny {
		return execution.ErrPermissionDenied
	}
	return nil
}

func (g *stubGuard) ReportViolation(context.Context, *execution.Record, *execution.Error) {
	g.violations++
}

func TestInstrumentedGuard(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubGuard{}
	g := NewInstrumentedGuard(inner, metrics, nil)
	ctx := context.Background()
	desc := &registry.Descriptor{ID: "util/echo", Version: "1.0.0"}

	if err := g.Authorize(ctx, execution.Caller{TenantID: "acme"}, desc); err != nil {
		t.Fatal(err)
	}
	inner.deny = true
	if err := g.Authorize(ctx, execution.Caller{TenantID: "acme"}, desc); !errors.Is(err, execution.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	g.ReportViolation(ctx, &execution.Record{ToolID: "util/echo"}, &execution.Error{Kind: execution.KindSecurity})

	if inner.violations != 1 {
		t.Errorf("violation not forwarded")
	}
	if got := counterValue(t, metrics.Registry, "toolexec_security_checks_total", prometheus.Labels{"result": "denied"}); got != 1 {
		t.Errorf("denied = %v", got)
	}
	if got := counterValue(t, metrics.Registry, "toolexec_security_violations_total", prometheus.Labels{"tool": "util/echo"}); got != 1 {
		t.Errorf("violations = %v", got)
	}
}

// --- HTTP Middleware ---

func TestMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()
	o := okapi.New()
	g := o.Group("/v1", MetricsMiddleware(metrics, nil))
	g.Get("/executions/{id}", func(c *okapi.Context) error {
		return c.OK(okapi.M{"ok": true})
	})

	id := execution.NewID()
	req := httptest.NewRequest(http.MethodGet, "/v1/executions/"+id.String(), nil)
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "toolexec_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/v1/executions/:id", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestRouteLabel(t *testing.T) {
	id := execution.NewID().String()
	if got := routeLabel("/v1/executions/" + id + "/result"); got != "/v1/executions/:id/result" {
		t.Errorf("label = %q", got)
	}
	if got := routeLabel("/v1/tools"); got != "/v1/tools" {
		t.Errorf("label = %q", got)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
