package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/toolexec/internal/config"
	"github.com/jkaninda/toolexec/internal/events"
	"github.com/jkaninda/toolexec/internal/executor"
	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/handler/javascript"
	"github.com/jkaninda/toolexec/internal/handler/mcp"
	"github.com/jkaninda/toolexec/internal/handler/python"
	"github.com/jkaninda/toolexec/internal/handler/shell"
	"github.com/jkaninda/toolexec/internal/handler/subflow"
	"github.com/jkaninda/toolexec/internal/handler/system"
	"github.com/jkaninda/toolexec/internal/observability"
	"github.com/jkaninda/toolexec/internal/ratelimit"
	"github.com/jkaninda/toolexec/internal/registry"
	"github.com/jkaninda/toolexec/internal/sandbox"
	"github.com/jkaninda/toolexec/internal/scheduler"
	"github.com/jkaninda/toolexec/internal/security"
	"github.com/jkaninda/toolexec/internal/storage"
	"github.com/jkaninda/toolexec/internal/worker"
)

const eventBuffer = 256

// loadConfig resolves the config path (flag, then TOOLEXEC_CONFIG, then the
// default location). A missing default file yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	explicit := configPath != ""
	path := goutils.Env("TOOLEXEC_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	} else {
		explicit = true
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	if err := cfg.ResolveSecrets(context.Background()); err != nil {
		return nil, fmt.Errorf("config secrets: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. format overrides cfg.Format when the
// config leaves it empty.
func newLogger(cfg config.LogConfig, w io.Writer, format string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Format != "" {
		format = cfg.Format
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Runtime holds the subsystems shared by serve and run. Built once by
// initRuntime, torn down by Cleanup.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    storage.Store
	Obs      *observability.Observability
	Tools    *registry.Memory
	Security *security.Manager
	Limiter  *ratelimit.Limiter // nil = no rate limiting.
	Events   *events.Hub
	Executor *executor.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (rt *Runtime) Cleanup() {
	for i := len(rt.cleanups) - 1; i >= 0; i-- {
		rt.cleanups[i]()
	}
}

func (rt *Runtime) addCleanup(fn func()) {
	rt.cleanups = append(rt.cleanups, fn)
}

// initRuntime builds the executor and its collaborators and starts the
// worker pool. Callers must call rt.Cleanup() when done.
func initRuntime(cfg *config.Config, logger *slog.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			rt.Cleanup()
		}
	}()

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	rt.Obs = obs
	rt.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Execution log.
	store, err := storage.Open(cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening execution log: %w", err)
	}
	rt.Store = store
	rt.addCleanup(func() { _ = store.Close() })
	obs.Health.AddCheck("storage", store.Ping)
	logger.Debug("execution log opened", slog.String("driver", store.Driver()))

	// Tool registry.
	rt.Tools = registry.NewMemory()
	if dir := cfg.Tools.Dir; dir != "" {
		n, err := rt.Tools.LoadDir(dir, logger)
		if err != nil {
			return nil, fmt.Errorf("loading tools from %s: %w", dir, err)
		}
		logger.Info("tools loaded", slog.String("dir", dir), slog.Int("count", n))
	}

	// Security.
	rt.Security, err = initSecurity(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	rt.addCleanup(func() { _ = rt.Security.Close() })

	if cfg.RateLimit != nil {
		rt.Limiter = ratelimit.NewLimiter(*cfg.RateLimit)
	}

	// Handlers. The subflow handler needs the executor, which needs the
	// registry: the factory reads exec lazily.
	var exec *executor.Executor
	handlers := handler.NewRegistry()
	builtins := map[handler.Kind]handler.Factory{
		handler.KindSystem:              system.New,
		handler.KindShell:               shell.New,
		handler.KindPython:              python.New,
		handler.Custom(javascript.Name): javascript.New,
		handler.KindSubflow:             func() handler.Handler { return subflow.NewFactory(exec)() },
	}
	for kind, f := range builtins {
		if err := handlers.Register(kind, f); err != nil {
			return nil, err
		}
	}
	mcpPool, err := mcp.NewPool(cfg.Tools.MCPServers, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring mcp servers: %w", err)
	}
	rt.addCleanup(mcpPool.Close)
	if err := handlers.Register(handler.Custom(mcp.Name), mcpPool.NewFactory()); err != nil {
		return nil, err
	}

	instrumented, err := observability.InstrumentHandlers(handlers, obs.Metrics, obs.Tracer)
	if err != nil {
		return nil, err
	}

	var sandboxes sandbox.Manager = sandbox.NewManager(cfg.SandboxSettings(), logger)
	var guard executor.Guard = rt.Security
	if obs.Metrics != nil || obs.Tracer != nil {
		sandboxes = observability.NewInstrumentedSandbox(sandboxes, obs.Metrics, obs.Tracer)
		guard = observability.NewInstrumentedGuard(guard, obs.Metrics, obs.Tracer)
	}

	// Executor.
	rt.Events = events.NewHub(eventBuffer, logger)
	rt.addCleanup(rt.Events.Close)

	reg := obs.Registry()
	exec = executor.New(cfg.ExecutorSettings(), rt.Tools, instrumented, sandboxes, logger).
		WithStore(store).
		WithGuard(guard).
		WithMonitor(rt.Events).
		WithMetrics(executor.NewMetrics(reg), scheduler.NewMetrics(reg), worker.NewMetrics(reg))
	if rt.Limiter != nil {
		exec.WithLimiter(rt.Limiter)
	}
	if obs.Anomaly != nil {
		exec.WithMonitor(obs.Anomaly)
	}
	if err := exec.Start(); err != nil {
		return nil, fmt.Errorf("starting executor: %w", err)
	}
	rt.Executor = exec
	rt.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exec.Shutdown(ctx); err != nil {
			logger.Error("executor shutdown", slog.String("error", err.Error()))
		}
	})

	logger.Debug("executor started",
		slog.Int("handler_kinds", len(instrumented.Kinds())),
		slog.String("sandbox_min_level", string(cfg.SandboxSettings().MinLevel)),
	)
	return rt, nil
}

// initSecurity builds the admission guard from the security section. A nil
// section yields a manager that only tracks violations.
func initSecurity(cfg *config.Config, store storage.Store, logger *slog.Logger) (*security.Manager, error) {
	sec := cfg.Security
	if sec == nil {
		return security.NewManager(security.Config{}, nil, nil, nil, logger), nil
	}

	var rbac *security.RBAC
	if sec.RBAC != nil {
		rbac = security.NewRBAC(*sec.RBAC, logger)
	}

	var policy *security.PolicyEnforcer
	if len(sec.Policies) > 0 {
		p, err := security.NewPolicyEnforcer(sec.Policies, sec.PolicyBindings, logger)
		if err != nil {
			return nil, fmt.Errorf("loading tenant policies: %w", err)
		}
		policy = p
	}

	var m *security.Manager
	if sec.AuditToStore {
		m = security.NewManager(sec.SecuritySettings(), rbac, policy, security.NewStoreAuditLogger(store, logger), logger)
	} else {
		audit, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		m = security.NewManager(sec.SecuritySettings(), rbac, policy, audit, logger)
	}
	return m, nil
}
