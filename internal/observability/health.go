package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const readinessTimeout = 3 * time.Second

// Readiness states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker answers liveness and readiness for the engine. Readiness
// runs every registered dependency check (storage, executor) in parallel.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]func(ctx context.Context) error
	order   []string
	started time.Time
	logger  *slog.Logger
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = discard()
	}
	return &HealthChecker{
		checks:  make(map[string]func(ctx context.Context) error),
		started: time.Now(),
		logger:  logger,
	}
}

// AddCheck registers check under name, replacing any check of that name.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

// CheckHealth is the liveness answer: ok while the process serves requests.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK, Uptime: time.Since(h.started).Truncate(time.Second).String()}
}

// CheckReady is ok only when every check passes within the readiness timeout.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.order...)
	checks := make([]func(ctx context.Context) error, len(names))
	for i, n := range names {
		checks[i] = h.checks[n]
	}
	h.mu.RUnlock()

	status := HealthStatus{Status: StatusOK}
	if len(names) == 0 {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			err := checks[i](ctx)
			results[i] = CheckResult{Status: StatusOK, Duration: time.Since(start).String()}
			if err != nil {
				results[i].Status = StatusFail
				results[i].Message = err.Error()
			}
		}(i)
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(names))
	for i, n := range names {
		status.Checks[n] = results[i]
		if results[i].Status != StatusOK {
			status.Status = StatusDegraded
			h.logger.Warn("readiness check failed",
				slog.String("check", n),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
