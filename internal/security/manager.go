package security

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/registry"
)

// rbacEnforcer is the RBAC check contract. Satisfied by *RBAC.
type rbacEnforcer interface {
	CheckPermission(ctx context.Context, tenantID, toolID string) error
}

// policyChecker is the tenant policy contract. Satisfied by *PolicyEnforcer.
type policyChecker interface {
	CheckTool(ctx context.Context, tenantID string, desc *registry.Descriptor) error
}

// auditAppender is the audit logging contract.
// Satisfied by *AuditLogger (JSONL file) and *StoreAuditLogger (database).
type auditAppender interface {
	Append(ctx context.Context, event AuditEvent) error
	Close() error
}

// Config configures the Manager.
type Config struct {
	MaxViolations      int           // Per tenant within the retention window. 0 = 100.
	ViolationRetention time.Duration // 0 = 30 days.
	AuditAllowed       bool          // Also audit successful authorizations.
}

// Manager composes RBAC, tenant policies, violation tracking and audit into
// the executor's admission guard. Nil components are skipped.
type Manager struct {
	rbac       rbacEnforcer
	policy     policyChecker
	audit      auditAppender
	violations *ViolationTracker
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a composed security manager.
func NewManager(cfg Config, rbac rbacEnforcer, policy policyChecker, audit auditAppender, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = discard()
	}
	m := &Manager{
		violations: NewViolationTracker(cfg.MaxViolations, cfg.ViolationRetention),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	// Typed nil pointers must not end up in the interfaces.
	if r, ok := rbac.(*RBAC); !ok || r != nil {
		m.rbac = rbac
	}
	if p, ok := policy.(*PolicyEnforcer); !ok || p != nil {
		m.policy = policy
	}
	if a, ok := audit.(*AuditLogger); !ok || a != nil {
		m.audit = audit
	}
	return m
}

// Authorize runs the admission checks in order: violation block, RBAC,
// tenant policy. Denials are audited.
func (m *Manager) Authorize(ctx context.Context, caller execution.Caller, desc *registry.Descriptor) error {
	err := m.authorize(ctx, caller, desc)
	if err != nil || m.cfg.AuditAllowed {
		ev := AuditEvent{
			Timestamp: m.now(),
			TenantID:  caller.TenantID,
			UserID:    caller.UserID,
			RequestID: caller.RequestID,
			Action:    "authorize",
			Tool:      desc.Key(),
			Result:    ResultAllowed,
		}
		if err != nil {
			ev.Result = ResultDenied
			ev.Error = err.Error()
		}
		m.appendAudit(ctx, ev)
	}
	return err
}

func (m *Manager) authorize(ctx context.Context, caller execution.Caller, desc *registry.Descriptor) error {
	if m.violations.Blocked(caller.TenantID) {
		m.logger.WarnContext(ctx, "permission denied: tenant blocked",
			slog.String("tenant_id", caller.TenantID),
			slog.String("tool_id", desc.ID),
		)
		return fmt.Errorf("%w: %w", execution.ErrPermissionDenied, ErrTenantBlocked)
	}
	if m.rbac != nil {
		if err := m.rbac.CheckPermission(ctx, caller.TenantID, desc.ID); err != nil {
			return err
		}
	}
	if m.policy != nil {
		if err := m.policy.CheckTool(ctx, caller.TenantID, desc); err != nil {
			return err
		}
	}
	return nil
}

// ReportViolation records a security violation raised by an attempt.
func (m *Manager) ReportViolation(ctx context.Context, rec *execution.Record, verr *execution.Error) {
	msg := verr.Message
	if verr.Detail != "" && verr.Detail != msg {
		msg += ": " + verr.Detail
	}
	v, count, blocked := m.violations.Record(Violation{
		Time:        m.now(),
		TenantID:    rec.Caller.TenantID,
		ExecutionID: rec.ID.String(),
		ToolID:      rec.ToolID,
		Message:     msg,
		Severity:    SeverityHigh,
	})

	attrs := []any{
		slog.String("tenant_id", v.TenantID),
		slog.String("execution_id", v.ExecutionID),
		slog.String("tool_id", v.ToolID),
		slog.String("severity", v.Severity.String()),
		slog.Int("violations", count),
		slog.String("error", msg),
	}
	if v.Severity == SeverityCritical {
		m.logger.ErrorContext(ctx, "critical security violation", append(attrs, slog.Bool("tenant_blocked", blocked))...)
	} else {
		m.logger.WarnContext(ctx, "security violation", attrs...)
	}

	m.appendAudit(ctx, AuditEvent{
		Timestamp:   v.Time,
		ExecutionID: v.ExecutionID,
		TenantID:    v.TenantID,
		UserID:      rec.Caller.UserID,
		RequestID:   rec.Caller.RequestID,
		Action:      "violation",
		Tool:        rec.ToolID + "@" + rec.ToolVersion,
		Result:      ResultViolation,
		Severity:    v.Severity.String(),
		Error:       msg,
	})
}

// Violations returns the tenant's violations within the retention window.
func (m *Manager) Violations(tenantID string) []Violation {
	return m.violations.List(tenantID)
}

// Blocked reports whether the tenant is currently blocked.
func (m *Manager) Blocked(tenantID string) bool {
	return m.violations.Blocked(tenantID)
}

// Cleanup drops expired violations.
func (m *Manager) Cleanup() int {
	return m.violations.Cleanup()
}

// Close releases resources (closes the audit log file).
func (m *Manager) Close() error {
	if m.audit == nil {
		return nil
	}
	return m.audit.Close()
}

func (m *Manager) appendAudit(ctx context.Context, ev AuditEvent) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Append(ctx, ev); err != nil {
		m.logger.ErrorContext(ctx, "audit append failed",
			slog.String("action", ev.Action),
			slog.String("error", err.Error()),
		)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
