// Package security implements default-deny tool authorization for tenants,
// security violation tracking and audit logging.
package security

import (
	"errors"
	"time"
)

// ErrTenantBlocked is returned once a tenant has accumulated too many
// security violations within the retention window.
var ErrTenantBlocked = errors.New("tenant blocked after repeated security violations")

// Severity classifies a security violation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical // Always alerted.
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string to a Severity.
// Unrecognized values default to SeverityCritical.
func ParseSeverity(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Audit results.
const (
	ResultAllowed   = "allowed"
	ResultDenied    = "denied"
	ResultViolation = "violation"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id,omitempty"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Action      string    `json:"action"` // "authorize", "violation"
	Tool        string    `json:"tool"`
	Result      string    `json:"result"`
	Severity    string    `json:"severity,omitempty"`
	Error       string    `json:"error,omitempty"`
}
