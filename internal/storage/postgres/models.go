package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and
// sql.Scanner interfaces for GORM JSONB columns.
type JSONB json.RawMessage

// Value returns the JSON text, or NULL for an empty value.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan accepts the text or byte form of a JSON column.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// ExecutionModel maps to the "executions" table. One row per execution,
// upserted on every persisted transition.
type ExecutionModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ToolID      string     `gorm:"not null;index"`
	ToolVersion string     `gorm:"not null"`
	TenantID    string     `gorm:"not null;index:idx_executions_tenant_submitted,priority:1"`
	UserID      string
	RequestID   string
	ParentID    *uuid.UUID `gorm:"type:uuid;index"`
	Depth       int        `gorm:"not null;default:0"`
	Priority    int        `gorm:"not null"`
	TimeoutMS   int64      `gorm:"not null"`
	Retry       JSONB      `gorm:"type:jsonb"`
	Input       JSONB      `gorm:"type:jsonb"`
	Status      string     `gorm:"not null;index"`
	SandboxID   string
	SubmittedAt time.Time  `gorm:"not null;index:idx_executions_tenant_submitted,priority:2"`
	StartedAt   *time.Time
	EndedAt     *time.Time `gorm:"index"`
	NextRetryAt *time.Time
	Attempts    int   `gorm:"not null;default:0"`
	RetryCount  int   `gorm:"not null;default:0"`
	Output      JSONB `gorm:"type:jsonb"`
	Error       JSONB `gorm:"type:jsonb"`
	Usage       JSONB `gorm:"type:jsonb"`
	UpdatedAt   time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// AttemptModel maps to the "execution_attempts" table. Append-only.
type AttemptModel struct {
	ExecutionID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Number       int       `gorm:"primaryKey"`
	SandboxID    string
	StartedAt    time.Time `gorm:"not null"`
	EndedAt      time.Time `gorm:"not null"`
	Outcome      string    `gorm:"not null"`
	Error        JSONB     `gorm:"type:jsonb"`
	RetryDelayMS int64
}

func (AttemptModel) TableName() string { return "execution_attempts" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditEventModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID string    `gorm:"index"`
	TenantID    string    `gorm:"not null;index"`
	UserID      string
	RequestID   string
	Action      string `gorm:"not null"`
	Tool        string `gorm:"not null"`
	Result      string `gorm:"not null"`
	Severity    string
	Error       string
	CreatedAt   time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
