package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/security"
)

// --- Execution ---

func toExecutionModel(r *execution.Record) (*ExecutionModel, error) {
	retry, err := json.Marshal(r.Retry)
	if err != nil {
		return nil, fmt.Errorf("marshaling retry policy: %w", err)
	}
	errJSON, err := marshalOptional(r.Err)
	if err != nil {
		return nil, fmt.Errorf("marshaling error: %w", err)
	}
	usage, err := marshalOptional(r.Usage)
	if err != nil {
		return nil, fmt.Errorf("marshaling usage: %w", err)
	}
	return &ExecutionModel{
		ID:          r.ID,
		ToolID:      r.ToolID,
		ToolVersion: r.ToolVersion,
		TenantID:    r.Caller.TenantID,
		UserID:      r.Caller.UserID,
		RequestID:   r.Caller.RequestID,
		ParentID:    r.Caller.ParentID,
		Depth:       r.Depth,
		Priority:    int(r.Priority),
		TimeoutMS:   r.Timeout.Milliseconds(),
		Retry:       JSONB(retry),
		Input:       JSONB(r.Input),
		Status:      string(r.Status),
		SandboxID:   r.SandboxID,
		SubmittedAt: r.SubmittedAt.UTC(),
		StartedAt:   utc(r.StartedAt),
		EndedAt:     utc(r.EndedAt),
		NextRetryAt: utc(r.NextRetryAt),
		Attempts:    r.Attempts,
		RetryCount:  r.RetryCount,
		Output:      JSONB(r.Output),
		Error:       errJSON,
		Usage:       usage,
	}, nil
}

func toExecutionDomain(m *ExecutionModel) (*execution.Record, error) {
	r := &execution.Record{
		ID:          m.ID,
		ToolID:      m.ToolID,
		ToolVersion: m.ToolVersion,
		Caller: execution.Caller{
			TenantID:  m.TenantID,
			UserID:    m.UserID,
			RequestID: m.RequestID,
			ParentID:  m.ParentID,
		},
		Depth:       m.Depth,
		Priority:    execution.Priority(m.Priority),
		Timeout:     time.Duration(m.TimeoutMS) * time.Millisecond,
		Input:       json.RawMessage(m.Input),
		Status:      execution.Status(m.Status),
		SandboxID:   m.SandboxID,
		SubmittedAt: m.SubmittedAt,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
		NextRetryAt: m.NextRetryAt,
		Attempts:    m.Attempts,
		RetryCount:  m.RetryCount,
		Output:      json.RawMessage(m.Output),
	}
	if len(m.Retry) > 0 {
		if err := json.Unmarshal(m.Retry, &r.Retry); err != nil {
			return nil, fmt.Errorf("execution %s: decoding retry policy: %w", m.ID, err)
		}
	}
	if len(m.Error) > 0 {
		r.Err = &execution.Error{}
		if err := json.Unmarshal(m.Error, r.Err); err != nil {
			return nil, fmt.Errorf("execution %s: decoding error: %w", m.ID, err)
		}
	}
	if len(m.Usage) > 0 {
		r.Usage = &execution.Usage{}
		if err := json.Unmarshal(m.Usage, r.Usage); err != nil {
			return nil, fmt.Errorf("execution %s: decoding usage: %w", m.ID, err)
		}
	}
	return r, nil
}

// --- Attempt ---

func toAttemptModel(a *execution.Attempt) (*AttemptModel, error) {
	errJSON, err := marshalOptional(a.Err)
	if err != nil {
		return nil, fmt.Errorf("marshaling attempt error: %w", err)
	}
	return &AttemptModel{
		ExecutionID:  a.ExecutionID,
		Number:       a.Number,
		SandboxID:    a.SandboxID,
		StartedAt:    a.StartedAt.UTC(),
		EndedAt:      a.EndedAt.UTC(),
		Outcome:      string(a.Outcome),
		Error:        errJSON,
		RetryDelayMS: a.RetryDelay.Milliseconds(),
	}, nil
}

func toAttemptDomain(m *AttemptModel) (*execution.Attempt, error) {
	a := &execution.Attempt{
		ExecutionID: m.ExecutionID,
		Number:      m.Number,
		SandboxID:   m.SandboxID,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
		Outcome:     execution.Status(m.Outcome),
		RetryDelay:  time.Duration(m.RetryDelayMS) * time.Millisecond,
	}
	if len(m.Error) > 0 {
		a.Err = &execution.Error{}
		if err := json.Unmarshal(m.Error, a.Err); err != nil {
			return nil, fmt.Errorf("attempt %s/%d: decoding error: %w", m.ExecutionID, m.Number, err)
		}
	}
	return a, nil
}

// --- Audit ---

func toAuditModel(e security.AuditEvent) AuditEventModel {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return AuditEventModel{
		ID:          uuid.New(),
		ExecutionID: e.ExecutionID,
		TenantID:    e.TenantID,
		UserID:      e.UserID,
		RequestID:   e.RequestID,
		Action:      e.Action,
		Tool:        e.Tool,
		Result:      e.Result,
		Severity:    e.Severity,
		Error:       e.Error,
		CreatedAt:   ts.UTC(),
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	return security.AuditEvent{
		Timestamp:   m.CreatedAt,
		ExecutionID: m.ExecutionID,
		TenantID:    m.TenantID,
		UserID:      m.UserID,
		RequestID:   m.RequestID,
		Action:      m.Action,
		Tool:        m.Tool,
		Result:      m.Result,
		Severity:    m.Severity,
		Error:       m.Error,
	}
}

func marshalOptional[T any](v *T) (JSONB, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONB(b), nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
