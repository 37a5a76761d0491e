package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ID identifies an execution record.
type ID = uuid.UUID

// NewID returns a fresh random execution id.
func NewID() ID { return uuid.New() }

// ParseID parses the textual form of an execution id.
func ParseID(s string) (ID, error) { return uuid.Parse(s) }

// Caller identifies who submitted a request.
type Caller struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id,omitempty"`
	// ParentID links a nested sub-execution to the execution that spawned it.
	ParentID *ID `json:"parent_id,omitempty"`
}

// Options override per-request execution settings.
type Options struct {
	Timeout  time.Duration `json:"timeout,omitempty"`
	Priority Priority      `json:"priority"`
	Retry    *RetryPolicy  `json:"retry,omitempty"`
}

// Request is a caller's ask to run one tool.
type Request struct {
	ToolID  string          `json:"tool_id"`
	Version string          `json:"version,omitempty"` // Empty = latest.
	Input   json.RawMessage `json:"input,omitempty"`
	Caller  Caller          `json:"caller"`
	Options Options         `json:"options"`
}

// Usage is the resource consumption snapshot of the last attempt.
type Usage struct {
	WallTime    time.Duration `json:"wall_time"`
	UserCPU     time.Duration `json:"user_cpu"`
	SystemCPU   time.Duration `json:"system_cpu"`
	MaxRSSKB    int64         `json:"max_rss_kb"`
	OutputBytes int64         `json:"output_bytes"`
}

// Record is the unit of work and its lifecycle data.
type Record struct {
	ID          ID              `json:"id"`
	ToolID      string          `json:"tool_id"`
	ToolVersion string          `json:"tool_version"`
	Caller      Caller          `json:"caller"`
	Depth       int             `json:"depth"`
	Priority    Priority        `json:"priority"`
	Timeout     time.Duration   `json:"timeout"`
	Retry       RetryPolicy     `json:"retry"`
	Input       json.RawMessage `json:"input,omitempty"`

	Status    Status `json:"status"`
	SandboxID string `json:"sandbox_id,omitempty"` // Set only while Running.

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	Attempts   int `json:"attempts"`    // Attempts started so far.
	RetryCount int `json:"retry_count"` // Re-queues so far.

	Output json.RawMessage `json:"output,omitempty"`
	Err    *Error          `json:"error,omitempty"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// NewRecord builds a Pending record for req.
func NewRecord(req Request, now time.Time) *Record {
	return &Record{
		ID:          NewID(),
		ToolID:      req.ToolID,
		ToolVersion: req.Version,
		Caller:      req.Caller,
		Priority:    req.Options.Priority,
		Input:       req.Input,
		Status:      StatusPending,
		SubmittedAt: now,
	}
}

// Transition moves the record to next, enforcing the state machine and the
// Running-only sandbox reference.
func (r *Record) Transition(next Status, now time.Time) error {
	if err := ValidateTransition(r.Status, next); err != nil {
		return err
	}
	if r.Status == StatusRunning {
		r.SandboxID = ""
	}
	switch next {
	case StatusQueued:
		if r.Status == StatusRunning {
			r.RetryCount++
		}
	case StatusRunning:
		r.Attempts++
		r.NextRetryAt = nil
		if r.StartedAt == nil {
			t := now
			r.StartedAt = &t
		}
	}
	r.Status = next
	if next.IsTerminal() {
		t := now
		r.EndedAt = &t
		r.NextRetryAt = nil
	}
	return nil
}

// Duration returns the time between start and end, or zero if not ended.
func (r *Record) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// Clone returns a deep copy safe to hand to readers.
func (r *Record) Clone() *Record {
	c := *r
	c.Input = cloneRaw(r.Input)
	c.Output = cloneRaw(r.Output)
	if r.Caller.ParentID != nil {
		p := *r.Caller.ParentID
		c.Caller.ParentID = &p
	}
	c.StartedAt = cloneTime(r.StartedAt)
	c.EndedAt = cloneTime(r.EndedAt)
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	if r.Err != nil {
		e := *r.Err
		c.Err = &e
	}
	if r.Usage != nil {
		u := *r.Usage
		c.Usage = &u
	}
	return &c
}

// Result is the terminal view returned to callers.
type Result struct {
	ID       ID              `json:"id"`
	Status   Status          `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Err      *Error          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
	Usage    *Usage          `json:"usage,omitempty"`
}

// ResultOf projects a record into its caller-facing result.
func ResultOf(r *Record) *Result {
	res := &Result{
		ID:       r.ID,
		Status:   r.Status,
		Err:      r.Err,
		Attempts: r.Attempts,
		Duration: r.Duration(),
		Usage:    r.Usage,
	}
	if r.Status == StatusCompleted {
		res.Output = r.Output
	}
	return res
}

// Filter selects records in List queries. Zero fields match everything.
type Filter struct {
	TenantID string
	ToolID   string
	Status   Status
	ParentID *ID
	Since    time.Time
	Limit    int
}

// Match reports whether r satisfies the filter.
func (f Filter) Match(r *Record) bool {
	if f.TenantID != "" && r.Caller.TenantID != f.TenantID {
		return false
	}
	if f.ToolID != "" && r.ToolID != f.ToolID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ParentID != nil && (r.Caller.ParentID == nil || *r.Caller.ParentID != *f.ParentID) {
		return false
	}
	if !f.Since.IsZero() && r.SubmittedAt.Before(f.Since) {
		return false
	}
	return true
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Attempt is one line of the per-execution attempt log. Every attempt that
// reached Running produces exactly one line.
type Attempt struct {
	ExecutionID ID            `json:"execution_id"`
	Number      int           `json:"number"`
	SandboxID   string        `json:"sandbox_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Outcome     Status        `json:"outcome"` // Queued when the attempt was retried.
	Err         *Error        `json:"error,omitempty"`
	RetryDelay  time.Duration `json:"retry_delay,omitempty"`
}
