package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxViolations      = 100
	defaultViolationRetention = 30 * 24 * time.Hour
)

// Violation is one recorded security violation.
type Violation struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	TenantID    string    `json:"tenant_id"`
	ExecutionID string    `json:"execution_id"`
	ToolID      string    `json:"tool_id"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
}

// ViolationTracker counts violations per tenant within a retention window.
// A tenant reaching MaxPerTenant violations is blocked until old entries
// expire.
type ViolationTracker struct {
	mu        sync.Mutex
	max       int
	retention time.Duration
	byTenant  map[string][]Violation
	now       func() time.Time
}

// NewViolationTracker returns a tracker. Zero values select the defaults
// of 100 violations per 30 days.
func NewViolationTracker(maxPerTenant int, retention time.Duration) *ViolationTracker {
	if maxPerTenant <= 0 {
		maxPerTenant = defaultMaxViolations
	}
	if retention <= 0 {
		retention = defaultViolationRetention
	}
	return &ViolationTracker{
		max:       maxPerTenant,
		retention: retention,
		byTenant:  make(map[string][]Violation),
		now:       time.Now,
	}
}

// Record stores v and reports the tenant's live count and whether the
// tenant is now blocked. The violation that reaches the limit is raised to
// SeverityCritical.
func (t *ViolationTracker) Record(v Violation) (Violation, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Time.IsZero() {
		v.Time = now
	}
	live := t.pruneLocked(v.TenantID, now)
	if len(live)+1 >= t.max {
		v.Severity = SeverityCritical
	}
	live = append(live, v)
	t.byTenant[v.TenantID] = live
	return v, len(live), len(live) >= t.max
}

// Blocked reports whether tenantID has reached the violation limit.
func (t *ViolationTracker) Blocked(tenantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pruneLocked(tenantID, t.now())) >= t.max
}

// List returns the tenant's live violations, oldest first.
func (t *ViolationTracker) List(tenantID string) []Violation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Violation(nil), t.pruneLocked(tenantID, t.now())...)
}

// Cleanup drops expired violations for every tenant.
func (t *ViolationTracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	dropped := 0
	for tenant, vs := range t.byTenant {
		live := t.pruneLocked(tenant, now)
		dropped += len(vs) - len(live)
	}
	return dropped
}

// pruneLocked removes expired entries for tenant and returns the rest.
func (t *ViolationTracker) pruneLocked(tenantID string, now time.Time) []Violation {
	vs := t.byTenant[tenantID]
	cutoff := now.Add(-t.retention)
	i := 0
	for i < len(vs) && vs[i].Time.Before(cutoff) {
		i++
	}
	if i == 0 {
		return vs
	}
	live := append([]Violation(nil), vs[i:]...)
	if len(live) == 0 {
		delete(t.byTenant, tenantID)
		return nil
	}
	t.byTenant[tenantID] = live
	return live
}
