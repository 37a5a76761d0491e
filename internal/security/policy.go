// Tenant policies restrict which tool descriptors a tenant may run,
// independently of RBAC grants.
//
// Deny-first evaluation: DeniedX checked first; if match, deny.
// Then AllowedX checked; if non-empty and no match, deny.
// Empty AllowedX = allow all.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/registry"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

// TenantPolicy defines what tools a tenant is allowed to run.
type TenantPolicy struct {
	Name         string   `json:"name" yaml:"name" toml:"name"`
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools" toml:"allowed_tools"`
	DeniedTools  []string `json:"denied_tools" yaml:"denied_tools" toml:"denied_tools"`
	AllowedKinds []string `json:"allowed_kinds" yaml:"allowed_kinds" toml:"allowed_kinds"`
	DeniedKinds  []string `json:"denied_kinds" yaml:"denied_kinds" toml:"denied_kinds"`
	// MinSandboxLevel rejects tools configured below this isolation level.
	MinSandboxLevel sandbox.Level `json:"min_sandbox_level" yaml:"min_sandbox_level" toml:"min_sandbox_level"`
	// DenyNetwork rejects tools whose sandbox policy allows network access.
	DenyNetwork bool `json:"deny_network" yaml:"deny_network" toml:"deny_network"`
	// DeniedCapabilities rejects tools requesting any of these capabilities.
	DeniedCapabilities []string `json:"denied_capabilities" yaml:"denied_capabilities" toml:"denied_capabilities"`
}

// PolicyEnforcer validates tool descriptors against tenant policies.
// Thread-safe for concurrent use.
type PolicyEnforcer struct {
	mu       sync.RWMutex
	policies map[string]*TenantPolicy // policy name → policy
	bindings map[string]string        // tenant ID → policy name
	logger   *slog.Logger
}

// NewPolicyEnforcer creates an enforcer from a list of policies and bindings.
// Policies with unknown capability names are rejected.
func NewPolicyEnforcer(policies []TenantPolicy, bindings map[string]string, logger *slog.Logger) (*PolicyEnforcer, error) {
	if logger == nil {
		logger = discard()
	}
	pm := make(map[string]*TenantPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if !p.MinSandboxLevel.Valid() {
			return nil, fmt.Errorf("policy %q: unknown sandbox level %q", p.Name, p.MinSandboxLevel)
		}
		for _, c := range p.DeniedCapabilities {
			if !sandbox.ValidCapability(c) {
				return nil, fmt.Errorf("policy %q: unknown capability %q", p.Name, c)
			}
		}
		pm[p.Name] = &p
	}
	for tenant, name := range bindings {
		if _, ok := pm[name]; !ok {
			return nil, fmt.Errorf("tenant %q bound to unknown policy %q", tenant, name)
		}
	}
	return &PolicyEnforcer{
		policies: pm,
		bindings: bindings,
		logger:   logger,
	}, nil
}

// ResolvePolicy returns the policy bound to the tenant, falling back to the
// "*" binding. Returns nil if no policy is bound (= no enforcement).
func (e *PolicyEnforcer) ResolvePolicy(tenantID string) *TenantPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	name, ok := e.bindings[tenantID]
	if !ok {
		name, ok = e.bindings["*"]
	}
	if !ok {
		return nil
	}
	return e.policies[name]
}

// CheckTool returns nil if desc may run under the tenant's policy.
func (e *PolicyEnforcer) CheckTool(ctx context.Context, tenantID string, desc *registry.Descriptor) error {
	policy := e.ResolvePolicy(tenantID)
	if policy == nil {
		return nil
	}
	err := e.check(policy, desc)
	if err != nil {
		e.logger.WarnContext(ctx, "tool rejected by tenant policy",
			slog.String("tenant_id", tenantID),
			slog.String("policy", policy.Name),
			slog.String("tool_id", desc.ID),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (e *PolicyEnforcer) check(p *TenantPolicy, desc *registry.Descriptor) error {
	if err := checkAllowDeny(desc.ID, p.AllowedTools, p.DeniedTools, "tool", matchTool); err != nil {
		return err
	}
	if err := checkAllowDeny(strings.ToLower(desc.Kind), toLower(p.AllowedKinds), toLower(p.DeniedKinds), "kind", exact); err != nil {
		return err
	}
	if desc.Level.Rank() < p.MinSandboxLevel.Rank() {
		return fmt.Errorf("%w: tool %q runs at sandbox level %q, policy %q requires at least %q",
			execution.ErrPermissionDenied, desc.ID, levelName(desc.Level), p.Name, p.MinSandboxLevel)
	}
	if p.DenyNetwork && desc.Policy.AllowNetwork {
		return fmt.Errorf("%w: tool %q requires network access, denied by policy %q",
			execution.ErrPermissionDenied, desc.ID, p.Name)
	}
	for _, c := range desc.Policy.Capabilities {
		for _, d := range p.DeniedCapabilities {
			if normalizeCapability(c) == normalizeCapability(d) {
				return fmt.Errorf("%w: tool %q requests capability %s, denied by policy %q",
					execution.ErrPermissionDenied, desc.ID, normalizeCapability(c), p.Name)
			}
		}
	}
	return nil
}

// checkAllowDeny implements deny-first, then allow-list logic.
func checkAllowDeny(value string, allowed, denied []string, label string, match func(pattern, value string) bool) error {
	for _, d := range denied {
		if match(d, value) {
			return fmt.Errorf("%w: %s %q is explicitly denied by policy", execution.ErrPermissionDenied, label, value)
		}
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if match(a, value) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s %q is not in the policy allow list", execution.ErrPermissionDenied, label, value)
	}
	return nil
}

func exact(pattern, value string) bool { return pattern == value }

func normalizeCapability(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if !strings.HasPrefix(c, "CAP_") {
		c = "CAP_" + c
	}
	return c
}

func levelName(l sandbox.Level) sandbox.Level {
	if l == "" {
		return sandbox.LevelNone
	}
	return l
}

func toLower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}
