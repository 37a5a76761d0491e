package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Role names the tools a tenant may run.
type Role struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// Tools lists tool ids. "namespace/*" grants a whole namespace and "*"
	// grants every tool.
	Tools []string `json:"tools" yaml:"tools" toml:"tools"`
}

// RBACConfig is the full role-based access control configuration.
type RBACConfig struct {
	Roles       map[string]Role   `json:"roles" yaml:"roles" toml:"roles"`                      // role name → definition
	TenantRoles map[string]string `json:"tenant_roles" yaml:"tenant_roles" toml:"tenant_roles"` // tenant ID → role name
	DefaultRole string            `json:"default_role" yaml:"default_role" toml:"default_role"` // role for tenants not in TenantRoles
}

// RBAC enforces role-based access control with default-deny semantics.
// Safe for concurrent use.
type RBAC struct {
	mu          sync.RWMutex
	roles       map[string]Role
	tenantRoles map[string]string
	defaultRole string
	logger      *slog.Logger
}

// NewRBAC creates an RBAC enforcer from the given configuration.
func NewRBAC(cfg RBACConfig, logger *slog.Logger) *RBAC {
	if logger == nil {
		logger = discard()
	}
	return &RBAC{
		roles:       cfg.Roles,
		tenantRoles: cfg.TenantRoles,
		defaultRole: cfg.DefaultRole,
		logger:      logger,
	}
}

// CheckPermission returns nil if the tenant's role grants toolID.
// No role or no matching grant means denied.
func (r *RBAC) CheckPermission(ctx context.Context, tenantID, toolID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.resolveRole(tenantID)
	if !ok {
		r.logger.WarnContext(ctx, "permission denied: no role found",
			slog.String("tenant_id", tenantID),
			slog.String("tool_id", toolID),
		)
		return fmt.Errorf("%w: tenant %q has no assigned role", execution.ErrPermissionDenied, tenantID)
	}

	if !roleGrants(role, toolID) {
		r.logger.WarnContext(ctx, "permission denied: tool not in role",
			slog.String("tenant_id", tenantID),
			slog.String("role", role.Name),
			slog.String("tool_id", toolID),
		)
		return fmt.Errorf("%w: role %q does not include tool %q", execution.ErrPermissionDenied, role.Name, toolID)
	}
	return nil
}

// SetTenantRole assigns roleName to tenantID.
func (r *RBAC) SetTenantRole(tenantID, roleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[roleName]; !ok {
		return fmt.Errorf("unknown role %q", roleName)
	}
	if r.tenantRoles == nil {
		r.tenantRoles = make(map[string]string)
	}
	r.tenantRoles[tenantID] = roleName
	return nil
}

func (r *RBAC) resolveRole(tenantID string) (Role, bool) {
	roleName, ok := r.tenantRoles[tenantID]
	if !ok {
		roleName = r.defaultRole
	}
	if roleName == "" {
		return Role{}, false
	}
	role, ok := r.roles[roleName]
	return role, ok
}

func roleGrants(role Role, toolID string) bool {
	for _, t := range role.Tools {
		if matchTool(t, toolID) {
			return true
		}
	}
	return false
}

// matchTool matches an exact id, a "namespace/*" pattern or "*".
func matchTool(pattern, toolID string) bool {
	if pattern == "*" || pattern == toolID {
		return true
	}
	if ns, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(toolID, ns+"/")
	}
	return false
}
