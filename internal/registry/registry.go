// Package registry provides tool descriptors and an in-memory registry that
// resolves namespaced tool ids and versions.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

// Descriptor is the immutable execution configuration of one tool version.
type Descriptor struct {
	ID          string         `json:"id" yaml:"id"` // namespace/name
	Version     string         `json:"version" yaml:"version"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        string         `json:"kind" yaml:"kind"` // Handler kind, see handler.Kind.
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`

	Timeout  time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Limits   sandbox.ResourceLimits `json:"limits" yaml:"limits"`
	Level    sandbox.Level          `json:"sandbox_level" yaml:"sandbox_level"`
	Policy   sandbox.SecurityPolicy `json:"security_policy" yaml:"security_policy"`
	Image    string                 `json:"image,omitempty" yaml:"image,omitempty"` // Container level only.
	Retry    execution.RetryPolicy  `json:"retry" yaml:"retry"`
	Priority execution.Priority     `json:"priority" yaml:"priority"`
}

// Key returns id@version.
func (d *Descriptor) Key() string { return d.ID + "@" + d.Version }

// Validate checks the descriptor's required fields.
func (d *Descriptor) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if d.Version == "" {
		return fmt.Errorf("tool %s: version is required", d.ID)
	}
	if d.Kind == "" {
		return fmt.Errorf("tool %s: kind is required", d.ID)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("tool %s: timeout must not be negative", d.ID)
	}
	if !d.Level.Valid() {
		return fmt.Errorf("tool %s: unknown sandbox level %q", d.ID, d.Level)
	}
	if err := d.Retry.Validate(); err != nil {
		return fmt.Errorf("tool %s: retry: %w", d.ID, err)
	}
	if _, err := CompileSchema(d.InputSchema); err != nil {
		return fmt.Errorf("tool %s: %w", d.ID, err)
	}
	return nil
}

// ValidateID checks the namespace/name form of a tool id.
func ValidateID(id string) error {
	ns, name, ok := strings.Cut(id, "/")
	if !ok || ns == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("tool id %q must be of the form namespace/name", id)
	}
	return nil
}

// Registry resolves tool descriptors.
type Registry interface {
	// Resolve returns the descriptor for id at version. An empty version
	// selects the latest registered version.
	Resolve(ctx context.Context, id, version string) (*Descriptor, error)
	List(ctx context.Context) ([]*Descriptor, error)
}

// Memory is a thread-safe in-memory Registry.
// Writes are expected at startup; reads are concurrent.
type Memory struct {
	mu    sync.RWMutex
	tools map[string]map[string]*Descriptor // id -> version -> descriptor
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{tools: make(map[string]map[string]*Descriptor)}
}

// Register adds a descriptor. Duplicate id+version is an error.
func (m *Memory) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.tools[d.ID]
	if !ok {
		versions = make(map[string]*Descriptor)
		m.tools[d.ID] = versions
	}
	if _, exists := versions[d.Version]; exists {
		return fmt.Errorf("duplicate tool registration: %s", d.Key())
	}
	cp := *d
	versions[d.Version] = &cp
	return nil
}

// MustRegister is Register that panics, for startup wiring of builtin tools.
func (m *Memory) MustRegister(d *Descriptor) {
	if err := m.Register(d); err != nil {
		panic(err)
	}
}

// Resolve implements Registry.
func (m *Memory) Resolve(_ context.Context, id, version string) (*Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.tools[id]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", execution.ErrToolNotFound, id)
	}
	if version == "" {
		return clone(versions[latest(versions)]), nil
	}
	d, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", execution.ErrVersionNotFound, id, version)
	}
	return clone(d), nil
}

// List returns every registered descriptor sorted by id then version.
func (m *Memory) List(_ context.Context) ([]*Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Descriptor
	for _, versions := range m.tools {
		for _, d := range versions {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return compareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

func clone(d *Descriptor) *Descriptor {
	cp := *d
	return &cp
}

func latest(versions map[string]*Descriptor) string {
	var best string
	for v := range versions {
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

// compareVersions compares dotted numeric versions ("1.2.10" > "1.2.9").
// Non-numeric segments fall back to string comparison.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, xerr := strconv.Atoi(x)
		yi, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}

var _ Registry = (*Memory)(nil)
