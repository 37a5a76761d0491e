// Package handler defines the per-tool-type adapter contract the executor
// dispatches through, and the registry that maps handler kinds to factories.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

// Kind identifies a handler type. The set is closed; Custom kinds carry a name.
type Kind string

const (
	KindOpenAPI  Kind = "openapi"
	KindAsyncAPI Kind = "asyncapi"
	KindPython   Kind = "python"
	KindShell    Kind = "shell"
	KindAI       Kind = "ai"
	KindSystem   Kind = "system"
	KindSubflow  Kind = "subflow"

	customPrefix = "custom:"
)

// Custom returns the kind of a named custom handler.
func Custom(name string) Kind { return Kind(customPrefix + name) }

// CustomName returns the name of a custom kind.
func (k Kind) CustomName() (string, bool) {
	name, ok := strings.CutPrefix(string(k), customPrefix)
	return name, ok && name != ""
}

// ParseKind validates a kind string against the closed set.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindOpenAPI, KindAsyncAPI, KindPython, KindShell, KindAI, KindSystem, KindSubflow:
		return k, nil
	}
	if _, ok := k.CustomName(); ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown handler kind %q", s)
}

// Invocation is everything a handler receives for one attempt.
type Invocation struct {
	ExecutionID execution.ID
	ToolID      string
	ToolVersion string
	Config      map[string]any
	Input       json.RawMessage
	Caller      execution.Caller
	Depth       int
	Attempt     int

	// Sandbox runs commands inside the attempt's sandbox instance.
	Sandbox Runner
	Logger  *slog.Logger
}

// Handler adapts one tool type to the executor.
type Handler interface {
	// Validate checks the tool's handler config before a sandbox is created.
	Validate(config map[string]any) error

	// Execute runs one attempt and returns the output payload.
	Execute(ctx context.Context, inv *Invocation) (json.RawMessage, error)

	// Cleanup releases per-attempt resources. Called once after Execute.
	Cleanup()
}

// Factory builds a fresh Handler for one attempt.
type Factory func() Handler

// Runner executes a command in a bound sandbox instance.
type Runner interface {
	Run(ctx context.Context, cmd sandbox.Command, input []byte) (*sandbox.Output, error)
}

// BindSandbox binds a manager and an instance id into a Runner.
func BindSandbox(m sandbox.Manager, id string) Runner {
	return &boundSandbox{manager: m, id: id}
}

type boundSandbox struct {
	manager sandbox.Manager
	id      string
}

func (b *boundSandbox) Run(ctx context.Context, cmd sandbox.Command, input []byte) (*sandbox.Output, error) {
	return b.manager.Run(ctx, b.id, cmd, input)
}

// ErrNoHandler is returned when no factory is registered for a kind.
var ErrNoHandler = errors.New("no handler registered for kind")

// Registry maps kinds to factories. One registry is owned by one executor.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register adds a factory. Registering a kind twice is a startup error.
func (r *Registry) Register(kind Kind, f Factory) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("duplicate handler registration: %s", kind)
	}
	r.factories[kind] = f
	return nil
}

// New instantiates a handler for kind.
func (r *Registry) New(kind Kind) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q: %w", ErrNoHandler, kind, execution.ErrInvalidConfig)
	}
	return f(), nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
