// Package sandbox provides isolated execution environments for tool commands.
// A sandbox instance is created for exactly one execution attempt, runs
// commands under its resource limits and security policy, and is destroyed
// on every exit path.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Errors returned by sandbox operations. Policy and limit failures wrap the
// execution sentinels so callers can classify them with errors.Is.
var (
	ErrNotFound          = errors.New("sandbox not found")
	ErrEmptyCommand      = errors.New("empty command")
	ErrDestroyed         = errors.New("sandbox destroyed")
	ErrSecurityViolation = execution.ErrSecurityViolation
	ErrResourceLimit     = execution.ErrResourceLimit
	ErrInvalidPolicy     = errors.New("invalid security policy")
)

// Level is a rung on the isolation ladder.
type Level string

const (
	LevelNone      Level = "none"      // No controls. Trusted internal tools only.
	LevelBasic     Level = "basic"     // Resource limits.
	LevelStrict    Level = "strict"    // Limits, syscall filtering, path restriction.
	LevelContainer Level = "container" // Full container runtime isolation.
)

// Rank orders levels by strictness. The empty level ranks as None.
func (l Level) Rank() int {
	switch l {
	case LevelBasic:
		return 1
	case LevelStrict:
		return 2
	case LevelContainer:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is a known level. Empty is accepted as None.
func (l Level) Valid() bool {
	switch l {
	case "", LevelNone, LevelBasic, LevelStrict, LevelContainer:
		return true
	}
	return false
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown sandbox level %q", s)
	}
	if l == "" {
		return LevelNone, nil
	}
	return l, nil
}

// ResourceLimits constrains the sandboxed process. Zero values fall back to
// the manager defaults.
type ResourceLimits struct {
	MaxCPUSeconds  int `json:"max_cpu_seconds,omitempty" yaml:"max_cpu_seconds,omitempty" toml:"max_cpu_seconds"`    // ulimit -t
	MaxMemoryMB    int `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty" toml:"max_memory_mb"`          // ulimit -v / --memory
	MaxProcesses   int `json:"max_processes,omitempty" yaml:"max_processes,omitempty" toml:"max_processes"`          // ulimit -u / --pids-limit
	MaxFileSizeMB  int `json:"max_file_size_mb,omitempty" yaml:"max_file_size_mb,omitempty" toml:"max_file_size_mb"` // ulimit -f
	MaxOpenFiles   int `json:"max_open_files,omitempty" yaml:"max_open_files,omitempty" toml:"max_open_files"`       // ulimit -n
	MaxOutputBytes int `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty" toml:"max_output_bytes"` // stdout/stderr cap
}

// SecurityPolicy describes what a sandboxed command may touch.
type SecurityPolicy struct {
	AllowedSyscalls      []string `json:"allowed_syscalls,omitempty" yaml:"allowed_syscalls,omitempty" toml:"allowed_syscalls"`
	BlockedSyscalls      []string `json:"blocked_syscalls,omitempty" yaml:"blocked_syscalls,omitempty" toml:"blocked_syscalls"`
	Capabilities         []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities"`
	AllowNetwork         bool     `json:"allow_network,omitempty" yaml:"allow_network,omitempty" toml:"allow_network"`
	AllowFilesystem      bool     `json:"allow_filesystem,omitempty" yaml:"allow_filesystem,omitempty" toml:"allow_filesystem"`
	AllowProcessCreation bool     `json:"allow_process_creation,omitempty" yaml:"allow_process_creation,omitempty" toml:"allow_process_creation"`
	AllowedPaths         []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty" toml:"allowed_paths"`
	DeniedPaths          []string `json:"denied_paths,omitempty" yaml:"denied_paths,omitempty" toml:"denied_paths"`
	// UseNamespaces runs Strict commands in new user+network namespaces when
	// network access is not allowed. Requires unprivileged user namespaces.
	UseNamespaces bool `json:"use_namespaces,omitempty" yaml:"use_namespaces,omitempty" toml:"use_namespaces"`
}

// Spec describes the sandbox to create.
type Spec struct {
	Level  Level
	Limits ResourceLimits
	Policy SecurityPolicy
	Image  string            // Container image override (Container level only).
	Env    map[string]string // Extra environment for every command.
	Labels map[string]string // Free-form labels, e.g. execution_id.
}

// Command is one program invocation inside a sandbox.
type Command struct {
	Args       []string
	Env        map[string]string
	WorkingDir string        // Empty = the sandbox's private directory.
	Timeout    time.Duration // Zero = manager default.
}

// Output captures the outcome of a sandboxed command.
// A non-zero exit code is a result, not an error.
type Output struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
	Usage     execution.Usage
}

// Manager creates, uses and destroys sandbox instances.
type Manager interface {
	// Create builds a sandbox instance and returns its id.
	Create(ctx context.Context, spec Spec) (string, error)

	// Run executes exactly one command inside the instance, feeding input on stdin.
	Run(ctx context.Context, id string, cmd Command, input []byte) (*Output, error)

	// Destroy tears the instance down. Idempotent: unknown ids return nil.
	Destroy(ctx context.Context, id string) error
}
