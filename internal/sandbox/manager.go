package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
	// defaultOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	defaultOutputBytes = 1 << 20
)

// Config configures the local sandbox manager.
type Config struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	// MinLevel is the isolation floor. Specs asking for less are raised to it.
	MinLevel Level
	// TempDir is the parent of per-instance directories. Empty = os.TempDir().
	TempDir string
	Docker  DockerConfig
}

type runner interface {
	run(ctx context.Context, inst *instance, cmd Command, input []byte) (*Output, error)
	release(inst *instance)
}

type instance struct {
	id      string
	spec    Spec
	limits  ResourceLimits
	dir     string
	created time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc // Cancels the running command, if any.
	destroyed bool
	container string // Name of the running container (Container level).
}

// LocalManager runs sandboxes on the local host: OS processes for the None,
// Basic and Strict levels, Docker containers for the Container level.
type LocalManager struct {
	cfg    Config
	logger *slog.Logger

	process *processRunner
	docker  *dockerRunner

	mu        sync.Mutex
	instances map[string]*instance
}

// NewManager creates a LocalManager.
func NewManager(cfg Config, logger *slog.Logger) *LocalManager {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.DefaultLimits.MaxCPUSeconds == 0 {
		cfg.DefaultLimits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.DefaultLimits.MaxMemoryMB == 0 {
		cfg.DefaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.DefaultLimits.MaxOutputBytes == 0 {
		cfg.DefaultLimits.MaxOutputBytes = defaultOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalManager{
		cfg:       cfg,
		logger:    logger,
		process:   &processRunner{logger: logger},
		docker:    newDockerRunner(cfg.Docker, logger),
		instances: make(map[string]*instance),
	}
}

// Create implements Manager.
func (m *LocalManager) Create(ctx context.Context, spec Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	level, err := ParseLevel(string(spec.Level))
	if err != nil {
		return "", err
	}
	if m.cfg.MinLevel.Rank() > level.Rank() {
		m.logger.Debug("sandbox level raised to floor",
			slog.String("requested", string(level)),
			slog.String("floor", string(m.cfg.MinLevel)),
		)
		level = m.cfg.MinLevel
	}
	spec.Level = level
	if err := ValidatePolicy(spec.Policy); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(m.cfg.TempDir, "toolexec-sbx-*")
	if err != nil {
		return "", fmt.Errorf("creating sandbox dir: %w", err)
	}

	inst := &instance{
		id:      "sbx-" + uuid.NewString(),
		spec:    spec,
		limits:  m.resolveLimits(spec.Limits),
		dir:     dir,
		created: time.Now(),
	}

	if level == LevelContainer {
		if err := writeSeccompProfile(dir, spec.Policy); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}

	m.mu.Lock()
	m.instances[inst.id] = inst
	m.mu.Unlock()

	m.logger.Debug("sandbox created",
		slog.String("sandbox_id", inst.id),
		slog.String("level", string(level)),
		slog.String("dir", dir),
	)
	return inst.id, nil
}

// Run implements Manager.
func (m *LocalManager) Run(ctx context.Context, id string, cmd Command, input []byte) (*Output, error) {
	if len(cmd.Args) == 0 {
		return nil, ErrEmptyCommand
	}
	inst, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inst.mu.Lock()
	if inst.destroyed {
		inst.mu.Unlock()
		return nil, ErrDestroyed
	}
	if inst.cancel != nil {
		inst.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s is busy", id)
	}
	inst.cancel = cancel
	inst.mu.Unlock()

	defer func() {
		inst.mu.Lock()
		inst.cancel = nil
		inst.mu.Unlock()
	}()

	out, err := m.runnerFor(inst.spec.Level).run(runCtx, inst, cmd, input)
	if err != nil && runCtx.Err() != nil && !errors.Is(err, ErrSecurityViolation) && !errors.Is(err, ErrResourceLimit) {
		return out, contextError(runCtx, ctx, timeout)
	}
	return out, err
}

// Destroy implements Manager. Any running command is killed.
func (m *LocalManager) Destroy(_ context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	inst.mu.Lock()
	inst.destroyed = true
	if inst.cancel != nil {
		inst.cancel()
	}
	inst.mu.Unlock()

	m.runnerFor(inst.spec.Level).release(inst)

	if err := os.RemoveAll(inst.dir); err != nil {
		m.logger.Warn("failed to remove sandbox dir",
			slog.String("sandbox_id", id),
			slog.String("dir", inst.dir),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Debug("sandbox destroyed",
		slog.String("sandbox_id", id),
		slog.Duration("lifetime", time.Since(inst.created)),
	)
	return nil
}

// Active returns the number of live sandbox instances.
func (m *LocalManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Dir returns the private directory of a live instance.
func (m *LocalManager) Dir(id string) (string, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return inst.dir, nil
}

func (m *LocalManager) lookup(id string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

func (m *LocalManager) runnerFor(level Level) runner {
	if level == LevelContainer {
		return m.docker
	}
	return m.process
}

// resolveLimits merges spec-level overrides with manager defaults.
func (m *LocalManager) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := m.cfg.DefaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	if req.MaxProcesses > 0 {
		limits.MaxProcesses = req.MaxProcesses
	}
	if req.MaxFileSizeMB > 0 {
		limits.MaxFileSizeMB = req.MaxFileSizeMB
	}
	if req.MaxOpenFiles > 0 {
		limits.MaxOpenFiles = req.MaxOpenFiles
	}
	if req.MaxOutputBytes > 0 {
		limits.MaxOutputBytes = req.MaxOutputBytes
	}
	return limits
}

// contextError distinguishes the command timeout from caller cancellation.
func contextError(runCtx, parent context.Context, timeout time.Duration) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("sandbox command cancelled: %w", context.Canceled)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("sandbox command timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("sandbox command cancelled: %w", context.Canceled)
}

var _ Manager = (*LocalManager)(nil)
