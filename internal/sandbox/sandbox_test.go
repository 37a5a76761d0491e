package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

func newTestManager(t *testing.T, cfg Config) *LocalManager {
	t.Helper()
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	return NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustCreate(t *testing.T, m *LocalManager, spec Spec) string {
	t.Helper()
	id, err := m.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = m.Destroy(context.Background(), id) })
	return id
}

// --- Lifecycle ---

func TestManager_CreateRunDestroy(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	id, err := m.Create(ctx, Spec{Level: LevelBasic})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(id, "sbx-") {
		t.Errorf("id = %q, want sbx- prefix", id)
	}
	dir, err := m.Dir(id)
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}

	out, err := m.Run(ctx, id, Command{Args: []string{"echo", "hello"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(out.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want hello", got)
	}
	if out.Usage.WallTime <= 0 {
		t.Error("expected wall time in usage")
	}

	if err := m.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("sandbox dir %s not removed", dir)
	}
	if m.Active() != 0 {
		t.Errorf("Active = %d, want 0", m.Active())
	}
}

func TestManager_DestroyIdempotent(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	id, _ := m.Create(ctx, Spec{Level: LevelNone})
	if err := m.Destroy(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(ctx, id); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	if err := m.Destroy(ctx, "sbx-unknown"); err != nil {
		t.Errorf("Destroy unknown: %v", err)
	}
	if _, err := m.Run(ctx, id, Command{Args: []string{"true"}}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Run after Destroy = %v, want ErrNotFound", err)
	}
}

func TestManager_EmptyCommand(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{})
	if _, err := m.Run(context.Background(), id, Command{}, nil); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("err = %v, want ErrEmptyCommand", err)
	}
}

func TestManager_LevelFloor(t *testing.T) {
	m := newTestManager(t, Config{MinLevel: LevelBasic})
	id := mustCreate(t, m, Spec{Level: LevelNone})

	inst, err := m.lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	if inst.spec.Level != LevelBasic {
		t.Errorf("level = %q, want basic", inst.spec.Level)
	}
}

func TestManager_InvalidSpec(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.Create(ctx, Spec{Level: "paranoid"}); err == nil {
		t.Error("expected error for unknown level")
	}
	_, err := m.Create(ctx, Spec{Level: LevelStrict, Policy: SecurityPolicy{Capabilities: []string{"CAP_BOGUS"}}})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("err = %v, want ErrInvalidPolicy", err)
	}
	if m.Active() != 0 {
		t.Errorf("Active = %d after failed creates", m.Active())
	}
}

// --- Execution ---

func TestProcess_NonZeroExit(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelBasic})

	out, err := m.Run(context.Background(), id, Command{Args: []string{"sh", "-c", "exit 3"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
}

func TestProcess_Stdin(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelNone})

	out, err := m.Run(context.Background(), id, Command{Args: []string{"cat"}}, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Stdout != `{"a":1}` {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

func TestProcess_SanitizedEnv(t *testing.T) {
	t.Setenv("TOOLEXEC_TEST_SECRET", "leak")
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelBasic, Env: map[string]string{"FROM_SPEC": "s"}})
	dir, _ := m.Dir(id)

	out, err := m.Run(context.Background(), id, Command{
		Args: []string{"sh", "-c", `echo "$HOME|$FROM_SPEC|$FROM_CMD|$TOOLEXEC_TEST_SECRET"`},
		Env:  map[string]string{"FROM_CMD": "c"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := dir + "|s|c|"
	if got := strings.TrimSpace(out.Stdout); got != want {
		t.Errorf("env = %q, want %q", got, want)
	}
}

func TestProcess_OutputTruncated(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelBasic, Limits: ResourceLimits{MaxOutputBytes: 4}})

	out, err := m.Run(context.Background(), id, Command{Args: []string{"sh", "-c", "printf 0123456789"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Stdout != "0123" {
		t.Errorf("stdout = %q, want 0123", out.Stdout)
	}
	if !out.Truncated {
		t.Error("expected Truncated")
	}
}

func TestProcess_Timeout(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelBasic})

	start := time.Now()
	_, err := m.Run(context.Background(), id, Command{Args: []string{"sleep", "30"}, Timeout: 200 * time.Millisecond}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the process promptly")
	}
}

func TestProcess_CallerCancel(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelNone})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := m.Run(ctx, id, Command{Args: []string{"sleep", "30"}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestProcess_DestroyKillsRunning(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	id, _ := m.Create(ctx, Spec{Level: LevelBasic})

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx, id, Command{Args: []string{"sleep", "30"}}, nil)
		done <- err
	}()
	time.Sleep(200 * time.Millisecond)
	if err := m.Destroy(ctx, id); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from killed command")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Destroy did not kill the running command")
	}
}

func TestProcess_CPULimit(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelBasic, Limits: ResourceLimits{MaxCPUSeconds: 1}})

	_, err := m.Run(context.Background(), id, Command{
		Args:    []string{"sh", "-c", "while :; do :; done"},
		Timeout: 15 * time.Second,
	}, nil)
	if !errors.Is(err, ErrResourceLimit) {
		t.Errorf("err = %v, want ErrResourceLimit", err)
	}
}

func TestProcess_UsageCaptured(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelBasic})

	out, err := m.Run(context.Background(), id, Command{Args: []string{"sh", "-c", "echo 12345"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Usage.OutputBytes != 6 {
		t.Errorf("OutputBytes = %d, want 6", out.Usage.OutputBytes)
	}
	if out.Usage.MaxRSSKB <= 0 {
		t.Errorf("MaxRSSKB = %d, want > 0", out.Usage.MaxRSSKB)
	}
}

// --- Strict level ---

func TestStrict_BlockedProgram(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelStrict})

	_, err := m.Run(context.Background(), id, Command{Args: []string{"mount", "-t", "tmpfs", "none", "/mnt"}}, nil)
	if !errors.Is(err, ErrSecurityViolation) {
		t.Errorf("err = %v, want ErrSecurityViolation", err)
	}
}

func TestStrict_DeniedPath(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelStrict, Policy: SecurityPolicy{AllowFilesystem: true}})

	_, err := m.Run(context.Background(), id, Command{Args: []string{"cat", "/etc/shadow"}}, nil)
	if !errors.Is(err, ErrSecurityViolation) {
		t.Errorf("err = %v, want ErrSecurityViolation", err)
	}
}

func requireConfinement(t *testing.T, needLandlock bool) {
	t.Helper()
	seccompOK, abi := confinementSupport()
	if !confineSupported || !seccompOK {
		t.Skip("seccomp filters are not available")
	}
	if needLandlock && abi == 0 {
		t.Skip("Landlock is not available")
	}
}

func instanceDir(t *testing.T, m *LocalManager, id string) string {
	t.Helper()
	dir, err := m.Dir(id)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestStrict_BlockedSyscallKills(t *testing.T) {
	requireConfinement(t, false)
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelStrict, Policy: SecurityPolicy{
		BlockedSyscalls: []string{"mkdir", "mkdirat"},
	}})

	_, err := m.Run(context.Background(), id, Command{Args: []string{"mkdir", "made"}}, nil)
	if !errors.Is(err, ErrSecurityViolation) {
		t.Errorf("err = %v, want ErrSecurityViolation", err)
	}
	if _, statErr := os.Stat(filepath.Join(instanceDir(t, m, id), "made")); !os.IsNotExist(statErr) {
		t.Errorf("directory created despite the blocked syscall: %v", statErr)
	}
}

func TestStrict_HiddenProgramStillConfined(t *testing.T) {
	requireConfinement(t, false)
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelStrict, Policy: SecurityPolicy{
		BlockedSyscalls:      []string{"mkdir", "mkdirat"},
		AllowProcessCreation: true,
	}})

	// The program name only appears after shell expansion.
	_, err := m.Run(context.Background(), id, Command{Args: []string{"sh", "-c", `p=mk; ${p}dir hidden`}}, nil)
	if !errors.Is(err, ErrSecurityViolation) {
		t.Errorf("err = %v, want ErrSecurityViolation", err)
	}
	if _, statErr := os.Stat(filepath.Join(instanceDir(t, m, id), "hidden")); !os.IsNotExist(statErr) {
		t.Errorf("directory created through shell expansion: %v", statErr)
	}
}

func TestStrict_WriteOutsideSandboxDenied(t *testing.T) {
	requireConfinement(t, true)
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelStrict, Policy: SecurityPolicy{AllowProcessCreation: true}})
	target := filepath.Join(t.TempDir(), "escaped")

	// The path travels through the environment so the argv checks never see it.
	out, err := m.Run(context.Background(), id, Command{
		Args: []string{"sh", "-c", `echo x > "$TARGET"`},
		Env:  map[string]string{"TARGET": target},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode == 0 {
		t.Error("write outside the sandbox directory succeeded")
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Errorf("file written outside the sandbox: %v", statErr)
	}

	// The private directory stays writable.
	out, err = m.Run(context.Background(), id, Command{Args: []string{"sh", "-c", "echo x > inside && cat inside"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.Stdout) != "x" {
		t.Errorf("stdout = %q, stderr = %q", out.Stdout, out.Stderr)
	}
}

func TestStrict_AllowedCommand(t *testing.T) {
	m := newTestManager(t, Config{})
	id := mustCreate(t, m, Spec{Level: LevelStrict})

	out, err := m.Run(context.Background(), id, Command{Args: []string{"echo", "ok"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "ok" {
		t.Errorf("stdout = %q", out.Stdout)
	}
}
