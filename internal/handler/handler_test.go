package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

type nopHandler struct{}

func (nopHandler) Validate(map[string]any) error { return nil }
func (nopHandler) Execute(context.Context, *Invocation) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (nopHandler) Cleanup() {}

// --- Kinds ---

func TestParseKind(t *testing.T) {
	for _, s := range []string{"openapi", "AsyncApi", "python", "shell", "ai", "system", "subflow", "custom:javascript"} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "grpc", "custom:", "custom"} {
		if _, err := ParseKind(s); err == nil {
			t.Errorf("ParseKind(%q) accepted", s)
		}
	}
}

func TestKind_CustomName(t *testing.T) {
	name, ok := Custom("mcp").CustomName()
	if !ok || name != "mcp" {
		t.Errorf("CustomName = %q, %v", name, ok)
	}
	if _, ok := KindShell.CustomName(); ok {
		t.Error("shell is not a custom kind")
	}
}

// --- Registry ---

func TestRegistry_RegisterAndNew(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(KindSystem, func() Handler { return nopHandler{} }); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(KindSystem, func() Handler { return nopHandler{} }); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := r.Register("bogus", func() Handler { return nopHandler{} }); err == nil {
		t.Error("unknown kind accepted")
	}

	h, err := r.New(KindSystem)
	if err != nil || h == nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Kinds(); len(got) != 1 || got[0] != KindSystem {
		t.Errorf("Kinds = %v", got)
	}
}

func TestRegistry_MissingKindIsInvalidConfig(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(KindOpenAPI)
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
	if execution.KindOf(err) != execution.KindInvalidConfig {
		t.Errorf("KindOf = %s, want invalid_config", execution.KindOf(err))
	}
}

// --- Errors ---

func TestIsRetryable(t *testing.T) {
	plain := errors.New("boom")
	if !IsRetryable(plain) {
		t.Error("plain errors are transient")
	}
	if IsRetryable(Permanent(plain)) {
		t.Error("Permanent should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", Transient(plain))) {
		t.Error("wrapped Transient should be retryable")
	}
	if !errors.Is(Permanent(plain), plain) {
		t.Error("Permanent should unwrap to the cause")
	}
	if Permanent(nil) != nil || Transient(nil) != nil {
		t.Error("nil in, nil out")
	}
}

// --- Config helpers ---

func TestConfigHelpers(t *testing.T) {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(`{
		"s": "x", "n": 3, "b": true, "d": "250ms", "ms": 100,
		"list": ["a", "b"], "badlist": [1], "m": {"k": "v"}
	}`), &cfg); err != nil {
		t.Fatal(err)
	}

	if s, err := RequireString(cfg, "s"); err != nil || s != "x" {
		t.Errorf("RequireString = %q, %v", s, err)
	}
	if _, err := RequireString(cfg, "missing"); !errors.Is(err, execution.ErrInvalidConfig) {
		t.Errorf("missing: %v", err)
	}
	if _, err := String(cfg, "n"); err == nil {
		t.Error("number accepted as string")
	}
	if !Bool(cfg, "b") || Bool(cfg, "s") {
		t.Error("Bool")
	}
	if d, _ := Duration(cfg, "d"); d != 250*time.Millisecond {
		t.Errorf("Duration(d) = %v", d)
	}
	if d, _ := Duration(cfg, "ms"); d != 100*time.Millisecond {
		t.Errorf("Duration(ms) = %v", d)
	}
	if l, err := StringList(cfg, "list"); err != nil || len(l) != 2 {
		t.Errorf("StringList = %v, %v", l, err)
	}
	if _, err := StringList(cfg, "badlist"); err == nil {
		t.Error("non-string list accepted")
	}
	if m, err := StringMap(cfg, "m"); err != nil || m["k"] != "v" {
		t.Errorf("StringMap = %v, %v", m, err)
	}
}

func TestCommandResult(t *testing.T) {
	out, err := CommandResult(&sandbox.Output{Stdout: "  {\"a\":1}\n"}, false)
	if err != nil || string(out) != `{"a":1}` {
		t.Errorf("json stdout = %s, %v", out, err)
	}

	out, err = CommandResult(&sandbox.Output{Stdout: "hello\n"}, false)
	if err != nil || string(out) != `"hello\n"` {
		t.Errorf("text stdout = %s, %v", out, err)
	}

	_, err = CommandResult(&sandbox.Output{ExitCode: 2, Stderr: "bad"}, false)
	if err == nil || !IsRetryable(err) {
		t.Errorf("non-zero exit = %v, want transient", err)
	}
	_, err = CommandResult(&sandbox.Output{ExitCode: 2, Stderr: "bad"}, true)
	if err == nil || IsRetryable(err) {
		t.Errorf("fail_fast exit = %v, want permanent", err)
	}
}

// --- Sandbox binding ---

type recordingManager struct {
	id  string
	cmd sandbox.Command
}

func (m *recordingManager) Create(context.Context, sandbox.Spec) (string, error) { return "x", nil }
func (m *recordingManager) Destroy(context.Context, string) error               { return nil }
func (m *recordingManager) Run(_ context.Context, id string, cmd sandbox.Command, _ []byte) (*sandbox.Output, error) {
	m.id, m.cmd = id, cmd
	return &sandbox.Output{}, nil
}

func TestBindSandbox(t *testing.T) {
	m := &recordingManager{}
	r := BindSandbox(m, "sbx-1")
	if _, err := r.Run(context.Background(), sandbox.Command{Args: []string{"true"}}, nil); err != nil {
		t.Fatal(err)
	}
	if m.id != "sbx-1" || m.cmd.Args[0] != "true" {
		t.Errorf("bound run = %q %v", m.id, m.cmd.Args)
	}
}
