package python

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestPython_ReadsInputFromStdin(t *testing.T) {
	skipIfNoPython(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := sandbox.NewManager(sandbox.Config{TempDir: t.TempDir()}, logger)
	id, err := m.Create(context.Background(), sandbox.Spec{Level: sandbox.LevelBasic})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Destroy(context.Background(), id)

	cfg := map[string]any{
		"script": "import json,sys\nd=json.load(sys.stdin)\nprint(json.dumps({'sum': d['a']+d['b']}))",
	}
	h := New()
	if err := h.Validate(cfg); err != nil {
		t.Fatal(err)
	}
	out, err := h.Execute(context.Background(), &handler.Invocation{
		ExecutionID: execution.NewID(),
		Config:      cfg,
		Input:       json.RawMessage(`{"a":2,"b":3}`),
		Sandbox:     handler.BindSandbox(m, id),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `{"sum": 5}` {
		t.Errorf("out = %s", out)
	}
}

func TestPython_ValidateRequiresScript(t *testing.T) {
	if err := New().Validate(map[string]any{}); err == nil {
		t.Error("missing script accepted")
	}
}
