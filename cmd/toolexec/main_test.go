package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/toolexec/internal/execution"
)

// setup writes a config with one echo tool and returns its path.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	toolsDir := filepath.Join(dir, "tools")
	if err := os.MkdirAll(toolsDir, 0o750); err != nil {
		t.Fatal(err)
	}
	manifest := `
id: util/echo
version: 1.0.0
kind: system
timeout: 1s
sandbox_level: none
`
	if err := os.WriteFile(filepath.Join(toolsDir, "echo.yaml"), []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"log:\n  level: error\n" +
		"sandbox:\n  min_level: none\n" +
		"tools:\n  dir: " + toolsDir + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// --- Commands ---

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "toolexec dev") {
		t.Errorf("output = %q", out)
	}
}

func TestTools(t *testing.T) {
	cfg := setup(t)
	out, err := execute(t, "tools", "--config", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "util/echo") || !strings.Contains(out, "1.0.0") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_EchoThenQueryLog(t *testing.T) {
	cfg := setup(t)

	out, err := execute(t, "run", "util/echo", "--config", cfg, "--input", `{"x":1}`, "--tenant", "acme")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var res execution.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if res.Status != execution.StatusCompleted || string(res.Output) != `{"x":1}` {
		t.Errorf("result = %+v", res)
	}

	out, err = execute(t, "executions", "--config", cfg, "--tenant", "acme", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var recs []*execution.Record
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(recs) != 1 || recs[0].ID != res.ID || recs[0].Status != execution.StatusCompleted {
		t.Errorf("records = %+v", recs)
	}
}

func TestRun_UnknownTool(t *testing.T) {
	cfg := setup(t)
	_, err := execute(t, "run", "util/missing", "--config", cfg, "--input", "{}")
	if execution.KindOf(err) != execution.KindToolNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestRun_BadInput(t *testing.T) {
	if _, err := execute(t, "run", "util/echo", "--input", "{"); err == nil {
		t.Error("invalid JSON input accepted")
	}
}
