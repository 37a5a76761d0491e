// Package python runs inline Python scripts inside the attempt's sandbox.
// The input payload is passed on stdin; stdout is the result.
package python

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

const defaultInterpreter = "python3"

// Handler runs config.script with config.interpreter (default python3).
type Handler struct{}

// New is the handler.Factory for handler.KindPython.
func New() handler.Handler { return &Handler{} }

func (h *Handler) Validate(cfg map[string]any) error {
	if _, err := handler.RequireString(cfg, "script"); err != nil {
		return err
	}
	_, err := handler.String(cfg, "interpreter")
	return err
}

func (h *Handler) Execute(ctx context.Context, inv *handler.Invocation) (json.RawMessage, error) {
	script, err := handler.RequireString(inv.Config, "script")
	if err != nil {
		return nil, err
	}
	interpreter, _ := handler.String(inv.Config, "interpreter")
	if interpreter == "" {
		interpreter = defaultInterpreter
	}

	if inv.Logger != nil {
		inv.Logger.DebugContext(ctx, "python handler executing",
			slog.String("execution_id", inv.ExecutionID.String()),
			slog.Int("script_size", len(script)),
		)
	}

	out, err := inv.Sandbox.Run(ctx, sandbox.Command{
		Args: []string{interpreter, "-c", script},
		Env:  map[string]string{"PYTHONDONTWRITEBYTECODE": "1", "PYTHONUNBUFFERED": "1"},
	}, inv.Input)
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}
	return handler.CommandResult(out, handler.Bool(inv.Config, "fail_fast"))
}

func (h *Handler) Cleanup() {}
