// Package shell implements the sandboxed shell command handler.
// All commands run through the attempt's sandbox, never directly on the host.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

// Handler runs config.command with the input payload on stdin.
//
// Config:
//
//	"command"     (string | []string) shell string run via sh -c, or argv
//	"env"         (map)    extra environment
//	"working_dir" (string) working directory override
//	"fail_fast"   (bool)   non-zero exit is not retried
type Handler struct{}

// New is the handler.Factory for handler.KindShell.
func New() handler.Handler { return &Handler{} }

func (h *Handler) Validate(cfg map[string]any) error {
	if _, err := argv(cfg); err != nil {
		return err
	}
	if _, err := handler.StringMap(cfg, "env"); err != nil {
		return err
	}
	_, err := handler.String(cfg, "working_dir")
	return err
}

func (h *Handler) Execute(ctx context.Context, inv *handler.Invocation) (json.RawMessage, error) {
	args, err := argv(inv.Config)
	if err != nil {
		return nil, err
	}
	env, _ := handler.StringMap(inv.Config, "env")
	dir, _ := handler.String(inv.Config, "working_dir")

	if inv.Logger != nil {
		inv.Logger.DebugContext(ctx, "shell handler executing",
			slog.String("execution_id", inv.ExecutionID.String()),
			slog.Any("command", args),
		)
	}

	out, err := inv.Sandbox.Run(ctx, sandbox.Command{Args: args, Env: env, WorkingDir: dir}, inv.Input)
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}
	return handler.CommandResult(out, handler.Bool(inv.Config, "fail_fast"))
}

func (h *Handler) Cleanup() {}

// argv accepts either a shell string or an argv list.
func argv(cfg map[string]any) ([]string, error) {
	switch v := cfg["command"].(type) {
	case string:
		if v == "" {
			break
		}
		// The sandbox wraps this again with its ulimit prologue: the outer sh
		// applies limits, the inner sh interprets pipes and redirects.
		return []string{"sh", "-c", v}, nil
	case []any, []string:
		args, err := handler.StringList(cfg, "command")
		if err != nil {
			return nil, err
		}
		if len(args) > 0 {
			return args, nil
		}
	}
	return nil, fmt.Errorf("%w: missing required config: command", execution.ErrInvalidConfig)
}
