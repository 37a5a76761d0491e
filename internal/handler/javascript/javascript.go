// Package javascript runs inline JavaScript tools in an embedded goja VM.
//
// Bindings:
//   - input: the decoded input payload
//   - emit(v): sets the result (the last call wins)
//   - log(...): writes a debug log line
//
// Without emit, the value of the script's last expression is the result.
// The VM is interrupted when the attempt deadline expires or it is cancelled.
package javascript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
)

// Name is the custom kind name this handler registers under.
const Name = "javascript"

// Handler evaluates config.script.
type Handler struct {
	vm *goja.Runtime
}

// New is the handler.Factory for handler.Custom(Name).
func New() handler.Handler { return &Handler{} }

func (h *Handler) Validate(cfg map[string]any) error {
	script, err := handler.RequireString(cfg, "script")
	if err != nil {
		return err
	}
	if _, err := goja.Compile("tool.js", script, true); err != nil {
		return fmt.Errorf("%w: script does not compile: %v", execution.ErrInvalidConfig, err)
	}
	return nil
}

func (h *Handler) Execute(ctx context.Context, inv *handler.Invocation) (json.RawMessage, error) {
	script, err := handler.RequireString(inv.Config, "script")
	if err != nil {
		return nil, err
	}
	prog, err := goja.Compile("tool.js", script, true)
	if err != nil {
		return nil, handler.Permanent(fmt.Errorf("%w: %v", execution.ErrInvalidConfig, err))
	}

	var input any
	if len(inv.Input) > 0 {
		if err := json.Unmarshal(inv.Input, &input); err != nil {
			return nil, handler.Permanent(fmt.Errorf("%w: input is not valid JSON", execution.ErrInvalidParameters))
		}
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	h.vm = vm

	var emitted goja.Value
	if err := vm.Set("input", input); err != nil {
		return nil, fmt.Errorf("binding input: %w", err)
	}
	if err := vm.Set("emit", func(call goja.FunctionCall) goja.Value {
		emitted = call.Argument(0)
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("binding emit: %w", err)
	}
	logger := inv.Logger
	if err := vm.Set("log", func(call goja.FunctionCall) goja.Value {
		if logger != nil {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			logger.Debug("javascript tool log",
				slog.String("execution_id", inv.ExecutionID.String()),
				slog.String("message", strings.Join(parts, " ")),
			)
		}
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("binding log: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	value, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("script interrupted: %v", interrupted.Value())
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			e := fmt.Errorf("script error: %s", exc.Error())
			if handler.Bool(inv.Config, "fail_fast") {
				return nil, handler.Permanent(e)
			}
			return nil, handler.Transient(e)
		}
		return nil, err
	}

	if emitted != nil {
		value = emitted
	}
	return export(value)
}

// Cleanup drops the VM so its heap can be collected.
func (h *Handler) Cleanup() {
	if h.vm != nil {
		h.vm.ClearInterrupt()
		h.vm = nil
	}
}

func export(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return nil, handler.Permanent(fmt.Errorf("result is not JSON-serialisable: %w", err))
	}
	return data, nil
}
