// Package system implements in-process system tools that need no sandbox
// command: echo, sleep and fail.
package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
)

// Operations selected by the "op" config key.
const (
	OpEcho  = "echo"
	OpSleep = "sleep"
	OpFail  = "fail"
)

// Handler runs one system operation.
type Handler struct{}

// New is the handler.Factory for handler.KindSystem.
func New() handler.Handler { return &Handler{} }

func (h *Handler) Validate(cfg map[string]any) error {
	op, err := handler.String(cfg, "op")
	if err != nil {
		return err
	}
	switch op {
	case "", OpEcho, OpFail:
	case OpSleep:
		if _, err := handler.Duration(cfg, "duration"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown system op %q", execution.ErrInvalidConfig, op)
	}
	return nil
}

func (h *Handler) Execute(ctx context.Context, inv *handler.Invocation) (json.RawMessage, error) {
	op, _ := handler.String(inv.Config, "op")
	switch op {
	case "", OpEcho:
		return echo(inv.Input), nil

	case OpSleep:
		d, _ := handler.Duration(inv.Config, "duration")
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		return echo(inv.Input), nil

	case OpFail:
		msg, _ := handler.String(inv.Config, "message")
		if msg == "" {
			msg = "forced failure"
		}
		if handler.Bool(inv.Config, "permanent") {
			return nil, handler.Permanent(errors.New(msg))
		}
		return nil, handler.Transient(errors.New(msg))
	}
	return nil, fmt.Errorf("%w: unknown system op %q", execution.ErrInvalidConfig, op)
}

func (h *Handler) Cleanup() {}

func echo(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage("null")
	}
	out := make(json.RawMessage, len(input))
	copy(out, input)
	return out
}
