package handler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

// String reads a string config value. A missing key returns "" and no error.
func String(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", execution.ErrInvalidConfig, key, v)
	}
	return s, nil
}

// RequireString reads a required non-empty string config value.
func RequireString(cfg map[string]any, key string) (string, error) {
	s, err := String(cfg, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: missing required config: %s", execution.ErrInvalidConfig, key)
	}
	return s, nil
}

// Bool reads a boolean config value, defaulting to false.
func Bool(cfg map[string]any, key string) bool {
	b, _ := cfg[key].(bool)
	return b
}

// Duration reads a duration config value given as a string ("10s") or a
// number of milliseconds.
func Duration(cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", execution.ErrInvalidConfig, key, err)
		}
		return d, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("%w: %s must be a duration", execution.ErrInvalidConfig, key)
}

// StringList reads a []string config value, accepting decoded []any.
func StringList(cfg map[string]any, key string) ([]string, error) {
	switch v := cfg[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must contain only strings", execution.ErrInvalidConfig, key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list of strings", execution.ErrInvalidConfig, key)
}

// StringMap reads a map[string]string config value.
func StringMap(cfg map[string]any, key string) (map[string]string, error) {
	switch v := cfg[key].(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s must be a string", execution.ErrInvalidConfig, key, k)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a map of strings", execution.ErrInvalidConfig, key)
}

// maxErrorDetail bounds the stderr excerpt carried in command errors.
const maxErrorDetail = 2048

// CommandResult converts sandbox output into a handler result. Stdout that is
// valid JSON is returned as-is, anything else is encoded as a JSON string.
// A non-zero exit is an execution error, permanent when failFast is set.
func CommandResult(out *sandbox.Output, failFast bool) (json.RawMessage, error) {
	if out.ExitCode != 0 {
		detail := strings.TrimSpace(out.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(out.Stdout)
		}
		if len(detail) > maxErrorDetail {
			detail = detail[len(detail)-maxErrorDetail:]
		}
		err := fmt.Errorf("command exited with code %d: %s", out.ExitCode, detail)
		if failFast {
			return nil, Permanent(err)
		}
		return nil, Transient(err)
	}

	trimmed := strings.TrimSpace(out.Stdout)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	data, err := json.Marshal(out.Stdout)
	if err != nil {
		return nil, err
	}
	return data, nil
}
