package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/sandbox"
)

// --- Executions ---

// SubmitRequest is the JSON body for POST /v1/executions.
type SubmitRequest struct {
	ToolID   string                 `json:"tool_id"`
	Version  string                 `json:"version,omitempty"` // Empty = latest.
	Input    json.RawMessage        `json:"input,omitempty"`
	Timeout  string                 `json:"timeout,omitempty"`  // Go duration, e.g. "30s".
	Priority string                 `json:"priority,omitempty"` // low, normal, high, critical.
	Retry    *execution.RetryPolicy `json:"retry,omitempty"`
	ParentID string                 `json:"parent_id,omitempty"`
}

// SubmitResponse is returned with HTTP 202 for an accepted execution.
type SubmitResponse struct {
	ID        string           `json:"id"`
	Status    execution.Status `json:"status"`
	RequestID string           `json:"request_id"`
}

// StatusResponse is the JSON response for GET /v1/executions/{id}.
type StatusResponse struct {
	Execution *execution.Record    `json:"execution"`
	History   []*execution.Attempt `json:"history,omitempty"`
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	caller := callerOf(c)

	var body SubmitRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	req, err := body.toRequest(caller)
	if err != nil {
		return g.writeError(c, err)
	}
	if parent := req.Caller.ParentID; parent != nil {
		if _, err := g.owned(c.Context(), *parent, caller.TenantID); err != nil {
			return g.writeError(c, err)
		}
	}

	wait, _ := strconv.ParseBool(c.Request().URL.Query().Get("wait"))

	id, err := g.exec.ExecuteAsync(c.Context(), req)
	if err != nil {
		return g.writeError(c, err)
	}

	g.logger.Info("http execution submitted",
		slog.String("execution_id", id.String()),
		slog.String("tool_id", req.ToolID),
		slog.String("tenant_id", caller.TenantID),
		slog.String("request_id", caller.RequestID),
		slog.Bool("wait", wait),
	)

	if wait {
		ctx, cancel := context.WithTimeout(c.Context(), g.config.WaitTimeout)
		defer cancel()
		res, err := g.exec.Wait(ctx, id)
		switch {
		case err == nil:
			return c.OK(res)
		case !errors.Is(err, context.DeadlineExceeded):
			return g.writeError(c, err)
		}
		// Still running: fall through to the accepted response.
	}

	status := execution.StatusQueued
	if rec, err := g.exec.Status(c.Context(), id); err == nil {
		status = rec.Status
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{
		ID:        id.String(),
		Status:    status,
		RequestID: caller.RequestID,
	})
}

func (r SubmitRequest) toRequest(caller execution.Caller) (execution.Request, error) {
	if r.ToolID == "" {
		return execution.Request{}, execution.NewError(execution.KindValidation, nil, "tool_id is required")
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return execution.Request{}, execution.NewError(execution.KindValidation, nil, "input is not valid JSON")
	}
	priority, ok := execution.ParsePriority(r.Priority)
	if !ok {
		return execution.Request{}, execution.NewError(execution.KindValidation, nil, "unknown priority %q", r.Priority)
	}

	var timeout time.Duration
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil || d < 0 {
			return execution.Request{}, execution.NewError(execution.KindValidation, err, "invalid timeout %q", r.Timeout)
		}
		timeout = d
	}

	if r.ParentID != "" {
		parent, err := execution.ParseID(r.ParentID)
		if err != nil {
			return execution.Request{}, execution.NewError(execution.KindValidation, err, "invalid parent_id")
		}
		caller.ParentID = &parent
	}

	return execution.Request{
		ToolID:  r.ToolID,
		Version: r.Version,
		Input:   r.Input,
		Caller:  caller,
		Options: execution.Options{
			Timeout:  timeout,
			Priority: priority,
			Retry:    r.Retry,
		},
	}, nil
}

func (g *Gateway) handleList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	f := execution.Filter{
		TenantID: callerOf(c).TenantID,
		ToolID:   q.Get("tool_id"),
		Limit:    defaultListLimit,
	}
	if s := q.Get("status"); s != "" {
		st, err := execution.ParseStatus(s)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		f.Status = st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}

	recs, err := g.exec.List(c.Context(), f)
	if err != nil {
		return g.writeError(c, err)
	}
	if recs == nil {
		recs = []*execution.Record{}
	}
	return c.OK(recs)
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	rec, err := g.ownedRecord(c)
	if err != nil {
		return g.writeError(c, err)
	}
	history, err := g.exec.Attempts(c.Context(), rec.ID)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(StatusResponse{Execution: rec, History: history})
}

func (g *Gateway) handleResult(c *okapi.Context) error {
	rec, err := g.ownedRecord(c)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(execution.ResultOf(rec))
}

func (g *Gateway) handleCancel(c *okapi.Context) error {
	rec, err := g.ownedRecord(c)
	if err != nil {
		return g.writeError(c, err)
	}
	if err := g.exec.Cancel(c.Context(), rec.ID); err != nil {
		return g.writeError(c, err)
	}
	g.logger.Info("http execution cancel requested",
		slog.String("execution_id", rec.ID.String()),
		slog.String("tenant_id", rec.Caller.TenantID),
	)
	res, err := g.exec.Result(c.Context(), rec.ID)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(res)
}

// ownedRecord loads the record named by the id path parameter. Records of
// other tenants are reported as not found.
func (g *Gateway) ownedRecord(c *okapi.Context) (*execution.Record, error) {
	id, err := execution.ParseID(c.Param("id"))
	if err != nil {
		return nil, execution.NewError(execution.KindValidation, err, "invalid execution ID")
	}
	return g.owned(c.Context(), id, callerOf(c).TenantID)
}

// owned loads id and hides it unless it belongs to tenantID. Submissions
// naming a parent_id go through the same check.
func (g *Gateway) owned(ctx context.Context, id execution.ID, tenantID string) (*execution.Record, error) {
	rec, err := g.exec.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Caller.TenantID != tenantID {
		return nil, execution.NewError(execution.KindNotFound, nil, "execution %s not found", id)
	}
	return rec, nil
}

// --- Tools ---

// ToolResponse describes one registered tool version.
type ToolResponse struct {
	ID           string         `json:"id"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Kind         string         `json:"kind"`
	SandboxLevel sandbox.Level  `json:"sandbox_level"`
	Timeout      string         `json:"timeout,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	if g.tools == nil {
		return c.OK([]ToolResponse{})
	}
	descs, err := g.tools.List(c.Context())
	if err != nil {
		return g.writeError(c, err)
	}
	out := make([]ToolResponse, 0, len(descs))
	for _, d := range descs {
		tr := ToolResponse{
			ID:           d.ID,
			Version:      d.Version,
			Description:  d.Description,
			Kind:         d.Kind,
			SandboxLevel: d.Level,
			InputSchema:  d.InputSchema,
		}
		if d.Timeout > 0 {
			tr.Timeout = d.Timeout.String()
		}
		out = append(out, tr)
	}
	return c.OK(out)
}

// --- Stats & health ---

func (g *Gateway) handleStats(c *okapi.Context) error {
	return c.OK(g.exec.Stats())
}

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
