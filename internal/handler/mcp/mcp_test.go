package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
)

func newTestServer() *server.MCPServer {
	s := server.NewMCPServer("test", "1.0.0")
	s.AddTool(mcp.NewTool("greet", mcp.WithString("name", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, _ := req.GetArguments()["name"].(string)
			return mcp.NewToolResultText(`{"greeting":"hello ` + name + `"}`), nil
		})
	s.AddTool(mcp.NewTool("plain"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("just text"), nil
		})
	s.AddTool(mcp.NewTool("broken"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("nope"), nil
		})
	return s
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool([]ServerConfig{{Name: "local", Transport: TransportStdio, Command: "unused"}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer()
	p.dial = func(ctx context.Context, _ ServerConfig) (mcpclient.MCPClient, error) {
		c, err := mcpclient.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		init := mcp.InitializeRequest{}
		init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		init.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
		if _, err := c.Initialize(ctx, init); err != nil {
			return nil, err
		}
		return c, nil
	}
	t.Cleanup(p.Close)
	return p
}

func call(t *testing.T, p *Pool, tool, input string) (json.RawMessage, error) {
	t.Helper()
	h := p.NewFactory()()
	cfg := map[string]any{"server_name": "local", "tool": tool}
	if err := h.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return h.Execute(context.Background(), &handler.Invocation{Config: cfg, Input: json.RawMessage(input)})
}

func TestMCP_CallToolJSONResult(t *testing.T) {
	p := newTestPool(t)
	out, err := call(t, p, "greet", `{"name":"ada"}`)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"greeting":"hello ada"}` {
		t.Errorf("out = %s", out)
	}
}

func TestMCP_TextResultEncoded(t *testing.T) {
	p := newTestPool(t)
	out, err := call(t, p, "plain", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"just text"` {
		t.Errorf("out = %s", out)
	}
}

func TestMCP_ToolErrorIsPermanent(t *testing.T) {
	p := newTestPool(t)
	_, err := call(t, p, "broken", `{}`)
	if err == nil || handler.IsRetryable(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestMCP_ConnectionReused(t *testing.T) {
	p := newTestPool(t)
	if _, err := call(t, p, "plain", ``); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, p, "plain", ``); err != nil {
		t.Fatal(err)
	}
	if len(p.clients) != 1 {
		t.Errorf("clients = %d, want 1", len(p.clients))
	}
}

func TestMCP_ArgumentsMustBeObject(t *testing.T) {
	p := newTestPool(t)
	_, err := call(t, p, "greet", `[1,2]`)
	if !errors.Is(err, execution.ErrInvalidParameters) {
		t.Errorf("err = %v, want ErrInvalidParameters", err)
	}
}

func TestMCP_Validate(t *testing.T) {
	p := newTestPool(t)
	h := p.NewFactory()()
	bad := []map[string]any{
		{"server_name": "local"},
		{"tool": "x"},
		{"tool": "x", "server_name": "missing"},
		{"tool": "x", "server": map[string]any{"transport": "carrier-pigeon"}},
		{"tool": "x", "server": map[string]any{"transport": "sse"}},
	}
	for _, cfg := range bad {
		if err := h.Validate(cfg); !errors.Is(err, execution.ErrInvalidConfig) {
			t.Errorf("Validate(%v) = %v, want ErrInvalidConfig", cfg, err)
		}
	}
	ok := map[string]any{"tool": "x", "server": map[string]any{"transport": "streamable_http", "url": "http://localhost:9/mcp"}}
	if err := h.Validate(ok); err != nil {
		t.Errorf("inline server: %v", err)
	}
}

func TestNewPool_RejectsInvalidServers(t *testing.T) {
	if _, err := NewPool([]ServerConfig{{Transport: TransportStdio, Command: "x"}}, nil); err == nil {
		t.Error("unnamed server accepted")
	}
	if _, err := NewPool([]ServerConfig{{Name: "a", Transport: TransportSSE}}, nil); err == nil {
		t.Error("sse without url accepted")
	}
}
