// Package mcp calls tools on external MCP (Model Context Protocol) servers.
// Connections are pooled per server definition and shared across attempts.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
)

// Name is the custom kind name this handler registers under.
const Name = "mcp"

// Transports.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// ServerConfig describes how to reach one MCP server. Values in Env and
// Headers are expanded with os.ExpandEnv.
type ServerConfig struct {
	Name      string            `json:"name" yaml:"name" toml:"name"`
	Transport string            `json:"transport" yaml:"transport" toml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty" toml:"url"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers"`
}

func (c ServerConfig) validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires command", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp server %q: %s transport requires url", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// key identifies a connection in the pool.
func (c ServerConfig) key() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Transport + "|" + c.Command + "|" + strings.Join(c.Args, " ") + "|" + c.URL
}

// Pool holds initialised MCP client connections.
type Pool struct {
	mu      sync.Mutex
	servers map[string]ServerConfig // Named servers from the service config.
	clients map[string]mcpclient.MCPClient
	dial    func(ctx context.Context, cfg ServerConfig) (mcpclient.MCPClient, error)
	logger  *slog.Logger
}

// NewPool creates a pool. Named servers can be referenced by tools via
// config.server_name.
func NewPool(servers []ServerConfig, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		servers: make(map[string]ServerConfig, len(servers)),
		clients: make(map[string]mcpclient.MCPClient),
		logger:  logger,
	}
	p.dial = p.connect
	for _, s := range servers {
		if s.Name == "" {
			return nil, fmt.Errorf("mcp server config without name")
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		p.servers[s.Name] = s
	}
	return p, nil
}

// NewFactory returns the handler.Factory for handler.Custom(Name).
func (p *Pool) NewFactory() handler.Factory {
	return func() handler.Handler { return &Handler{pool: p} }
}

// Client returns a connected client, dialling on first use.
func (p *Pool) Client(ctx context.Context, cfg ServerConfig) (mcpclient.MCPClient, error) {
	k := cfg.key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[k]; ok {
		return c, nil
	}
	c, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.clients[k] = c
	return c, nil
}

// Evict closes and forgets a broken connection.
func (p *Pool) Evict(cfg ServerConfig) {
	k := cfg.key()
	p.mu.Lock()
	c, ok := p.clients[k]
	delete(p.clients, k)
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Close shuts down all MCP client connections.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]mcpclient.MCPClient)
	p.mu.Unlock()

	keys := make([]string, 0, len(clients))
	for k := range clients {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := clients[k].Close(); err != nil {
			p.logger.Error("closing MCP client", slog.String("server", k), slog.String("error", err.Error()))
		}
	}
}

func (p *Pool) resolve(cfg map[string]any) (ServerConfig, error) {
	if name, _ := handler.String(cfg, "server_name"); name != "" {
		s, ok := p.servers[name]
		if !ok {
			return ServerConfig{}, fmt.Errorf("%w: unknown mcp server %q", execution.ErrInvalidConfig, name)
		}
		return s, nil
	}
	raw, ok := cfg["server"]
	if !ok {
		return ServerConfig{}, fmt.Errorf("%w: missing required config: server or server_name", execution.ErrInvalidConfig)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("%w: server: %v", execution.ErrInvalidConfig, err)
	}
	var s ServerConfig
	if err := json.Unmarshal(data, &s); err != nil {
		return ServerConfig{}, fmt.Errorf("%w: server: %v", execution.ErrInvalidConfig, err)
	}
	if err := s.validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("%w: %v", execution.ErrInvalidConfig, err)
	}
	return s, nil
}

// connect creates the client for cfg's transport and performs the
// initialization handshake.
func (p *Pool) connect(ctx context.Context, cfg ServerConfig) (mcpclient.MCPClient, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	switch cfg.Transport {
	case TransportStdio:
		c, err = mcpclient.NewStdioMCPClient(cfg.Command, expandEnvList(cfg.Env), cfg.Args...)
	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvMap(cfg.Headers)))
		}
		c, err = mcpclient.NewSSEMCPClient(cfg.URL, opts...)
		if err == nil {
			err = c.Start(ctx)
		}
	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvMap(cfg.Headers)))
		}
		c, err = mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		err = fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.key(), err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "toolexec", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.key(), err)
	}

	p.logger.Info("MCP server connected",
		slog.String("server", cfg.key()),
		slog.String("transport", cfg.Transport),
	)
	return c, nil
}

// Handler calls config.tool on the configured server with the input object
// as arguments.
type Handler struct {
	pool *Pool
}

func (h *Handler) Validate(cfg map[string]any) error {
	if _, err := handler.RequireString(cfg, "tool"); err != nil {
		return err
	}
	_, err := h.pool.resolve(cfg)
	return err
}

func (h *Handler) Execute(ctx context.Context, inv *handler.Invocation) (json.RawMessage, error) {
	tool, err := handler.RequireString(inv.Config, "tool")
	if err != nil {
		return nil, err
	}
	server, err := h.pool.resolve(inv.Config)
	if err != nil {
		return nil, err
	}

	var args map[string]any
	if len(inv.Input) > 0 && string(inv.Input) != "null" {
		if err := json.Unmarshal(inv.Input, &args); err != nil {
			return nil, handler.Permanent(fmt.Errorf("%w: mcp arguments must be a JSON object", execution.ErrInvalidParameters))
		}
	}

	c, err := h.pool.Client(ctx, server)
	if err != nil {
		return nil, handler.Transient(err)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = args

	res, err := c.CallTool(ctx, callReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.pool.Evict(server)
		return nil, handler.Transient(fmt.Errorf("MCP call to %s/%s failed: %w", server.key(), tool, err))
	}

	text := formatContent(res.Content)
	if res.IsError {
		return nil, handler.Permanent(fmt.Errorf("MCP tool %s/%s returned an error: %s", server.key(), tool, text))
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(text)
}

func (h *Handler) Cleanup() {}

// formatContent converts MCP content items to a single string. Non-text
// content (image, audio, resource) is serialised as JSON.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

func expandEnvList(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(m))
	for _, k := range keys {
		env = append(env, k+"="+os.ExpandEnv(m[k]))
	}
	return env
}

func expandEnvMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
