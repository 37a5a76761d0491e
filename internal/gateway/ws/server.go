// Package ws streams execution events to clients over WebSocket.
// Clients connect to /v1/events, authenticate like any API caller and
// receive the events of their own tenant.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/toolexec/internal/events"
	"github.com/jkaninda/toolexec/internal/execution"
)

// Subprotocol is the negotiated websocket subprotocol.
const Subprotocol = "toolexec-events-v1"

const (
	defaultHeartbeat = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (execution.Caller, error)
}

// Config configures the event stream server.
type Config struct {
	// HeartbeatInterval is the ping period. Default: 30s.
	HeartbeatInterval time.Duration
	// AllowAllTenants lets a caller with an empty tenant watch every tenant.
	// Only meaningful when authentication is disabled.
	AllowAllTenants bool
}

// Server upgrades requests and streams hub events to each connection.
type Server struct {
	hub    *events.Hub
	auth   Authenticator
	cfg    Config
	logger *slog.Logger
}

// NewServer creates an event stream server. auth may be nil, in which case
// connections are anonymous and see events for the tenant given in the
// tenant_id query parameter.
func NewServer(hub *events.Hub, auth Authenticator, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, auth: auth, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	filter := events.Filter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		ToolID:      r.URL.Query().Get("tool_id"),
	}
	if s.auth != nil {
		caller, err := s.auth.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		filter.TenantID = caller.TenantID
	} else {
		filter.TenantID = r.URL.Query().Get("tenant_id")
	}
	if filter.TenantID == "" && !(s.auth == nil && s.cfg.AllowAllTenants) {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, filter)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, filter events.Filter) {
	sub := s.hub.Subscribe(filter)
	defer func() {
		sub.Close()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx = conn.CloseRead(ctx)

	s.logger.Info("event stream opened",
		slog.String("tenant_id", filter.TenantID),
		slog.String("execution_id", filter.ExecutionID),
	)

	hello, _ := events.New(events.TypeSubscribed, map[string]string{
		"tenant_id":    filter.TenantID,
		"execution_id": filter.ExecutionID,
		"tool_id":      filter.ToolID,
	})
	if err := s.writeEvent(ctx, conn, hello); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("event stream closed", slog.String("tenant_id", filter.TenantID))
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Warn("event stream write failed",
					slog.String("tenant_id", filter.TenantID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			ping, _ := events.New(events.TypePing, nil)
			if err := s.writeEvent(ctx, conn, ping); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("tenant_id", filter.TenantID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) heartbeat() time.Duration {
	if s.cfg.HeartbeatInterval > 0 {
		return s.cfg.HeartbeatInterval
	}
	return defaultHeartbeat
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
