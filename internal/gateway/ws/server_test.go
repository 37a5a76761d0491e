package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/toolexec/internal/events"
	"github.com/jkaninda/toolexec/internal/execution"
)

type tokenAuth map[string]string // token → tenant

func (a tokenAuth) Authenticate(r *http.Request) (execution.Caller, error) {
	tenant, ok := a[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		return execution.Caller{}, errors.New("bad token")
	}
	return execution.Caller{TenantID: tenant}, nil
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

// waitSubscribers polls until the hub has n subscribers.
func waitSubscribers(t *testing.T, hub *events.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Stream ---

func TestServer_StreamsTenantEvents(t *testing.T) {
	hub := events.NewHub(0, nil)
	s := NewServer(hub, tokenAuth{"k1": "acme"}, Config{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "k1")
	if hello := read(t, conn); hello.Type != events.TypeSubscribed {
		t.Fatalf("first event = %s, want %s", hello.Type, events.TypeSubscribed)
	}
	waitSubscribers(t, hub, 1)

	other := &execution.Record{ID: execution.NewID(), ToolID: "util/echo", Caller: execution.Caller{TenantID: "globex"}}
	mine := &execution.Record{ID: execution.NewID(), ToolID: "util/echo", Caller: execution.Caller{TenantID: "acme"}, Status: execution.StatusRunning}
	hub.ExecutionStarted(context.Background(), other)
	hub.ExecutionStarted(context.Background(), mine)

	ev := read(t, conn)
	if ev.Type != events.TypeStarted || ev.ExecutionID != mine.ID.String() {
		t.Errorf("event = %+v, want started for %s", ev, mine.ID)
	}
}

func TestServer_Heartbeat(t *testing.T) {
	hub := events.NewHub(0, nil)
	s := NewServer(hub, tokenAuth{"k1": "acme"}, Config{HeartbeatInterval: 20 * time.Millisecond}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "k1")
	read(t, conn) // subscribed
	if ev := read(t, conn); ev.Type != events.TypePing {
		t.Errorf("event = %s, want ping", ev.Type)
	}
}

func TestServer_Unauthorized(t *testing.T) {
	hub := events.NewHub(0, nil)
	s := NewServer(hub, tokenAuth{"k1": "acme"}, Config{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer nope"}},
	})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestServer_DisconnectUnsubscribes(t *testing.T) {
	hub := events.NewHub(0, nil)
	s := NewServer(hub, tokenAuth{"k1": "acme"}, Config{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "k1")
	read(t, conn)
	waitSubscribers(t, hub, 1)
	conn.Close(websocket.StatusNormalClosure, "bye")
	waitSubscribers(t, hub, 0)
}
