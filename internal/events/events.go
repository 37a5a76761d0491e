// Package events fans execution lifecycle events out to subscribers.
// The Hub is an executor.Monitor; the websocket gateway streams its
// subscriptions to clients.
package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Type identifies an event.
type Type string

const (
	TypeStarted   Type = "execution.started"
	TypeRetrying  Type = "execution.retrying"
	TypeEnded     Type = "execution.ended"
	TypeViolation Type = "security.violation"

	// Stream control, sent by the gateway only.
	TypeSubscribed Type = "stream.subscribed"
	TypePing       Type = "stream.ping"
)

const defaultBuffer = 64

// Event is the envelope delivered to subscribers.
type Event struct {
	Type        Type             `json:"type"`
	ID          string           `json:"id"`
	ExecutionID string           `json:"execution_id,omitempty"`
	TenantID    string           `json:"tenant_id,omitempty"`
	ToolID      string           `json:"tool_id,omitempty"`
	Status      execution.Status `json:"status,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// New creates an Event with a fresh ID and current timestamp.
func New(t Type, payload any) (Event, error) {
	ev := Event{Type: t, ID: uuid.New().String(), Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = data
	}
	return ev, nil
}

// Decode unmarshals the Payload into target.
func (e Event) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// RetryingPayload accompanies TypeRetrying.
type RetryingPayload struct {
	Attempt    int           `json:"attempt"`
	RetryCount int           `json:"retry_count"`
	Delay      time.Duration `json:"delay"`
	Error      string        `json:"error,omitempty"`
}

// EndedPayload accompanies TypeEnded.
type EndedPayload struct {
	Attempts int              `json:"attempts"`
	Error    *execution.Error `json:"error,omitempty"`
	Usage    *execution.Usage `json:"usage,omitempty"`
}

// ViolationPayload accompanies TypeViolation.
type ViolationPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Filter restricts a subscription. Empty fields match everything.
type Filter struct {
	TenantID    string
	ExecutionID string
	ToolID      string
}

func (f Filter) match(ev Event) bool {
	return (f.TenantID == "" || f.TenantID == ev.TenantID) &&
		(f.ExecutionID == "" || f.ExecutionID == ev.ExecutionID) &&
		(f.ToolID == "" || f.ToolID == ev.ToolID)
}

// Subscription receives matching events on C until closed. Events that do
// not fit the buffer are dropped and counted.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  Filter
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

// Dropped returns the number of events lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes C. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub publishes execution events to subscribers without blocking the
// publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub. buffer is the per-subscriber channel size (0 = 64).
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscriber for events matching f.
func (h *Hub) Subscribe(f Filter) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, filter: f, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers ev to every matching subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1) == 1 {
				h.logger.Warn("event subscriber is slow, dropping events",
					slog.String("tenant_id", s.filter.TenantID),
					slog.String("type", string(ev.Type)),
				)
			}
		}
	}
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// --- executor.Monitor ---

func (h *Hub) ExecutionStarted(_ context.Context, rec *execution.Record) {
	h.publish(TypeStarted, rec, nil)
}

func (h *Hub) ExecutionRetrying(_ context.Context, rec *execution.Record, delay time.Duration) {
	p := RetryingPayload{Attempt: rec.Attempts, RetryCount: rec.RetryCount, Delay: delay}
	if rec.Err != nil {
		p.Error = rec.Err.Error()
	}
	h.publish(TypeRetrying, rec, p)
}

func (h *Hub) ExecutionEnded(_ context.Context, rec *execution.Record) {
	h.publish(TypeEnded, rec, EndedPayload{Attempts: rec.Attempts, Error: rec.Err, Usage: rec.Usage})
}

func (h *Hub) SecurityViolation(_ context.Context, rec *execution.Record, err *execution.Error) {
	h.publish(TypeViolation, rec, ViolationPayload{Message: err.Message, Detail: err.Detail})
}

func (h *Hub) publish(t Type, rec *execution.Record, payload any) {
	ev, err := New(t, payload)
	if err != nil {
		h.logger.Error("encoding event failed",
			slog.String("type", string(t)),
			slog.String("execution_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	ev.ExecutionID = rec.ID.String()
	ev.TenantID = rec.Caller.TenantID
	ev.ToolID = rec.ToolID
	ev.Status = rec.Status
	h.Publish(ev)
}
