// Package audit carries the engine's audit event model and the sinks
// that receive it.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Kind names one auditable engine outcome. The dotted prefix groups
// events by flow so sinks can filter on it.
type Kind string

const (
	KindLoginSuccess         Kind = "login.success"
	KindLoginFailure         Kind = "login.failure"
	KindLoginRateLimited     Kind = "login.rate_limited"
	KindLoginDisabledAccount Kind = "login.disabled_account"
	KindLoginMFARequired     Kind = "login.mfa_required"
	KindLoginMFAFailed       Kind = "login.mfa_failed"
	KindRefreshSuccess       Kind = "refresh.success"
	KindRefreshReuse         Kind = "refresh.reuse_detected"
	KindLogout               Kind = "logout"
	KindLogoutAll            Kind = "logout_all"
	KindMFAEnrollStarted     Kind = "mfa.enroll_started"
	KindMFAEnabled           Kind = "mfa.enabled"
	KindMFADisabled          Kind = "mfa.disabled"
	KindMFAVerifyFailed      Kind = "mfa.verify_failed"
	KindMFACodesRegenerated  Kind = "mfa.backup_codes_regenerated"
)

// Event is one auditable outcome of an engine operation.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType Kind              `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a consumer over a buffered channel.
// Emit gives up when the context is cancelled before the consumer
// catches up.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink appends events to a writer as JSON lines.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	sink := &JSONWriterSink{}
	if w != nil {
		sink.enc = json.NewEncoder(w)
	}
	return sink
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(event)
}
