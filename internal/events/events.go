// Package events publishes live session state for real-time consumers.
// Delivery is best effort and at most once; consumers reconcile by polling
// the admin API.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type names an event kind.
type Type string

const (
	TypeSessionState   Type = "session.state"
	TypeClientAttached Type = "client.attached"
	TypeClientDetached Type = "client.detached"
	TypeSessionFailure Type = "session.failure"
	TypeLedgerAlert    Type = "ledger.alert"
)

// Event is one live-state notification.
type Event struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Instance    string    `json:"instance,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
	State       string    `json:"state,omitempty"`
	ClientCount int       `json:"client_count"`
	Source      string    `json:"source,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Time        time.Time `json:"time"`
}

// New returns an event of the given type stamped with a fresh ULID and the
// current time.
func New(typ Type) Event {
	return Event{
		ID:   ulid.Make().String(),
		Type: typ,
		Time: time.Now().UTC(),
	}
}

// Publisher delivers events. Implementations must not block the caller for
// long and never fail it.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events; limit <= 0 keeps 256.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 256
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Recent returns up to n of the newest events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	all := r.Events()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// OfType returns the recorded events of typ, oldest first.
func (r *Recorder) OfType(typ Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
