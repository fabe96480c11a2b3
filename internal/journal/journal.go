// Package journal records room lifecycle events: when rooms are created
// and destroyed and when participants join and leave. It never stores
// document contents.
package journal

import (
	"context"
	"sync"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	RoomCreated   Kind = "created"
	SessionJoined Kind = "joined"
	SessionLeft   Kind = "left"
	RoomDestroyed Kind = "destroyed"
)

// Event is one lifecycle transition. Users is the room's session count
// after the transition.
type Event struct {
	Room    string    `json:"room"`
	Kind    Kind      `json:"kind"`
	Session string    `json:"session,omitempty"`
	Users   int       `json:"users"`
	At      time.Time `json:"at"`
}

// Journal accepts events. Record is called with room locks held and must
// not block.
type Journal interface {
	Record(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}

// Memory keeps events in process. Used by tests and by the relay when no
// database is configured and history is requested.
type Memory struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemory returns a Memory journal that retains the newest limit
// events. A limit of zero retains everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Record(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append([]Event(nil), m.events[len(m.events)-m.limit:]...)
	}
}

// Events returns every retained event in record order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kinds returns the kinds recorded for room, in order.
func (m *Memory) Kinds(room string) []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []Kind
	for _, e := range m.events {
		if e.Room == room {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// History returns up to limit of the newest events for room, newest
// first.
func (m *Memory) History(_ context.Context, room string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.events[i].Room == room {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}
