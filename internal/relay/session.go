package relay

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds the frames waiting to be written to one
// session. A session that falls this far behind is disconnected.
const DefaultQueueSize = 256

// Session is the relay's end of one participant's connection. Frames are
// queued with Enqueue and drained by the connection's writer.
type Session struct {
	id   string
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	room   *Room
}

// NewSession returns an open session whose queue holds up to queueSize
// frames.
func NewSession(queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Session{
		id:   uuid.NewString(),
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Room returns the room the session joined, or nil.
func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Outgoing delivers queued frames in enqueue order.
func (s *Session) Outgoing() <-chan []byte { return s.send }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue queues frame without blocking. It reports false if the session
// is closed or its queue is full.
func (s *Session) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setRoom(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = room
}
