package relay

import (
	"sync"
)

// EnvelopeKind distinguishes messages exchanged between relay instances.
type EnvelopeKind uint8

const (
	// EnvelopeFrame carries a replication frame applied by the sender.
	EnvelopeFrame EnvelopeKind = 1
	// EnvelopeSyncRequest asks instances holding the room to publish
	// their snapshot.
	EnvelopeSyncRequest EnvelopeKind = 2
)

// Envelope is the unit published on a Bus.
type Envelope struct {
	Instance string       `cbor:"instance"`
	Kind     EnvelopeKind `cbor:"kind"`
	Frame    []byte       `cbor:"frame,omitempty"`
}

// Bus connects relay instances that serve the same rooms, so sessions of
// one room spread across instances still see each other's frames.
//
// Publish is called with a room lock held and must not block. Deliveries
// may include the publisher's own envelopes; receivers filter on
// Instance.
type Bus interface {
	Publish(room string, envelope Envelope)
	Subscribe(room string, deliver func(Envelope)) (cancel func(), err error)
}

// memoryBufferSize bounds envelopes waiting for one subscriber.
const memoryBufferSize = 1024

// MemoryBus is an in-process Bus. Each subscriber is served by its own
// goroutine, so delivery order per subscriber matches publish order.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySubscriber
}

type memorySubscriber struct {
	envelopes chan Envelope
	done      chan struct{}
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]*memorySubscriber)}
}

// Publish delivers envelope to every subscriber of room. Envelopes for a
// subscriber whose buffer is full are dropped.
func (b *MemoryBus) Publish(room string, envelope Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[room] {
		select {
		case sub.envelopes <- envelope:
		default:
		}
	}
}

// Subscribe registers deliver for room.
func (b *MemoryBus) Subscribe(room string, deliver func(Envelope)) (func(), error) {
	sub := &memorySubscriber{
		envelopes: make(chan Envelope, memoryBufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[room] == nil {
		b.subs[room] = make(map[int]*memorySubscriber)
	}
	b.subs[room][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case envelope := <-sub.envelopes:
				deliver(envelope)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[room], id)
			if len(b.subs[room]) == 0 {
				delete(b.subs, room)
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

// Subscribers returns the number of live subscriptions for room.
func (b *MemoryBus) Subscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[room])
}
