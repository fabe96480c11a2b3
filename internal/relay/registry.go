// Package relay is the server side of board synchronization. A Registry
// maps room names to rooms; each room owns an authoritative replica of
// the room's document and the set of sessions connected to it.
//
// Frames received from a session are applied to the room's replica and
// forwarded verbatim to every other session of the room. Apply and
// forward happen under the room's own lock, so frames of one room are
// forwarded in arrival order while rooms never wait on each other.
//
// A room whose last session leaves is kept for a grace period; if nobody
// joins before it expires the room and its document are dropped.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardcraft/internal/clock"
	"boardcraft/internal/crdt"
	"boardcraft/internal/journal"
)

const (
	// DefaultRoom is used when a connection names no room.
	DefaultRoom = "default"
	// DefaultGracePeriod is how long an empty room is kept.
	DefaultGracePeriod = 5 * time.Minute
)

var (
	// ErrMalformedFrame is returned by Broadcast for frames that do not
	// decode as replication updates. Nothing is forwarded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrSessionClosed is returned when joining with a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrRoomClosed is returned for operations on a destroyed room.
	ErrRoomClosed = errors.New("room closed")
)

// RoomState is a room's lifecycle stage. A room that is not in the
// registry has not been created yet.
type RoomState string

const (
	StateActive    RoomState = "active"
	StateDraining  RoomState = "draining"
	StateDestroyed RoomState = "destroyed"
)

// RoomInfo is a point-in-time view of a room for status reporting.
type RoomInfo struct {
	Name      string    `json:"name"`
	Users     int       `json:"users"`
	State     RoomState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Clock       clock.Clock
	GracePeriod time.Duration
	Logger      *slog.Logger
	Journal     journal.Journal
	// Bus, when set, links this registry to other relay instances.
	Bus Bus
	// InstanceID identifies this registry on the bus and as the peer id
	// of room replicas. Defaults to a random UUID.
	InstanceID string
}

// Registry owns every room of one relay process.
type Registry struct {
	clock    clock.Clock
	grace    time.Duration
	logger   *slog.Logger
	journal  journal.Journal
	bus      Bus
	instance string

	mu    sync.Mutex
	rooms map[string]*Room
}

// Room is one synchronization scope.
type Room struct {
	name      string
	createdAt time.Time

	mu         sync.Mutex
	doc        *crdt.Document
	sessions   map[*Session]struct{}
	state      RoomState
	teardown   *clock.Timer
	generation uint64
	stopBus    func()
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	return &Registry{
		clock:    opts.Clock,
		grace:    opts.GracePeriod,
		logger:   opts.Logger,
		journal:  opts.Journal,
		bus:      opts.Bus,
		instance: opts.InstanceID,
		rooms:    make(map[string]*Room),
	}
}

// InstanceID returns the id this registry uses on the bus.
func (r *Registry) InstanceID() string { return r.instance }

// Join registers session in the named room, creating the room if needed
// and cancelling a pending teardown. The room's snapshot is queued to the
// session before any forwarded frame.
func (r *Registry) Join(name string, session *Session) (*Room, error) {
	if name == "" {
		name = DefaultRoom
	}

	r.mu.Lock()
	room, ok := r.rooms[name]
	created := !ok
	if created {
		room = &Room{
			name:      name,
			createdAt: r.clock.Now(),
			doc:       crdt.NewDocument(r.instance),
			sessions:  make(map[*Session]struct{}),
			state:     StateActive,
		}
		r.rooms[name] = room
	}
	room.mu.Lock()
	r.mu.Unlock()

	snapshot, err := room.doc.Snapshot()
	if err != nil {
		room.mu.Unlock()
		return nil, fmt.Errorf("snapshot room %s: %w", name, err)
	}
	if !session.Enqueue(snapshot) {
		room.mu.Unlock()
		return nil, ErrSessionClosed
	}

	if room.teardown != nil {
		room.teardown.Stop()
		room.teardown = nil
	}
	room.generation++
	room.state = StateActive
	room.sessions[session] = struct{}{}
	users := len(room.sessions)
	now := r.clock.Now()
	if created {
		r.journal.Record(journal.Event{Room: name, Kind: journal.RoomCreated, At: now})
	}
	r.journal.Record(journal.Event{Room: name, Kind: journal.SessionJoined, Session: session.ID(), Users: users, At: now})
	room.mu.Unlock()

	session.setRoom(room)
	r.logger.Info("session joined", "room", name, "session", session.ID(), "users", users, "created", created)

	if created && r.bus != nil {
		r.attachBus(room)
	}
	return room, nil
}

// Broadcast applies frame to the room's replica and forwards it to every
// session of the room except from. Sessions whose queue is full are
// closed. Malformed frames return ErrMalformedFrame and go nowhere.
func (r *Registry) Broadcast(room *Room, from *Session, frame []byte) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.state == StateDestroyed {
		return ErrRoomClosed
	}
	if _, err := room.doc.Apply(frame, crdt.OriginRemote); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	r.forwardLocked(room, from, frame)
	if r.bus != nil {
		r.bus.Publish(room.name, Envelope{Instance: r.instance, Kind: EnvelopeFrame, Frame: frame})
	}
	return nil
}

// Leave removes session from its room. When the room becomes empty it
// starts draining and is destroyed after the grace period unless a
// session joins first.
func (r *Registry) Leave(session *Session) {
	room := session.Room()
	if room == nil {
		return
	}

	room.mu.Lock()
	if _, ok := room.sessions[session]; !ok {
		room.mu.Unlock()
		return
	}
	delete(room.sessions, session)
	users := len(room.sessions)
	r.journal.Record(journal.Event{Room: room.name, Kind: journal.SessionLeft, Session: session.ID(), Users: users, At: r.clock.Now()})
	if users == 0 && room.state == StateActive {
		room.state = StateDraining
		room.generation++
		generation := room.generation
		room.teardown = r.clock.AfterFunc(r.grace, func() { r.expire(room, generation) })
	}
	room.mu.Unlock()

	r.logger.Info("session left", "room", room.name, "session", session.ID(), "users", users)
}

// expire destroys room if it is still empty and no join happened since
// the timer for generation was armed.
func (r *Registry) expire(room *Room, generation uint64) {
	r.mu.Lock()
	room.mu.Lock()
	if room.generation != generation || room.state != StateDraining || len(room.sessions) > 0 {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.state = StateDestroyed
	room.teardown = nil
	stopBus := room.stopBus
	room.stopBus = nil
	if r.rooms[room.name] == room {
		delete(r.rooms, room.name)
	}
	r.journal.Record(journal.Event{Room: room.name, Kind: journal.RoomDestroyed, At: r.clock.Now()})
	room.mu.Unlock()
	r.mu.Unlock()

	if stopBus != nil {
		stopBus()
	}
	r.logger.Info("empty room deleted", "room", room.name)
}

// Lookup returns the current state of the named room.
func (r *Registry) Lookup(name string) (RoomInfo, bool) {
	r.mu.Lock()
	room, ok := r.rooms[name]
	r.mu.Unlock()
	if !ok {
		return RoomInfo{}, false
	}
	return room.Info(), true
}

// Rooms returns every room, sorted by name.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// TotalUsers returns the number of sessions across all rooms.
func (r *Registry) TotalUsers() int {
	total := 0
	for _, info := range r.Rooms() {
		total += info.Users
	}
	return total
}

// Close closes every session, stops pending teardowns and bus
// subscriptions, and drops every room. Rooms joined afterwards start from
// an empty document.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.mu.Lock()
		if room.teardown != nil {
			room.teardown.Stop()
			room.teardown = nil
		}
		room.state = StateDestroyed
		stopBus := room.stopBus
		room.stopBus = nil
		sessions := make([]*Session, 0, len(room.sessions))
		for s := range room.sessions {
			sessions = append(sessions, s)
		}
		room.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
		if stopBus != nil {
			stopBus()
		}
	}
}

// Name returns the room name.
func (room *Room) Name() string { return room.name }

// Document returns the room's authoritative replica.
func (room *Room) Document() *crdt.Document { return room.doc }

// Info returns a point-in-time view of the room.
func (room *Room) Info() RoomInfo {
	room.mu.Lock()
	defer room.mu.Unlock()
	return RoomInfo{
		Name:      room.name,
		Users:     len(room.sessions),
		State:     room.state,
		CreatedAt: room.createdAt,
	}
}

// forwardLocked queues frame to every session except from.
func (r *Registry) forwardLocked(room *Room, from *Session, frame []byte) {
	for s := range room.sessions {
		if s == from {
			continue
		}
		if !s.Enqueue(frame) {
			r.logger.Warn("disconnecting slow session", "room", room.name, "session", s.ID())
			s.Close()
		}
	}
}

func (r *Registry) attachBus(room *Room) {
	cancel, err := r.bus.Subscribe(room.name, func(envelope Envelope) { r.deliver(room, envelope) })
	if err != nil {
		r.logger.Error("bus subscribe failed", "room", room.name, "error", err)
		return
	}

	room.mu.Lock()
	if room.state == StateDestroyed {
		room.mu.Unlock()
		cancel()
		return
	}
	room.stopBus = cancel
	room.mu.Unlock()

	r.bus.Publish(room.name, Envelope{Instance: r.instance, Kind: EnvelopeSyncRequest})
}

// deliver handles an envelope published by another instance.
func (r *Registry) deliver(room *Room, envelope Envelope) {
	if envelope.Instance == r.instance {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.state == StateDestroyed {
		return
	}

	switch envelope.Kind {
	case EnvelopeFrame:
		if _, err := room.doc.Apply(envelope.Frame, crdt.OriginRemote); err != nil {
			r.logger.Warn("dropping malformed frame from bus", "room", room.name, "instance", envelope.Instance, "error", err)
			return
		}
		r.forwardLocked(room, nil, envelope.Frame)
	case EnvelopeSyncRequest:
		snapshot, err := room.doc.Snapshot()
		if err != nil {
			r.logger.Error("snapshot for sync request", "room", room.name, "error", err)
			return
		}
		r.bus.Publish(room.name, Envelope{Instance: r.instance, Kind: EnvelopeFrame, Frame: snapshot})
	default:
		r.logger.Warn("unknown bus envelope", "room", room.name, "kind", envelope.Kind)
	}
}
