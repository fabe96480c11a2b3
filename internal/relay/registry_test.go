package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardcraft/internal/clock"
	"boardcraft/internal/crdt"
	"boardcraft/internal/journal"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *clock.FakeClock, *journal.Memory) {
	t.Helper()
	fake := clock.Fake(epoch)
	events := journal.NewMemory(0)
	registry := NewRegistry(Options{
		Clock:       fake,
		GracePeriod: time.Minute,
		Journal:     events,
		InstanceID:  "relay-test",
	})
	t.Cleanup(registry.Close)
	return registry, fake, events
}

// receive pops the next queued frame or fails.
func receive(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame := <-s.Outgoing():
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s received nothing", s.ID())
		return nil
	}
}

func assertQueueEmpty(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.Outgoing():
		t.Fatalf("session %s received unexpected frame %x", s.ID(), frame)
	default:
	}
}

func mustSet(t *testing.T, doc *crdt.Document, id string, fields crdt.Fields) []byte {
	t.Helper()
	update, err := doc.Set(id, fields)
	require.NoError(t, err)
	return update
}

func TestRegistry_JoinQueuesSnapshotFirst(t *testing.T) {
	registry, _, events := newTestRegistry(t)
	writer := NewSession(0)
	room, err := registry.Join("r1", writer)
	require.NoError(t, err)
	receive(t, writer) // empty snapshot

	client := crdt.NewDocument("client")
	require.NoError(t, registry.Broadcast(room, writer, mustSet(t, client, "e1", crdt.Fields{"x": 10.0})))

	late := NewSession(0)
	_, err = registry.Join("r1", late)
	require.NoError(t, err)

	replica := crdt.NewDocument("late")
	_, err = replica.Apply(receive(t, late), crdt.OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, client.Records(), replica.Records())

	assert.Equal(t, []journal.Kind{journal.RoomCreated, journal.SessionJoined, journal.SessionJoined}, events.Kinds("r1"))
}

func TestRegistry_DefaultRoomName(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	room, err := registry.Join("", NewSession(0))
	require.NoError(t, err)
	assert.Equal(t, DefaultRoom, room.Name())
}

func TestRegistry_BroadcastSkipsOrigin(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	a, b, c := NewSession(0), NewSession(0), NewSession(0)
	var room *Room
	for _, s := range []*Session{a, b, c} {
		var err error
		room, err = registry.Join("r1", s)
		require.NoError(t, err)
		receive(t, s)
	}

	frame := mustSet(t, crdt.NewDocument("client-a"), "e1", crdt.Fields{"fill": "red"})
	require.NoError(t, registry.Broadcast(room, a, frame))

	assert.Equal(t, frame, receive(t, b))
	assert.Equal(t, frame, receive(t, c))
	assertQueueEmpty(t, a)

	_, ok := room.Document().Get("e1")
	assert.True(t, ok, "relay replica applies the frame")
}

func TestRegistry_MalformedFrameIsDropped(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	a, b := NewSession(0), NewSession(0)
	room, err := registry.Join("r1", a)
	require.NoError(t, err)
	_, err = registry.Join("r1", b)
	require.NoError(t, err)
	receive(t, a)
	receive(t, b)

	err = registry.Broadcast(room, a, []byte("garbage"))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assertQueueEmpty(t, b)

	// The room keeps working.
	frame := mustSet(t, crdt.NewDocument("client"), "e1", crdt.Fields{"x": 1.0})
	require.NoError(t, registry.Broadcast(room, a, frame))
	assert.Equal(t, frame, receive(t, b))
}

func TestRegistry_RoomIsolation(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	alphaWriter, alphaReader, beta := NewSession(0), NewSession(0), NewSession(0)
	alpha, err := registry.Join("alpha", alphaWriter)
	require.NoError(t, err)
	_, err = registry.Join("alpha", alphaReader)
	require.NoError(t, err)
	betaRoom, err := registry.Join("beta", beta)
	require.NoError(t, err)
	for _, s := range []*Session{alphaWriter, alphaReader, beta} {
		receive(t, s)
	}

	require.NoError(t, registry.Broadcast(alpha, alphaWriter, mustSet(t, crdt.NewDocument("c"), "e1", crdt.Fields{"x": 1.0})))

	receive(t, alphaReader)
	assertQueueEmpty(t, beta)
	assert.Equal(t, 0, betaRoom.Document().Len())
}

func TestRegistry_TeardownAfterGracePeriod(t *testing.T) {
	registry, fake, events := newTestRegistry(t)
	a, b := NewSession(0), NewSession(0)
	room, err := registry.Join("r1", a)
	require.NoError(t, err)
	_, err = registry.Join("r1", b)
	require.NoError(t, err)
	require.NoError(t, registry.Broadcast(room, a, mustSet(t, crdt.NewDocument("c"), "e1", crdt.Fields{"x": 1.0})))

	registry.Leave(a)
	info, ok := registry.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, 1, info.Users)

	registry.Leave(b)
	info, ok = registry.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, StateDraining, info.State)
	assert.Equal(t, 0, info.Users)

	fake.Advance(time.Minute - time.Second)
	_, ok = registry.Lookup("r1")
	assert.True(t, ok, "room survives until the grace period ends")

	fake.Advance(time.Second)
	_, ok = registry.Lookup("r1")
	assert.False(t, ok, "room is destroyed after the grace period")
	assert.Equal(t, journal.RoomDestroyed, events.Kinds("r1")[len(events.Kinds("r1"))-1])

	// Rejoining the name starts from an empty document.
	fresh := NewSession(0)
	rejoined, err := registry.Join("r1", fresh)
	require.NoError(t, err)
	assert.NotSame(t, room, rejoined)
	replica := crdt.NewDocument("fresh")
	_, err = replica.Apply(receive(t, fresh), crdt.OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, 0, replica.Len())
}

func TestRegistry_RejoinCancelsTeardown(t *testing.T) {
	registry, fake, _ := newTestRegistry(t)
	a := NewSession(0)
	room, err := registry.Join("r1", a)
	require.NoError(t, err)
	require.NoError(t, registry.Broadcast(room, a, mustSet(t, crdt.NewDocument("c"), "e1", crdt.Fields{"x": 1.0})))

	registry.Leave(a)
	fake.Advance(30 * time.Second)

	b := NewSession(0)
	again, err := registry.Join("r1", b)
	require.NoError(t, err)
	assert.Same(t, room, again)
	assert.Equal(t, 0, fake.Pending(), "pending teardown is cancelled")

	fake.Advance(time.Hour)
	info, ok := registry.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, 1, room.Document().Len(), "state survives the reconnect")
}

func TestRegistry_LeaveIsIdempotent(t *testing.T) {
	registry, fake, _ := newTestRegistry(t)
	a := NewSession(0)
	_, err := registry.Join("r1", a)
	require.NoError(t, err)

	registry.Leave(a)
	registry.Leave(a)
	assert.Equal(t, 1, fake.Pending())

	registry.Leave(NewSession(0)) // never joined
}

func TestRegistry_SlowSessionIsDisconnected(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	writer := NewSession(0)
	slow := NewSession(1)
	room, err := registry.Join("r1", writer)
	require.NoError(t, err)
	_, err = registry.Join("r1", slow) // the snapshot fills the queue
	require.NoError(t, err)

	require.NoError(t, registry.Broadcast(room, writer, mustSet(t, crdt.NewDocument("c"), "e1", crdt.Fields{"x": 1.0})))

	assert.True(t, slow.Closed())
	assert.False(t, writer.Closed())
}

func TestRegistry_JoinWithClosedSession(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	s := NewSession(0)
	s.Close()
	_, err := registry.Join("r1", s)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRegistry_StatusViews(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	for _, name := range []string{"beta", "alpha", "alpha"} {
		_, err := registry.Join(name, NewSession(0))
		require.NoError(t, err)
	}

	rooms := registry.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "alpha", rooms[0].Name)
	assert.Equal(t, 2, rooms[0].Users)
	assert.Equal(t, epoch, rooms[0].CreatedAt)
	assert.Equal(t, "beta", rooms[1].Name)
	assert.Equal(t, 3, registry.TotalUsers())

	_, ok := registry.Lookup("gamma")
	assert.False(t, ok)
}

func TestRegistry_BusLinksInstances(t *testing.T) {
	bus := NewMemoryBus()
	east := NewRegistry(Options{Bus: bus, InstanceID: "east"})
	west := NewRegistry(Options{Bus: bus, InstanceID: "west"})
	t.Cleanup(east.Close)
	t.Cleanup(west.Close)

	eastSession := NewSession(0)
	eastRoom, err := east.Join("shared", eastSession)
	require.NoError(t, err)
	receive(t, eastSession)

	// State written before west knows the room arrives through the sync
	// request west publishes when it creates its replica.
	client := crdt.NewDocument("client")
	require.NoError(t, east.Broadcast(eastRoom, eastSession, mustSet(t, client, "early", crdt.Fields{"x": 1.0})))

	westSession := NewSession(0)
	westRoom, err := west.Join("shared", westSession)
	require.NoError(t, err)
	receive(t, westSession)

	require.Eventually(t, func() bool {
		_, ok := westRoom.Document().Get("early")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// Live frames cross instances and reach the remote sessions.
	frame := mustSet(t, client, "live", crdt.Fields{"x": 2.0})
	require.NoError(t, east.Broadcast(eastRoom, eastSession, frame))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-westSession.Outgoing():
			if string(got) == string(frame) {
				return
			}
		case <-deadline:
			t.Fatal("west session never received the live frame")
		}
	}
}

func TestRegistry_BusUnsubscribedOnTeardown(t *testing.T) {
	bus := NewMemoryBus()
	fake := clock.Fake(epoch)
	registry := NewRegistry(Options{Bus: bus, Clock: fake, GracePeriod: time.Minute})
	t.Cleanup(registry.Close)

	s := NewSession(0)
	_, err := registry.Join("r1", s)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("r1"))

	registry.Leave(s)
	fake.Advance(time.Minute)
	assert.Equal(t, 0, bus.Subscribers("r1"))
}
