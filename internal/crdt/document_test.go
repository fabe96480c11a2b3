package crdt

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardcraft/internal/codec"
)

func fieldFloat(t *testing.T, r Record, name string) float64 {
	t.Helper()
	var v float64
	ok, err := r.Field(name, &v)
	require.NoError(t, err)
	require.True(t, ok, "field %q missing", name)
	return v
}

func fieldString(t *testing.T, r Record, name string) string {
	t.Helper()
	var v string
	ok, err := r.Field(name, &v)
	require.NoError(t, err)
	require.True(t, ok, "field %q missing", name)
	return v
}

func TestDocument_SetCreatesAndMerges(t *testing.T) {
	d := NewDocument("peer-a")

	_, err := d.Set("e1", Fields{"type": "rect", "x": 10.0, "y": 10.0, "fill": "red"})
	require.NoError(t, err)
	_, err = d.Set("e1", Fields{"x": 99.0})
	require.NoError(t, err)

	record, ok := d.Get("e1")
	require.True(t, ok)
	assert.Equal(t, 99.0, fieldFloat(t, record, "x"))
	assert.Equal(t, 10.0, fieldFloat(t, record, "y"))
	assert.Equal(t, "red", fieldString(t, record, "fill"))
	assert.Equal(t, 1, d.Len())
}

func TestDocument_SetEmitsExactlyOneUpdate(t *testing.T) {
	d := NewDocument("peer-a")
	var updates [][]byte
	var origins []Origin
	d.OnUpdate(func(update []byte, origin Origin) {
		updates = append(updates, update)
		origins = append(origins, origin)
	})

	returned, err := d.Set("e1", Fields{"x": 1.0, "y": 2.0, "fill": "blue"})
	require.NoError(t, err)

	require.Len(t, updates, 1)
	assert.Equal(t, returned, updates[0])
	assert.Equal(t, []Origin{OriginLocal}, origins)

	decoded, err := DecodeUpdate(returned)
	require.NoError(t, err)
	assert.Len(t, decoded.Sets, 3)
	assert.Equal(t, "peer-a", decoded.Peer)
}

func TestDocument_SetRejectsInvalidMutations(t *testing.T) {
	d := NewDocument("peer-a")

	_, err := d.Set("", Fields{"x": 1.0})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = d.Set("e1", nil)
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = d.Set("e1", Fields{"bad": make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	assert.Equal(t, 0, d.Len())
}

func TestDocument_RemoveTombstones(t *testing.T) {
	d := NewDocument("peer-a")
	var changes []Change
	d.Subscribe(func(c Change) { changes = append(changes, c) })

	_, err := d.Set("e1", Fields{"x": 1.0})
	require.NoError(t, err)

	update, err := d.Remove("e1")
	require.NoError(t, err)
	require.NotNil(t, update)

	_, ok := d.Get("e1")
	assert.False(t, ok)
	assert.True(t, d.Removed("e1"))
	assert.Equal(t, []string{"e1"}, d.Tombstones())

	require.Len(t, changes, 2)
	assert.Equal(t, []string{"e1"}, changes[1].Removed)

	_, err = d.Set("e1", Fields{"x": 2.0})
	assert.True(t, errors.Is(err, ErrRemoved))

	again, err := d.Remove("e1")
	require.NoError(t, err)
	assert.Nil(t, again, "second remove is a no-op")
}

func TestDocument_SubscribeReportsOrigin(t *testing.T) {
	a := NewDocument("peer-a")
	b := NewDocument("peer-b")

	var seen []Change
	b.Subscribe(func(c Change) { seen = append(seen, c) })

	update, err := a.Set("e1", Fields{"x": 5.0})
	require.NoError(t, err)

	change, err := b.Apply(update, OriginRemote)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, OriginRemote, seen[0].Origin)
	assert.Contains(t, seen[0].Updated, "e1")
	assert.Equal(t, change.Updated, seen[0].Updated)
}

func TestDocument_UnsubscribeStopsDelivery(t *testing.T) {
	d := NewDocument("peer-a")
	calls := 0
	updates := 0
	unsubscribe := d.Subscribe(func(Change) { calls++ })
	stopUpdates := d.OnUpdate(func([]byte, Origin) { updates++ })

	_, err := d.Set("e1", Fields{"x": 1.0})
	require.NoError(t, err)
	unsubscribe()
	stopUpdates()
	_, err = d.Set("e1", Fields{"x": 2.0})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, updates)
}

func TestDocument_ApplyDuplicateIsSilent(t *testing.T) {
	a := NewDocument("peer-a")
	b := NewDocument("peer-b")
	update, err := a.Set("e1", Fields{"x": 1.0})
	require.NoError(t, err)

	emitted := 0
	b.OnUpdate(func([]byte, Origin) { emitted++ })

	first, err := b.Apply(update, OriginRemote)
	require.NoError(t, err)
	assert.False(t, first.Empty())

	second, err := b.Apply(update, OriginRemote)
	require.NoError(t, err)
	assert.True(t, second.Empty())
	assert.Equal(t, 1, emitted, "duplicate delivery must not re-emit")
}

func TestDocument_ApplyRejectsMalformed(t *testing.T) {
	d := NewDocument("peer-a")
	_, err := d.Set("e1", Fields{"x": 1.0})
	require.NoError(t, err)
	before := d.Records()

	garbage := [][]byte{
		nil,
		[]byte("not cbor at all"),
		{0xff},
	}
	wrongVersion, err := codec.Marshal(map[string]any{"v": 7, "peer": "p"})
	require.NoError(t, err)
	garbage = append(garbage, wrongVersion)

	emptyID, err := codec.Marshal(Update{
		Version: updateVersion,
		Peer:    "p",
		Sets:    []FieldSet{{ID: "", Field: "x", Value: codec.RawMessage{0x01}, At: Timestamp{Clock: 1, PeerID: "p"}}},
	})
	require.NoError(t, err)
	garbage = append(garbage, emptyID)

	for _, payload := range garbage {
		_, err := d.Apply(payload, OriginRemote)
		assert.ErrorIs(t, err, ErrMalformedUpdate, "payload %x", payload)
	}
	assert.Equal(t, before, d.Records())
}

func TestDocument_ConcurrentWritesTieBreakOnPeer(t *testing.T) {
	a := NewDocument("peer-a")
	b := NewDocument("peer-b")

	fromA, err := a.Set("e1", Fields{"fill": "red"})
	require.NoError(t, err)
	fromB, err := b.Set("e1", Fields{"fill": "blue"})
	require.NoError(t, err)

	_, err = a.Apply(fromB, OriginRemote)
	require.NoError(t, err)
	_, err = b.Apply(fromA, OriginRemote)
	require.NoError(t, err)

	recordA, _ := a.Get("e1")
	recordB, _ := b.Get("e1")
	assert.Equal(t, "blue", fieldString(t, recordA, "fill"), "equal clocks resolve to the greater peer id")
	assert.Equal(t, recordA, recordB)
}

func TestDocument_LocalWritesFollowObservedClock(t *testing.T) {
	a := NewDocument("peer-z")
	b := NewDocument("peer-a")

	for i := 0; i < 5; i++ {
		update, err := a.Set("e1", Fields{"x": float64(i)})
		require.NoError(t, err)
		_, err = b.Apply(update, OriginRemote)
		require.NoError(t, err)
	}

	// b has observed clock 5, so its next write must beat a's last one
	// even though "peer-a" sorts before "peer-z".
	update, err := b.Set("e1", Fields{"x": 42.0})
	require.NoError(t, err)
	_, err = a.Apply(update, OriginRemote)
	require.NoError(t, err)

	record, _ := a.Get("e1")
	assert.Equal(t, 42.0, fieldFloat(t, record, "x"))
}

func encodeSet(t *testing.T, id, field string, value any, at Timestamp) []byte {
	t.Helper()
	raw, err := codec.Marshal(value)
	require.NoError(t, err)
	data, err := EncodeUpdate(Update{
		Peer: at.PeerID,
		Sets: []FieldSet{{ID: id, Field: field, Value: raw, At: at}},
	})
	require.NoError(t, err)
	return data
}

func TestDocument_ApplyRejectsClockAboveLimit(t *testing.T) {
	d := NewDocument("peer-a")
	_, err := d.Apply(encodeSet(t, "e1", "x", 1.0, Timestamp{Clock: math.MaxUint64, PeerID: "evil"}), OriginRemote)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, 0, d.Len())

	// The clock was not advanced, so local writes still replicate.
	update, err := d.Set("e1", Fields{"x": 5.0})
	require.NoError(t, err)
	_, err = NewDocument("peer-b").Apply(update, OriginRemote)
	assert.NoError(t, err)
}

func TestDocument_ClockExhaustedAtLimit(t *testing.T) {
	a := NewDocument("peer-a")
	b := NewDocument("peer-b")
	top := encodeSet(t, "e0", "x", 1.0, Timestamp{Clock: MaxClock, PeerID: "peer-c"})
	_, err := a.Apply(top, OriginRemote)
	require.NoError(t, err)
	_, err = b.Apply(top, OriginRemote)
	require.NoError(t, err)

	_, err = a.Set("e1", Fields{"x": 5.0})
	assert.ErrorIs(t, err, ErrClockExhausted)
	_, err = a.Remove("e0")
	assert.ErrorIs(t, err, ErrClockExhausted)

	_, ok := a.Get("e1")
	assert.False(t, ok, "a failed write must not change the writer")
	assert.Equal(t, a.Records(), b.Records())
}

func TestDocument_EqualTimestampsConvergeInAnyOrder(t *testing.T) {
	at := Timestamp{Clock: 3, PeerID: "peer-x"}
	red := encodeSet(t, "e1", "fill", "red", at)
	blue := encodeSet(t, "e1", "fill", "blue", at)

	a := NewDocument("peer-a")
	b := NewDocument("peer-b")
	for _, update := range [][]byte{red, blue} {
		_, err := a.Apply(update, OriginRemote)
		require.NoError(t, err)
	}
	for _, update := range [][]byte{blue, red} {
		_, err := b.Apply(update, OriginRemote)
		require.NoError(t, err)
	}

	recordA, _ := a.Get("e1")
	recordB, _ := b.Get("e1")
	assert.Equal(t, recordA, recordB)
	snapshotA, err := a.Snapshot()
	require.NoError(t, err)
	snapshotB, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapshotA, snapshotB)
}

func TestDocument_ViewHoldsLock(t *testing.T) {
	d := NewDocument("peer-a")
	_, err := d.Set("e1", Fields{"x": 1.0})
	require.NoError(t, err)
	remote := encodeSet(t, "e2", "x", 2.0, Timestamp{Clock: 9, PeerID: "peer-b"})

	applied := make(chan struct{})
	d.View(func(records map[string]Record) {
		assert.Len(t, records, 1)
		go func() {
			_, _ = d.Apply(remote, OriginRemote)
			close(applied)
		}()
		select {
		case <-applied:
			t.Error("Apply ran while View held the document")
		case <-time.After(50 * time.Millisecond):
		}
	})
	<-applied
	assert.Equal(t, 2, d.Len())
}

func TestRecord_Decode(t *testing.T) {
	d := NewDocument("peer-a")
	_, err := d.Set("e1", Fields{"type": "circle", "radius": 50.0, "fill": "#3b82f6"})
	require.NoError(t, err)
	record, _ := d.Get("e1")

	var shape struct {
		Type   string  `json:"type"`
		Radius float64 `json:"radius"`
		Fill   string  `json:"fill"`
	}
	require.NoError(t, record.Decode(&shape))
	assert.Equal(t, "circle", shape.Type)
	assert.Equal(t, 50.0, shape.Radius)
	assert.Equal(t, "#3b82f6", shape.Fill)
}
