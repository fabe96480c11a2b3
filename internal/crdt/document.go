// Package crdt implements the replicated document shared by everyone in
// a room: a map from element id to element fields that converges without
// coordination.
//
// Each field is a last-writer-wins register stamped with a Lamport
// Timestamp. Removing an element writes a tombstone that is never
// forgotten: once a replica has seen the tombstone, field writes for that
// id are ignored no matter when they arrive. Merging is therefore
// commutative, associative and idempotent, and any two replicas that have
// applied the same updates hold the same records.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"boardcraft/internal/codec"
)

var (
	// ErrRemoved is returned by Set when the element has been tombstoned.
	ErrRemoved = errors.New("element removed")

	// ErrInvalidMutation is returned for local mutations that cannot be
	// expressed as an update (empty id, no fields, unencodable value).
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrClockExhausted is returned by Set and Remove once the Lamport
	// clock has reached MaxClock.
	ErrClockExhausted = errors.New("lamport clock exhausted")
)

// Origin tags where a state change came from. Transports use it to
// avoid echoing remote updates back to the network.
type Origin string

const (
	// OriginLocal marks changes made through Set and Remove.
	OriginLocal Origin = "local"
	// OriginRemote marks changes made by applying a received update.
	OriginRemote Origin = "remote"
)

// Change describes the visible effect of one mutation or merge.
type Change struct {
	Origin Origin
	// Updated holds the full merged record of every element whose
	// fields changed, including newly created ones.
	Updated map[string]Record
	// Removed lists elements that were visible before and are now
	// tombstoned, sorted.
	Removed []string
}

// Empty reports whether the change has no visible effect.
func (c Change) Empty() bool {
	return len(c.Updated) == 0 && len(c.Removed) == 0
}

// UpdateHandler receives every encoded update that changed the replica,
// tagged with its origin.
type UpdateHandler func(update []byte, origin Origin)

type register struct {
	value codec.RawMessage
	at    Timestamp
}

type subscription[T any] struct {
	id int
	fn T
}

// Document is one replica of a shared document.
//
// Observers registered with Subscribe and OnUpdate run synchronously
// while the document lock is held, in registration order. They must not
// call back into the Document.
type Document struct {
	mu         sync.Mutex
	peer       string
	clock      uint64
	elements   map[string]map[string]register
	tombstones map[string]Timestamp

	nextID    int
	observers []subscription[func(Change)]
	handlers  []subscription[UpdateHandler]
}

// NewDocument returns an empty replica whose local writes are stamped
// with peer.
func NewDocument(peer string) *Document {
	return &Document{
		peer:       peer,
		elements:   make(map[string]map[string]register),
		tombstones: make(map[string]Timestamp),
	}
}

// Peer returns the id stamped on local writes.
func (d *Document) Peer() string { return d.peer }

// Set merges fields into element id, creating it if absent, and returns
// the encoded delta. Exactly one update is emitted to OnUpdate handlers.
func (d *Document) Set(id string, fields Fields) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty element id", ErrInvalidMutation)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields for %s", ErrInvalidMutation, id)
	}

	names := make([]string, 0, len(fields))
	values := make(map[string]codec.RawMessage, len(fields))
	for name, value := range fields {
		if name == "" {
			return nil, fmt.Errorf("%w: empty field name for %s", ErrInvalidMutation, id)
		}
		raw, err := codec.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q of %s: %v", ErrInvalidMutation, name, id, err)
		}
		names = append(names, name)
		values[name] = raw
	}
	sort.Strings(names)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, removed := d.tombstones[id]; removed {
		return nil, fmt.Errorf("set %s: %w", id, ErrRemoved)
	}

	at, err := d.tickLocked()
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", id, err)
	}
	update := Update{Peer: d.peer, Sets: make([]FieldSet, 0, len(names))}
	for _, name := range names {
		update.Sets = append(update.Sets, FieldSet{ID: id, Field: name, Value: values[name], At: at})
	}
	data, err := EncodeUpdate(update)
	if err != nil {
		d.clock--
		return nil, err
	}

	element, ok := d.elements[id]
	if !ok {
		element = make(map[string]register, len(names))
		d.elements[id] = element
	}
	for _, name := range names {
		element[name] = register{value: values[name], at: at}
	}

	d.emitLocked(Change{
		Origin:  OriginLocal,
		Updated: map[string]Record{id: d.recordLocked(id)},
	}, data)
	return data, nil
}

// Remove tombstones element id and returns the encoded delta. Removing an
// id that is already tombstoned is a no-op and returns a nil update.
func (d *Document) Remove(id string) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty element id", ErrInvalidMutation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, removed := d.tombstones[id]; removed {
		return nil, nil
	}

	at, err := d.tickLocked()
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", id, err)
	}
	data, err := EncodeUpdate(Update{Peer: d.peer, Removes: []Removal{{ID: id, At: at}}})
	if err != nil {
		d.clock--
		return nil, err
	}

	d.tombstones[id] = at
	change := Change{Origin: OriginLocal}
	if _, live := d.elements[id]; live {
		delete(d.elements, id)
		change.Removed = []string{id}
	}
	d.emitLocked(change, data)
	return data, nil
}

// Apply merges an encoded update produced by any replica, including this
// one. Re-applying an update, or applying updates out of order, converges
// to the same state. A malformed update returns an error wrapping
// ErrMalformedUpdate and changes nothing.
func (d *Document) Apply(data []byte, origin Origin) (Change, error) {
	update, err := DecodeUpdate(data)
	if err != nil {
		return Change{Origin: origin}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	change := Change{Origin: origin}
	novel := false

	for _, removal := range update.Removes {
		d.observeLocked(removal.At)
		existing, seen := d.tombstones[removal.ID]
		if !seen || removal.At.After(existing) {
			d.tombstones[removal.ID] = removal.At
			novel = true
		}
		if _, live := d.elements[removal.ID]; live {
			delete(d.elements, removal.ID)
			change.Removed = append(change.Removed, removal.ID)
		}
	}

	touched := make(map[string]struct{})
	for _, set := range update.Sets {
		d.observeLocked(set.At)
		if _, removed := d.tombstones[set.ID]; removed {
			continue
		}
		element, ok := d.elements[set.ID]
		if !ok {
			element = make(map[string]register)
			d.elements[set.ID] = element
		}
		current, ok := element[set.Field]
		if ok && !wins(set, current) {
			continue
		}
		element[set.Field] = register{value: set.Value, at: set.At}
		touched[set.ID] = struct{}{}
		novel = true
	}

	if len(touched) > 0 {
		change.Updated = make(map[string]Record, len(touched))
		for id := range touched {
			change.Updated[id] = d.recordLocked(id)
		}
	}
	sort.Strings(change.Removed)

	if novel {
		d.emitLocked(change, data)
	}
	return change, nil
}

// Snapshot encodes the complete state of the replica, live registers and
// tombstones, as a single update. Equal states encode to equal bytes.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	update := Update{Peer: d.peer}
	for _, id := range sortedKeys(d.elements) {
		element := d.elements[id]
		for _, field := range sortedKeys(element) {
			reg := element[field]
			update.Sets = append(update.Sets, FieldSet{ID: id, Field: field, Value: reg.value, At: reg.at})
		}
	}
	for _, id := range sortedKeys(d.tombstones) {
		update.Removes = append(update.Removes, Removal{ID: id, At: d.tombstones[id]})
	}
	return EncodeUpdate(update)
}

// Get returns the merged record of a live element.
func (d *Document) Get(id string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.elements[id]; !ok {
		return nil, false
	}
	return d.recordLocked(id), true
}

// Records returns a copy of every live element.
func (d *Document) Records() map[string]Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Record, len(d.elements))
	for id := range d.elements {
		out[id] = d.recordLocked(id)
	}
	return out
}

// View calls fn with every live element while holding the document lock,
// so no update is applied or observed while fn runs. fn must not call
// back into the Document.
func (d *Document) View(fn func(records map[string]Record)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Record, len(d.elements))
	for id := range d.elements {
		out[id] = d.recordLocked(id)
	}
	fn(out)
}

// Len returns the number of live elements.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.elements)
}

// Removed reports whether id has been tombstoned.
func (d *Document) Removed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tombstones[id]
	return ok
}

// Tombstones returns the sorted ids of every removed element.
func (d *Document) Tombstones() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedKeys(d.tombstones)
}

// Subscribe registers fn for every visible change. The returned function
// unregisters it.
func (d *Document) Subscribe(fn func(Change)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, subscription[func(Change)]{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.observers = without(d.observers, id)
	}
}

// OnUpdate registers fn for every update that changed this replica. The
// returned function unregisters it.
func (d *Document) OnUpdate(fn UpdateHandler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, subscription[UpdateHandler]{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.handlers = without(d.handlers, id)
	}
}

func (d *Document) emitLocked(change Change, data []byte) {
	if !change.Empty() {
		for _, observer := range d.observers {
			observer.fn(change)
		}
	}
	for _, handler := range d.handlers {
		handler.fn(data, change.Origin)
	}
}

// tickLocked advances the Lamport clock for a local write.
func (d *Document) tickLocked() (Timestamp, error) {
	if d.clock >= MaxClock {
		return Timestamp{}, ErrClockExhausted
	}
	d.clock++
	return Timestamp{Clock: d.clock, PeerID: d.peer}, nil
}

// wins reports whether set replaces the current register. Equal
// timestamps only come from a peer reusing its stamp; the larger encoded
// value wins so every replica picks the same one.
func wins(set FieldSet, current register) bool {
	if set.At != current.at {
		return set.At.After(current.at)
	}
	return bytes.Compare(set.Value, current.value) > 0
}

// observeLocked advances the Lamport clock past a received timestamp.
func (d *Document) observeLocked(at Timestamp) {
	if at.Clock > d.clock {
		d.clock = at.Clock
	}
}

func (d *Document) recordLocked(id string) Record {
	element := d.elements[id]
	record := make(Record, len(element))
	for field, reg := range element {
		record[field] = reg.value
	}
	return record
}

func without[T any](subs []subscription[T], id int) []subscription[T] {
	out := make([]subscription[T], 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
