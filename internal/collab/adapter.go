// Package collab connects a local canvas store to a room. An Adapter
// keeps the store and the local replica in step; a Session carries the
// replica's updates to and from a relay.
package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"boardcraft/internal/canvas"
	"boardcraft/internal/clock"
	"boardcraft/internal/crdt"
)

// DefaultBootstrapTimeout is how long Join waits for the room snapshot
// before deciding the room is new.
const DefaultBootstrapTimeout = 500 * time.Millisecond

// ErrUnknownElement is returned when updating an element the store does
// not hold.
var ErrUnknownElement = errors.New("unknown element")

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Clock            clock.Clock
	BootstrapTimeout time.Duration
	Logger           *slog.Logger
}

// Adapter binds a canvas.Store to a crdt.Document. Every replicated field
// reaches the store through the document's change notifications, local
// and remote alike; the UI mutates the board only through the Adapter.
type Adapter struct {
	doc     *crdt.Document
	store   *canvas.Store
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
	stop    func()
}

// NewAdapter subscribes to doc and returns the adapter. Call Join once the
// transport is dialling.
func NewAdapter(doc *crdt.Document, store *canvas.Store, opts AdapterOptions) *Adapter {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Adapter{
		doc:     doc,
		store:   store,
		clock:   opts.Clock,
		timeout: opts.BootstrapTimeout,
		logger:  opts.Logger.With("peer", doc.Peer()),
	}
	a.stop = doc.Subscribe(a.handleChange)
	return a
}

// Join waits for the room snapshot, or the bootstrap timeout, and then
// reconciles. An empty document is seeded from the store and seeded is
// true; otherwise the document's contents replace the store.
//
// Two clients that both time out on a new room both seed. Their writes
// merge field by field, so the room still converges.
func (a *Adapter) Join(ctx context.Context, snapshot <-chan struct{}) (seeded bool, err error) {
	select {
	case <-snapshot:
	case <-a.clock.After(a.timeout):
		a.logger.Info("no room snapshot before timeout", "timeout", a.timeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}

	if a.doc.Len() == 0 {
		if err := a.seed(); err != nil {
			return false, err
		}
		seeded = true
	}
	a.resync()
	a.logger.Info("joined room", "elements", a.store.Len(), "seeded", seeded)
	return seeded, nil
}

func (a *Adapter) seed() error {
	for _, e := range a.store.Elements() {
		e = e.WithDefaults()
		if err := e.Validate(); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		if _, err := a.doc.Set(e.ID, e.Fields()); err != nil {
			if errors.Is(err, crdt.ErrRemoved) {
				continue
			}
			return fmt.Errorf("seed %s: %w", e.ID, err)
		}
	}
	return nil
}

// resync replaces the store's elements with the document's. Elements the
// store already shows keep their position; the rest follow in id order.
// It runs under the document lock, like handleChange, so a remote update
// applied meanwhile cannot be overwritten by a stale list.
func (a *Adapter) resync() {
	a.doc.View(func(records map[string]crdt.Record) {
		elements := make([]canvas.Element, 0, len(records))
		for _, current := range a.store.Elements() {
			record, ok := records[current.ID]
			if !ok {
				continue
			}
			delete(records, current.ID)
			if e, ok := a.decode(current.ID, record); ok {
				elements = append(elements, e)
			}
		}

		rest := make([]string, 0, len(records))
		for id := range records {
			rest = append(rest, id)
		}
		sort.Strings(rest)
		for _, id := range rest {
			if e, ok := a.decode(id, records[id]); ok {
				elements = append(elements, e)
			}
		}
		a.store.SetElements(elements)
	})
}

// AddElement creates an element. An empty ID is replaced by a fresh UUID.
// The returned element is what the room will see.
func (a *Adapter) AddElement(e canvas.Element) (canvas.Element, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e = e.WithDefaults()
	if err := e.Validate(); err != nil {
		return canvas.Element{}, err
	}
	if _, err := a.doc.Set(e.ID, e.Fields()); err != nil {
		return canvas.Element{}, fmt.Errorf("add element %s: %w", e.ID, err)
	}
	return e, nil
}

// UpdateElement writes the patched fields of an existing element. Fields
// the patch leaves out are untouched, so concurrent edits of different
// fields both survive.
func (a *Adapter) UpdateElement(id string, patch canvas.Patch) error {
	if len(patch) == 0 {
		return nil
	}
	current, ok := a.store.Element(id)
	if !ok {
		return fmt.Errorf("update element %s: %w", id, ErrUnknownElement)
	}
	fields, err := patch.Fields()
	if err != nil {
		return fmt.Errorf("update element %s: %w", id, err)
	}
	if err := patch.Apply(current).Validate(); err != nil {
		return err
	}
	if _, err := a.doc.Set(id, fields); err != nil {
		return fmt.Errorf("update element %s: %w", id, err)
	}
	return nil
}

// RemoveElement deletes an element for everyone in the room.
func (a *Adapter) RemoveElement(id string) error {
	if _, err := a.doc.Remove(id); err != nil {
		return fmt.Errorf("remove element %s: %w", id, err)
	}
	return nil
}

// Close stops mirroring document changes into the store.
func (a *Adapter) Close() {
	a.stop()
}

// handleChange runs under the document lock.
func (a *Adapter) handleChange(change crdt.Change) {
	ids := make([]string, 0, len(change.Updated))
	for id := range change.Updated {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	updated := make([]canvas.Element, 0, len(ids))
	for _, id := range ids {
		if e, ok := a.decode(id, change.Updated[id]); ok {
			updated = append(updated, e)
		}
	}
	a.store.Merge(updated, change.Removed)
}

func (a *Adapter) decode(id string, record crdt.Record) (canvas.Element, bool) {
	e, err := canvas.FromRecord(id, record)
	if err != nil {
		a.logger.Warn("skipping undecodable element", "element", id, "error", err)
		return canvas.Element{}, false
	}
	return e, true
}
