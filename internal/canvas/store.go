package canvas

import (
	"sort"
	"sync"
)

// State is an immutable view of the store handed to subscribers.
type State struct {
	Elements []Element
	Selected []string
}

// Store is the local, reactive UI state of one board: the ordered list
// of elements and the local selection. The selection never leaves this
// process.
//
// Subscribers run synchronously after every write, outside the store
// lock, with the state that write produced.
type Store struct {
	mu          sync.Mutex
	elements    []Element
	selected    map[string]struct{}
	nextID      int
	subscribers map[int]func(State)
}

// NewStore returns a store holding a copy of elements.
func NewStore(elements []Element) *Store {
	s := &Store{
		selected:    make(map[string]struct{}),
		subscribers: make(map[int]func(State)),
	}
	s.elements = append(s.elements, elements...)
	return s
}

// Elements returns a copy of the element list.
func (s *Store) Elements() []Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Element(nil), s.elements...)
}

// Element returns the element with the given id.
func (s *Store) Element(id string) (Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.elements[i], true
	}
	return Element{}, false
}

// Len returns the number of elements.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elements)
}

// SetElements replaces the whole element list. Selected ids that no
// longer exist are dropped from the selection.
func (s *Store) SetElements(elements []Element) {
	s.mu.Lock()
	s.elements = append([]Element(nil), elements...)
	for id := range s.selected {
		if s.indexLocked(id) < 0 {
			delete(s.selected, id)
		}
	}
	s.notifyUnlock()
}

// Merge upserts updated elements in place, appends new ones in id
// order, and deletes removed ids from both the list and the selection.
func (s *Store) Merge(updated []Element, removed []string) {
	if len(updated) == 0 && len(removed) == 0 {
		return
	}
	s.mu.Lock()
	var added []Element
	for _, e := range updated {
		if i := s.indexLocked(e.ID); i >= 0 {
			s.elements[i] = e
		} else {
			added = append(added, e)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	s.elements = append(s.elements, added...)

	if len(removed) > 0 {
		gone := make(map[string]struct{}, len(removed))
		for _, id := range removed {
			gone[id] = struct{}{}
			delete(s.selected, id)
		}
		kept := s.elements[:0]
		for _, e := range s.elements {
			if _, ok := gone[e.ID]; !ok {
				kept = append(kept, e)
			}
		}
		s.elements = kept
	}
	s.notifyUnlock()
}

// Select replaces the selection with id.
func (s *Store) Select(id string) {
	s.SelectMany([]string{id})
}

// SelectMany replaces the selection with ids.
func (s *Store) SelectMany(ids []string) {
	s.mu.Lock()
	s.selected = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.selected[id] = struct{}{}
	}
	s.notifyUnlock()
}

// ToggleSelection adds id to the selection, or removes it if present.
func (s *Store) ToggleSelection(id string) {
	s.mu.Lock()
	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
	} else {
		s.selected[id] = struct{}{}
	}
	s.notifyUnlock()
}

// ClearSelection empties the selection.
func (s *Store) ClearSelection() {
	s.SelectMany(nil)
}

// Selected returns the selected ids, sorted.
func (s *Store) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedLocked()
}

// Subscribe registers fn to receive the state after every write. The
// returned function unregisters it.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// notifyUnlock captures the state and subscriber set, releases the lock
// and then delivers.
func (s *Store) notifyUnlock() {
	state := State{
		Elements: append([]Element(nil), s.elements...),
		Selected: s.selectedLocked(),
	}
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subscribers := make([]func(State), 0, len(ids))
	for _, id := range ids {
		subscribers = append(subscribers, s.subscribers[id])
	}
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(state)
	}
}

func (s *Store) indexLocked(id string) int {
	for i, e := range s.elements {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) selectedLocked() []string {
	out := make([]string, 0, len(s.selected))
	for id := range s.selected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
