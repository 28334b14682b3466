package msi

import (
	"fmt"
	"sync"
)

// A Slot holds the coherence record of one page.
//
// The embedded mutex guards every field. Methods other than Index must be
// called with the lock held. Holders must not block on the network or touch
// memory that can fault while holding it.
type Slot struct {
	sync.Mutex

	index      int
	state      State
	resident   bool
	generation uint64
}

// Index returns the page index of the slot.
func (s *Slot) Index() int {
	return s.index
}

// State returns the current state.
func (s *Slot) State() State {
	return s.state
}

// Resident tells whether the local mapping currently backs the page.
func (s *Slot) Resident() bool {
	return s.resident
}

// SetResident records whether the local mapping backs the page.
func (s *Slot) SetResident(resident bool) {
	s.resident = resident
}

// Generation counts how many times the page lost its local copy. A resolver
// that compares generations before and after a fetch can tell whether the
// bytes it fetched were invalidated in flight.
func (s *Slot) Generation() uint64 {
	return s.generation
}

// Apply moves the slot to the state that follows e.
func (s *Slot) Apply(e Event) (Transition, error) {
	next, err := Next(s.state, e)
	if err != nil {
		return Transition{}, fmt.Errorf("page %d: %w", s.index, err)
	}

	t := Transition{
		Page:  s.index,
		From:  s.state,
		To:    next,
		Event: e,
	}

	if e == EventRemoteInvalidate || e == EventResync {
		s.generation++
	}

	s.state = next
	t.Generation = s.generation

	return t, nil
}

// PageState is one row of a state listing.
type PageState struct {
	Index int   `json:"index"`
	State State `json:"state"`
}

func (p PageState) String() string {
	return fmt.Sprintf("Page %d: %s", p.Index, p.State)
}

// A Table keeps one slot per page of a region.
type Table struct {
	slots []*Slot
}

// NewTable creates a table for pageCount pages, all Invalid.
func NewTable(pageCount int) *Table {
	if pageCount <= 0 {
		panic("page count must be positive")
	}

	t := &Table{slots: make([]*Slot, pageCount)}
	for i := range t.slots {
		t.slots[i] = &Slot{index: i, state: Invalid}
	}

	return t
}

// Len returns the number of pages.
func (t *Table) Len() int {
	return len(t.slots)
}

// Slot returns the slot of page i. It panics if i is out of range.
func (t *Table) Slot(i int) *Slot {
	if i < 0 || i >= len(t.slots) {
		panic(fmt.Sprintf("page %d out of range [0, %d)", i, len(t.slots)))
	}

	return t.slots[i]
}

// Snapshot lists the state of every page, ordered by index. Each slot is
// read under its own lock, so the listing is not an atomic cut across pages.
func (t *Table) Snapshot() []PageState {
	states := make([]PageState, len(t.slots))

	for i, s := range t.slots {
		s.Lock()
		states[i] = PageState{Index: i, State: s.state}
		s.Unlock()
	}

	return states
}

// Count returns how many pages are in state st.
func (t *Table) Count(st State) int {
	n := 0

	for _, s := range t.slots {
		s.Lock()
		if s.state == st {
			n++
		}
		s.Unlock()
	}

	return n
}
