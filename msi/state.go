// Package msi implements the per-page coherence bookkeeping of a DSM node.
//
// Each peer keeps its own view of every page. Modified means the local copy
// is dirty and the peer has been told to drop its copy; Shared means the
// local copy is clean (or is the agreed empty page); Invalid means there is
// no valid local copy. The protocol that keeps the two views from diverging
// lives in the dsm package. This package only knows which state follows
// which event.
package msi

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when an event cannot happen in the current
// state.
var ErrIllegalTransition = errors.New("msi: illegal transition")

// State is the coherence state of one page.
type State uint8

// The states of a page.
const (
	Modified State = iota + 1
	Shared
	Invalid
)

func (s State) String() string {
	switch s {
	case Modified:
		return "Modified"
	case Shared:
		return "Shared"
	case Invalid:
		return "Invalid"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// MarshalText renders the state by name, so that listings encode as
// "Modified", "Shared" or "Invalid".
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event is something that happens to a page.
type Event uint8

// The events that move a page between states.
const (
	// EventLocalWrite is a write by this node.
	EventLocalWrite Event = iota + 1

	// EventFault is the resolution of a fault on a page that has no local
	// backing.
	EventFault

	// EventRemoteFetch is a Fetch request served to the peer.
	EventRemoteFetch

	// EventRemoteInvalidate is an Invalidate request served to the peer.
	EventRemoteInvalidate

	// EventResync forgets every local copy, for instance after the peer was
	// replaced.
	EventResync
)

func (e Event) String() string {
	switch e {
	case EventLocalWrite:
		return "LocalWrite"
	case EventFault:
		return "Fault"
	case EventRemoteFetch:
		return "RemoteFetch"
	case EventRemoteInvalidate:
		return "RemoteInvalidate"
	case EventResync:
		return "Resync"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// Next returns the state a page in state s moves to when e happens.
//
// A fault can only be taken on a page without local backing. A Modified page
// always has local backing, so a fault on it is reported as an illegal
// transition.
func Next(s State, e Event) (State, error) {
	if s < Modified || s > Invalid {
		return s, fmt.Errorf("%w: unknown state %s", ErrIllegalTransition, s)
	}

	switch e {
	case EventLocalWrite:
		return Modified, nil
	case EventFault:
		if s == Modified {
			return s, fmt.Errorf("%w: %s on a %s page",
				ErrIllegalTransition, e, s)
		}

		return Shared, nil
	case EventRemoteFetch:
		return Shared, nil
	case EventRemoteInvalidate, EventResync:
		return Invalid, nil
	default:
		return s, fmt.Errorf("%w: unknown event %s", ErrIllegalTransition, e)
	}
}

// FetchNeeded tells whether resolving a fault in state s requires asking the
// peer for the page. A Shared page without backing is the agreed empty page
// and is resolved locally.
func FetchNeeded(s State) bool {
	return s == Invalid
}

// HasContent tells whether a Fetch served in state s must carry the page
// bytes.
func HasContent(s State) bool {
	return s == Shared || s == Modified
}

// A Transition records one state change of one page.
type Transition struct {
	Page       int
	From       State
	To         State
	Event      Event
	Generation uint64
}

func (t Transition) String() string {
	return fmt.Sprintf("page %d: %s -> %s (%s)", t.Page, t.From, t.To, t.Event)
}
