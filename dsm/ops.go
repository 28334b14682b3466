package dsm

import (
	"context"
	"fmt"

	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
	"github.com/Tamaarine/CSE306-Assignment/region"
)

// attached returns the region and the table once the node serves a region.
func (n *Node) attached() (*region.Region, *msi.Table, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	switch {
	case n.closed:
		return nil, nil, ErrClosed
	case n.region == nil && n.link == nil:
		return nil, nil, ErrNotConnected
	case n.region == nil:
		return nil, nil, ErrNoRegion
	}

	return n.region, n.table, nil
}

func (n *Node) pageMustExist(t *msi.Table, index int) error {
	if index < 0 || index >= t.Len() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPageOutOfRange, index, t.Len())
	}

	return nil
}

// ReadPage returns a copy of page index. If the page has no local copy, the
// access faults and the resolver fetches it from the peer first.
func (n *Node) ReadPage(index int) ([]byte, error) {
	r, t, err := n.attached()
	if err != nil {
		return nil, err
	}

	if err := n.pageMustExist(t, index); err != nil {
		return nil, err
	}

	buf := make([]byte, r.PageSize())

	err = n.withResidentPage(r, t.Slot(index), func(*msi.Slot) error {
		r.Load(index, buf)
		return nil
	})
	if err != nil {
		return nil, err
	}

	n.counters.reads.Add(1)

	return buf, nil
}

// WritePage copies data to the start of page index and zero-fills the rest
// of the page. The page becomes Modified and the peer is told to drop its
// copy. Unless the node was built WithoutInvalidateWait, WritePage returns
// after the peer acknowledged.
func (n *Node) WritePage(ctx context.Context, index int, data []byte) error {
	r, t, err := n.attached()
	if err != nil {
		return err
	}

	if err := n.pageMustExist(t, index); err != nil {
		return err
	}

	if len(data) > r.PageSize() {
		return fmt.Errorf("%w: %d bytes into %d", ErrPageTooLarge, len(data), r.PageSize())
	}

	content := make([]byte, r.PageSize())
	copy(content, data)

	var transition msi.Transition

	err = n.withResidentPage(r, t.Slot(index), func(slot *msi.Slot) error {
		r.Store(index, content)

		var err error
		transition, err = slot.Apply(msi.EventLocalWrite)

		return err
	})
	if err != nil {
		return err
	}

	n.counters.writes.Add(1)
	n.hook(HookPosTransition, transition, nil)

	return n.invalidatePeer(ctx, index)
}

func (n *Node) invalidatePeer(ctx context.Context, index int) error {
	req := protocol.Request{Op: protocol.OpInvalidate, Page: uint32(index)}

	var err error
	if n.waitInvalidate {
		_, err = n.client.call(ctx, req, 0, nil)
	} else {
		_, err = n.client.send(req)
	}

	if err != nil {
		if herr := n.halted(); herr != nil {
			return herr
		}

		return err
	}

	n.counters.invalidationsSent.Add(1)
	n.hook(HookPosInvalidate, req, nil)

	return nil
}

// withResidentPage runs f with the slot locked and the page backed by local
// memory. The page is touched outside the lock, so the access may fault and
// wait for the resolver; if the page loses its backing before the lock is
// taken, it is touched again.
func (n *Node) withResidentPage(
	r *region.Region,
	slot *msi.Slot,
	f func(slot *msi.Slot) error,
) error {
	n.access.RLock()
	defer n.access.RUnlock()

	if n.unmapped {
		return ErrClosed
	}

	for {
		if err := n.halted(); err != nil {
			return err
		}

		r.Touch(slot.Index())

		slot.Lock()
		if !slot.Resident() {
			slot.Unlock()
			continue
		}

		err := f(slot)
		slot.Unlock()

		if err != nil {
			return err
		}

		return n.halted()
	}
}

// ViewStates lists the state of every page, ordered by index. It returns
// nil before the region exists.
func (n *Node) ViewStates() []msi.PageState {
	_, t, err := n.attached()
	if err != nil {
		return nil
	}

	return t.Snapshot()
}

// Resync forgets every local copy: each page drops its backing and becomes
// Invalid, so that the next access fetches it from the peer.
func (n *Node) Resync() error {
	r, t, err := n.attached()
	if err != nil {
		return err
	}

	n.access.RLock()
	defer n.access.RUnlock()

	if n.unmapped {
		return ErrClosed
	}

	for i := 0; i < t.Len(); i++ {
		slot := t.Slot(i)

		slot.Lock()
		if slot.Resident() {
			if err := r.Release(i); err != nil {
				slot.Unlock()
				return &ResourceError{Op: "release page", Err: err}
			}

			slot.SetResident(false)
		}

		transition, err := slot.Apply(msi.EventResync)
		slot.Unlock()

		if err != nil {
			return &ProtocolError{Reason: err.Error(), Page: i}
		}

		n.hook(HookPosTransition, transition, nil)
	}

	return nil
}
