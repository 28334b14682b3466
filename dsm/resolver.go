package dsm

import (
	"context"
	"errors"

	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
	"github.com/Tamaarine/CSE306-Assignment/region"
)

// resolve answers the faults of local accesses, one at a time, until ctx
// ends or a fault cannot be resolved.
func (n *Node) resolve(ctx context.Context) error {
	for {
		page, err := n.region.WaitForFault(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, region.ErrClosed) {
				return nil
			}

			return &ResourceError{Op: "wait for fault", Err: err}
		}

		n.counters.faults.Add(1)
		n.hook(HookPosFault, Fault{Page: page}, nil)

		err = n.resolveFault(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

func (n *Node) resolveFault(ctx context.Context, page int) error {
	slot := n.table.Slot(page)

	for {
		slot.Lock()

		if slot.Resident() {
			slot.Unlock()
			return n.install(page, nil)
		}

		switch slot.State() {
		case msi.Modified:
			slot.Unlock()

			return &ProtocolError{
				Reason: "fault on a Modified page without local backing",
				Page:   page,
			}
		case msi.Shared:
			t, err := n.installLocked(slot, nil)
			slot.Unlock()

			return n.afterInstall(t, err)
		}

		generation := slot.Generation()
		slot.Unlock()

		rsp, err := n.fetch(ctx, page)
		if err != nil {
			return err
		}

		slot.Lock()

		if slot.Generation() != generation {
			slot.Unlock()
			n.counters.fetchRetries.Add(1)

			continue
		}

		var content []byte
		if rsp.Flag == protocol.FlagHasData {
			content = rsp.Data
		}

		t, err := n.installLocked(slot, content)
		slot.Unlock()

		return n.afterInstall(t, err)
	}
}

func (n *Node) fetch(ctx context.Context, page int) (protocol.Response, error) {
	req := protocol.Request{Op: protocol.OpFetch, Page: uint32(page)}

	rsp, err := n.client.call(ctx, req, n.fetchTimeout, ErrFetchTimeout)
	if err != nil {
		return rsp, err
	}

	n.counters.fetches.Add(1)
	n.hook(HookPosFetch, req, rsp)

	return rsp, nil
}

// installLocked backs the slot's page with content, or the zero page if
// content is nil, and moves the slot to Shared. The slot must be locked.
func (n *Node) installLocked(slot *msi.Slot, content []byte) (msi.Transition, error) {
	if err := n.install(slot.Index(), content); err != nil {
		return msi.Transition{}, err
	}

	if content == nil {
		n.counters.zeroPages.Add(1)
	}

	slot.SetResident(true)

	t, err := slot.Apply(msi.EventFault)
	if err != nil {
		return t, &ProtocolError{Reason: err.Error(), Page: slot.Index()}
	}

	return t, nil
}

func (n *Node) afterInstall(t msi.Transition, err error) error {
	if err != nil {
		return err
	}

	n.hook(HookPosTransition, t, nil)

	return nil
}

func (n *Node) install(page int, content []byte) error {
	if err := n.region.Install(page, content); err != nil {
		return &ResourceError{Op: "install page", Err: err}
	}

	return nil
}
