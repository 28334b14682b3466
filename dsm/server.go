package dsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
)

// serve answers the peer's requests, one at a time, until ctx ends or the
// peer goes away.
func (n *Node) serve(ctx context.Context) error {
	conn := n.link.Inbound

	for {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, protocol.ErrUnknownOpcode) {
				return &ProtocolError{Reason: err.Error(), Page: -1}
			}

			return transportError("read request", err)
		}

		page := int(req.Page)
		if page >= n.table.Len() {
			return &ProtocolError{
				Reason: fmt.Sprintf("%s beyond %d pages", req, n.table.Len()),
				Page:   page,
			}
		}

		n.hook(HookPosBeforeServe, req, nil)

		rsp, t, err := n.handle(req)
		if err != nil {
			return err
		}

		n.hook(HookPosTransition, t, nil)

		if err := protocol.WriteResponse(conn, rsp); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return transportError("send response", err)
		}

		n.counters.requestsServed.Add(1)
		n.hook(HookPosAfterServe, req, rsp)
	}
}

// handle applies req to the page and builds the response. The response is
// sent after the slot is unlocked.
func (n *Node) handle(req protocol.Request) (protocol.Response, msi.Transition, error) {
	switch req.Op {
	case protocol.OpFetch:
		return n.handleFetch(int(req.Page))
	default:
		return n.handleInvalidate(int(req.Page))
	}
}

func (n *Node) handleFetch(page int) (protocol.Response, msi.Transition, error) {
	slot := n.table.Slot(page)

	slot.Lock()
	defer slot.Unlock()

	rsp := protocol.Response{Flag: protocol.FlagAlsoInvalid}

	if msi.HasContent(slot.State()) {
		rsp.Flag = protocol.FlagHasData
		rsp.Data = make([]byte, n.region.PageSize())

		if slot.Resident() {
			n.region.Load(page, rsp.Data)
		}
	}

	t, err := slot.Apply(msi.EventRemoteFetch)
	if err != nil {
		return rsp, t, &ProtocolError{Reason: err.Error(), Page: page}
	}

	return rsp, t, nil
}

func (n *Node) handleInvalidate(page int) (protocol.Response, msi.Transition, error) {
	slot := n.table.Slot(page)

	slot.Lock()
	defer slot.Unlock()

	if slot.Resident() {
		if err := n.region.Release(page); err != nil {
			return protocol.Response{}, msi.Transition{},
				&ResourceError{Op: "release page", Err: err}
		}

		slot.SetResident(false)
	}

	t, err := slot.Apply(msi.EventRemoteInvalidate)
	if err != nil {
		return protocol.Response{}, t, &ProtocolError{Reason: err.Error(), Page: page}
	}

	n.counters.invalidationsTaken.Add(1)

	return protocol.Response{Flag: protocol.FlagAck}, t, nil
}
