package dsm

import "github.com/Tamaarine/CSE306-Assignment/hooking"

// HookPosFault marks a fault taken by the resolver. The item is a Fault.
var HookPosFault = &hooking.HookPos{Name: "Fault"}

// HookPosTransition marks a page changing state. The item is an
// msi.Transition.
var HookPosTransition = &hooking.HookPos{Name: "Transition"}

// HookPosBeforeServe marks a peer request about to be served. The item is
// the protocol.Request. A hook that blocks here holds the request back.
var HookPosBeforeServe = &hooking.HookPos{Name: "BeforeServe"}

// HookPosAfterServe marks a peer request that was answered. The item is the
// protocol.Request and the detail the protocol.Response.
var HookPosAfterServe = &hooking.HookPos{Name: "AfterServe"}

// HookPosFetch marks a Fetch round trip completed by the resolver. The item
// is the protocol.Request and the detail the protocol.Response.
var HookPosFetch = &hooking.HookPos{Name: "Fetch"}

// HookPosInvalidate marks an Invalidate sent to the peer. The item is the
// protocol.Request.
var HookPosInvalidate = &hooking.HookPos{Name: "Invalidate"}

// A Fault is an access to a page that had no local backing.
type Fault struct {
	Page int
}

func (n *Node) hook(pos *hooking.HookPos, item, detail any) {
	if n.NumHooks() == 0 {
		return
	}

	n.InvokeHook(hooking.HookCtx{
		Domain: n,
		Pos:    pos,
		Item:   item,
		Detail: detail,
	})
}
