// Package dsm implements a node of a two-peer distributed shared memory.
//
// Both peers map the same range of addresses. A page that has no local copy
// is fetched from the peer the first time it is touched; a local write marks
// the page Modified and tells the peer to drop its copy. Each node runs two
// loops: a resolver that answers the faults of local accesses, and a server
// that answers the peer's requests.
package dsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tamaarine/CSE306-Assignment/handshake"
	"github.com/Tamaarine/CSE306-Assignment/hooking"
	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
	"github.com/Tamaarine/CSE306-Assignment/region"
)

// RegionHandle describes the region shared by the two peers.
type RegionHandle struct {
	Addr      uintptr
	PageSize  int
	PageCount int
}

// A Node is one of the two peers.
type Node struct {
	hooking.HookableBase

	name           string
	coordinator    *handshake.Coordinator
	backend        region.Backend
	fetchTimeout   time.Duration
	waitInvalidate bool

	lock    sync.Mutex
	link    *handshake.Link
	region  *region.Region
	table   *msi.Table
	client  *peerClient
	cancel  context.CancelFunc
	started bool
	closed  bool

	// access is held for reading while a goroutine may touch region memory
	// and for writing while the region is unmapped.
	access   sync.RWMutex
	unmapped bool

	stopped  atomic.Bool
	failure  atomic.Pointer[error]
	done     chan struct{}
	counters counters
}

// Name returns the name of the node.
func (n *Node) Name() string {
	return n.name
}

// Role returns the role elected during Connect.
func (n *Node) Role() handshake.Role {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.link == nil {
		return handshake.RoleUndecided
	}

	return n.link.Role
}

// Peer returns the identity of the peer, once connected.
func (n *Node) Peer() (handshake.Identity, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.link == nil {
		return handshake.Identity{}, false
	}

	return n.link.Peer, true
}

// Connect establishes the link with the peer and elects the roles.
func (n *Node) Connect(ctx context.Context) error {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		return ErrClosed
	}

	if n.link != nil {
		n.lock.Unlock()
		return fmt.Errorf("dsm: %s is already connected", n.name)
	}
	n.lock.Unlock()

	link, err := n.coordinator.Establish(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, handshake.ErrElectionTie) {
			return err
		}

		return &TransportError{Op: "connect", Err: err}
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed {
		_ = link.Close()
		return ErrClosed
	}

	n.link = link

	return nil
}

// AllocateRegion maps pageCount pages, sends their description to the peer,
// and starts serving. Only the first peer allocates.
func (n *Node) AllocateRegion(ctx context.Context, pageCount int) (RegionHandle, error) {
	link, err := n.setupLink(handshake.RoleFirst)
	if err != nil {
		return RegionHandle{}, err
	}

	r, err := region.Allocate(n.backend, pageCount)
	if err != nil {
		return RegionHandle{}, &ResourceError{Op: "allocate region", Err: err}
	}

	err = withDeadline(ctx, link.Outbound, func() error {
		return protocol.WriteInitInfo(link.Outbound, r.Info())
	})
	if err != nil {
		_ = r.Close()
		return RegionHandle{}, transportError("send region", err)
	}

	return n.start(r)
}

// AwaitRegion receives the region description from the first peer, maps
// the region at the same address, and starts serving. Only the second peer
// awaits.
func (n *Node) AwaitRegion(ctx context.Context) (RegionHandle, error) {
	link, err := n.setupLink(handshake.RoleSecond)
	if err != nil {
		return RegionHandle{}, err
	}

	var info protocol.InitInfo
	err = withDeadline(ctx, link.Inbound, func() error {
		var err error
		info, err = protocol.ReadInitInfo(link.Inbound)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return RegionHandle{}, ctx.Err()
		}

		return RegionHandle{}, transportError("receive region", err)
	}

	r, err := region.Mirror(n.backend, info)
	if err != nil {
		return RegionHandle{}, &ResourceError{Op: "mirror region", Err: err}
	}

	return n.start(r)
}

func (n *Node) setupLink(role handshake.Role) (*handshake.Link, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	switch {
	case n.closed:
		return nil, ErrClosed
	case n.link == nil:
		return nil, ErrNotConnected
	case n.link.Role != role:
		return nil, fmt.Errorf("%w: %s is the %s peer", ErrWrongRole, n.name, n.link.Role)
	case n.region != nil:
		return nil, fmt.Errorf("dsm: %s already has a region", n.name)
	}

	return n.link, nil
}

// start installs the region and launches the resolver, the server, and the
// response reader.
func (n *Node) start(r *region.Region) (RegionHandle, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed {
		_ = r.Close()
		return RegionHandle{}, ErrClosed
	}

	n.region = r
	n.table = msi.NewTable(r.PageCount())
	n.client = newPeerClient(n.link.Outbound, r.PageSize())

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.started = true

	g, gctx := errgroup.WithContext(ctx)
	link := n.link
	context.AfterFunc(gctx, func() {
		_ = link.Close()
	})

	g.Go(func() error { return n.resolve(gctx) })
	g.Go(func() error { return n.serve(gctx) })
	g.Go(func() error { return n.client.readLoop(gctx) })

	go func() {
		err := g.Wait()

		if err != nil {
			n.failure.CompareAndSwap(nil, &err)
		}

		n.stopped.Store(true)
		_ = r.StopInterception()
		n.client.fail(ErrClosed)
		close(n.done)
	}()

	handle := RegionHandle{
		Addr:      r.PageAddr(0),
		PageSize:  r.PageSize(),
		PageCount: r.PageCount(),
	}

	return handle, nil
}

// Err returns the error that stopped the node, or nil if it is running or
// was closed cleanly.
func (n *Node) Err() error {
	if err := n.failure.Load(); err != nil {
		return *err
	}

	return nil
}

// Wait blocks until the node stops and returns the error that stopped it.
func (n *Node) Wait() error {
	<-n.done
	return n.Err()
}

// Done is closed when the node stops.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Close stops the loops, closes the connections, and unmaps the region.
// Blocked page operations return once the loops are stopped.
func (n *Node) Close() error {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		return nil
	}

	n.closed = true
	started := n.started
	link := n.link
	r := n.region
	n.lock.Unlock()

	if !started {
		close(n.done)

		if link != nil {
			return link.Close()
		}

		return nil
	}

	n.cancel()
	<-n.done

	n.access.Lock()
	defer n.access.Unlock()

	n.unmapped = true

	return r.Close()
}

// halted returns why page operations must stop, if they must.
func (n *Node) halted() error {
	if err := n.Err(); err != nil {
		return err
	}

	if n.stopped.Load() {
		return ErrClosed
	}

	return nil
}

func withDeadline(ctx context.Context, conn interface {
	SetDeadline(t time.Time) error
}, f func() error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	err := f()
	if !stop() {
		_ = conn.SetDeadline(time.Time{})
	}

	return err
}
