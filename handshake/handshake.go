// Package handshake connects two DSM peers and decides which one owns the
// region.
//
// Each peer listens on its own port and dials the other's. The dialed
// connection carries the requests this node sends, the accepted one carries
// the requests the peer sends. Both sides announce their process id on the
// dialed connection and the lower id becomes the first peer.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tamaarine/CSE306-Assignment/protocol"
)

// ErrElectionTie is returned when both peers have the same identity.
var ErrElectionTie = errors.New("handshake: both peers have the same identity")

// A TransportError is a socket failure during the handshake.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("handshake: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Role tells which peer owns the region.
type Role int

// The roles of the two peers. The first peer allocates the region and the
// second mirrors it.
const (
	RoleUndecided Role = iota
	RoleFirst
	RoleSecond
)

func (r Role) String() string {
	switch r {
	case RoleFirst:
		return "first"
	case RoleSecond:
		return "second"
	default:
		return "undecided"
	}
}

// Identity is what decides the election.
type Identity struct {
	PID  int32
	Port int
}

func (i Identity) String() string {
	return fmt.Sprintf("pid %d port %d", i.PID, i.Port)
}

// Elect returns the role of local. The lower process id is first. Equal
// ids are broken by the lower listen port.
func Elect(local, peer Identity) (Role, error) {
	switch {
	case local.PID < peer.PID:
		return RoleFirst, nil
	case local.PID > peer.PID:
		return RoleSecond, nil
	case local.Port < peer.Port:
		return RoleFirst, nil
	case local.Port > peer.Port:
		return RoleSecond, nil
	default:
		return RoleUndecided, fmt.Errorf("%w: %s", ErrElectionTie, local)
	}
}

// A Link is the pair of connections between two peers.
type Link struct {
	// Outbound is the dialed connection. It carries this node's requests
	// and the peer's responses.
	Outbound net.Conn

	// Inbound is the accepted connection. It carries the peer's requests
	// and this node's responses.
	Inbound net.Conn

	Role  Role
	Local Identity
	Peer  Identity
}

// Close closes both connections.
func (l *Link) Close() error {
	return errors.Join(l.Outbound.Close(), l.Inbound.Close())
}

// A Coordinator establishes the link with one peer.
type Coordinator struct {
	name       string
	listenAddr string
	listener   net.Listener
	peerAddr   string
	pid        int32
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Name returns the name of the coordinator.
func (c *Coordinator) Name() string {
	return c.name
}

// Establish accepts the peer while dialing it, exchanges identities, and
// elects the roles. The listener is closed when Establish returns.
func (c *Coordinator) Establish(ctx context.Context) (*Link, error) {
	l, err := c.listen(ctx)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	local := Identity{PID: c.pid, Port: listenPort(l)}
	peer := Identity{Port: c.peerPort()}

	var inbound, outbound net.Conn

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inbound, err = c.accept(gctx, l)
		return err
	})
	g.Go(func() error {
		var err error
		outbound, err = c.dial(gctx)
		if err != nil {
			return err
		}

		if err := protocol.WriteHello(outbound, c.pid); err != nil {
			return &TransportError{Op: "send identity", Err: err}
		}

		return nil
	})

	err = g.Wait()
	if err == nil {
		peer.PID, err = readHello(ctx, inbound)
	}

	if err != nil {
		closeAll(inbound, outbound)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, err
	}

	role, err := Elect(local, peer)
	if err != nil {
		closeAll(inbound, outbound)
		return nil, err
	}

	link := &Link{
		Outbound: outbound,
		Inbound:  inbound,
		Role:     role,
		Local:    local,
		Peer:     peer,
	}

	return link, nil
}

func (c *Coordinator) listen(ctx context.Context) (net.Listener, error) {
	if c.listener != nil {
		return c.listener, nil
	}

	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "tcp", c.listenAddr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}

	return l, nil
}

func (c *Coordinator) accept(ctx context.Context, l net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &TransportError{Op: "accept", Err: err}
	}

	return conn, nil
}

// dial connects to the peer, retrying with exponential backoff while the
// peer is not listening yet.
func (c *Coordinator) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer

	backoff := c.minBackoff

	for {
		conn, err := d.DialContext(ctx, "tcp", c.peerAddr)
		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		backoff = min(2*backoff, c.maxBackoff)
	}
}

func (c *Coordinator) peerPort() int {
	_, port, _ := net.SplitHostPort(c.peerAddr)
	p, _ := strconv.Atoi(port)

	return p
}

func readHello(ctx context.Context, conn net.Conn) (int32, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	pid, err := protocol.ReadHello(conn)
	if err != nil {
		return 0, &TransportError{Op: "receive identity", Err: err}
	}

	return pid, conn.SetReadDeadline(time.Time{})
}

func listenPort(l net.Listener) int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}

	return 0
}

func closeAll(conns ...net.Conn) {
	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
}
