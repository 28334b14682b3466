package dsm

import (
	"net"
	"strconv"
	"time"

	"github.com/Tamaarine/CSE306-Assignment/handshake"
	"github.com/Tamaarine/CSE306-Assignment/region"
)

// A Builder can build DSM nodes.
type Builder struct {
	handshake      handshake.Builder
	listenSet      bool
	peerHost       string
	peerPort       int
	peerAddr       string
	backend        region.Backend
	fetchTimeout   time.Duration
	waitInvalidate bool
}

// MakeBuilder creates a builder with default parameters. The peer host
// defaults to 127.0.0.1 and fetches time out after five seconds.
func MakeBuilder() Builder {
	return Builder{
		handshake:      handshake.MakeBuilder(),
		peerHost:       "127.0.0.1",
		fetchTimeout:   5 * time.Second,
		waitInvalidate: true,
	}
}

// WithListenPort sets the port the node accepts its peer on.
func (b Builder) WithListenPort(port int) Builder {
	b.handshake = b.handshake.WithListenAddr(":" + strconv.Itoa(port))
	b.listenSet = true

	return b
}

// WithListener sets an already bound listener to accept the peer on.
func (b Builder) WithListener(l net.Listener) Builder {
	b.handshake = b.handshake.WithListener(l)
	b.listenSet = true

	return b
}

// WithPeerHost sets the host the peer listens on.
func (b Builder) WithPeerHost(host string) Builder {
	b.peerHost = host
	return b
}

// WithPeerPort sets the port the peer listens on.
func (b Builder) WithPeerPort(port int) Builder {
	b.peerPort = port
	return b
}

// WithPeerAddr sets the full address of the peer. It takes precedence over
// WithPeerHost and WithPeerPort.
func (b Builder) WithPeerAddr(addr string) Builder {
	b.peerAddr = addr
	return b
}

// WithIdentity overrides the process id announced during the handshake.
func (b Builder) WithIdentity(pid int32) Builder {
	b.handshake = b.handshake.WithIdentity(pid)
	return b
}

// WithBackoff sets the wait between attempts to reach the peer.
func (b Builder) WithBackoff(min, max time.Duration) Builder {
	b.handshake = b.handshake.WithBackoff(min, max)
	return b
}

// WithBackend sets where the region memory comes from. The default is a
// simulated backend with 4 KiB pages.
func (b Builder) WithBackend(backend region.Backend) Builder {
	b.backend = backend
	return b
}

// WithFetchTimeout bounds how long the resolver waits for a Fetch response.
// Zero waits forever.
func (b Builder) WithFetchTimeout(d time.Duration) Builder {
	b.fetchTimeout = d
	return b
}

// WithoutInvalidateWait makes WritePage return as soon as the Invalidate is
// sent, without waiting for the peer to acknowledge it.
func (b Builder) WithoutInvalidateWait() Builder {
	b.waitInvalidate = false
	return b
}

// Build creates a node with the given name.
func (b Builder) Build(name string) *Node {
	b.parametersMustBeValid()

	peerAddr := b.peerAddr
	if peerAddr == "" {
		peerAddr = net.JoinHostPort(b.peerHost, strconv.Itoa(b.peerPort))
	}

	backend := b.backend
	if backend == nil {
		backend = region.NewSimulatedBackend(4096)
	}

	n := &Node{
		name:           name,
		coordinator:    b.handshake.WithPeerAddr(peerAddr).Build(name),
		backend:        backend,
		fetchTimeout:   b.fetchTimeout,
		waitInvalidate: b.waitInvalidate,
		done:           make(chan struct{}),
	}

	return n
}

func (b Builder) parametersMustBeValid() {
	if !b.listenSet {
		panic("listen port or listener must be set")
	}

	if b.peerAddr == "" && (b.peerPort <= 0 || b.peerPort > 65535) {
		panic("peer port must be in (0, 65535]")
	}

	if b.fetchTimeout < 0 {
		panic("fetch timeout cannot be negative")
	}
}
