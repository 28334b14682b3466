package handshake

import (
	"net"
	"os"
	"time"
)

// A Builder can build handshake coordinators.
type Builder struct {
	listenAddr string
	listener   net.Listener
	peerAddr   string
	pid        int32
	minBackoff time.Duration
	maxBackoff time.Duration
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		pid:        int32(os.Getpid()),
		minBackoff: 10 * time.Millisecond,
		maxBackoff: time.Second,
	}
}

// WithListenAddr sets the address to accept the peer on, for example
// ":9000".
func (b Builder) WithListenAddr(addr string) Builder {
	b.listenAddr = addr
	return b
}

// WithListener sets an already bound listener to accept the peer on. It
// takes precedence over WithListenAddr.
func (b Builder) WithListener(l net.Listener) Builder {
	b.listener = l
	return b
}

// WithPeerAddr sets the address of the peer's listener, for example
// "127.0.0.1:9001".
func (b Builder) WithPeerAddr(addr string) Builder {
	b.peerAddr = addr
	return b
}

// WithIdentity overrides the process id announced to the peer.
func (b Builder) WithIdentity(pid int32) Builder {
	b.pid = pid
	return b
}

// WithBackoff sets how long to wait between dial attempts. The wait starts
// at min and doubles up to max.
func (b Builder) WithBackoff(min, max time.Duration) Builder {
	b.minBackoff = min
	b.maxBackoff = max

	return b
}

// Build creates a coordinator with the given name.
func (b Builder) Build(name string) *Coordinator {
	b.parametersMustBeValid()

	return &Coordinator{
		name:       name,
		listenAddr: b.listenAddr,
		listener:   b.listener,
		peerAddr:   b.peerAddr,
		pid:        b.pid,
		minBackoff: b.minBackoff,
		maxBackoff: b.maxBackoff,
	}
}

func (b Builder) parametersMustBeValid() {
	if b.listener == nil && b.listenAddr == "" {
		panic("listen address or listener must be set")
	}

	if b.peerAddr == "" {
		panic("peer address must be set")
	}

	if _, _, err := net.SplitHostPort(b.peerAddr); err != nil {
		panic("peer address must be host:port")
	}

	if b.minBackoff <= 0 || b.maxBackoff < b.minBackoff {
		panic("backoff must satisfy 0 < min <= max")
	}
}
