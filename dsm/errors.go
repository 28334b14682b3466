package dsm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrPeerClosed is returned when the peer went away.
	ErrPeerClosed = errors.New("dsm: peer closed the connection")

	// ErrFetchTimeout is returned when the peer did not answer a Fetch in
	// time.
	ErrFetchTimeout = errors.New("dsm: fetch timed out")

	// ErrNotConnected is returned by operations that need a peer before
	// Connect succeeded.
	ErrNotConnected = errors.New("dsm: not connected")

	// ErrWrongRole is returned when a peer calls the region setup of the
	// other role.
	ErrWrongRole = errors.New("dsm: operation not allowed in this role")

	// ErrNoRegion is returned by page operations before the region exists.
	ErrNoRegion = errors.New("dsm: no region")

	// ErrPageOutOfRange is returned for page indexes outside the region.
	ErrPageOutOfRange = errors.New("dsm: page out of range")

	// ErrPageTooLarge is returned when written data does not fit a page.
	ErrPageTooLarge = errors.New("dsm: data larger than a page")

	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("dsm: node closed")
)

// A TransportError is a failure of the connection to the peer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dsm: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// A ResourceError is a failure of the local memory machinery.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("dsm: %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// A ProtocolError is a message or a state that the coherence protocol does
// not allow.
type ProtocolError struct {
	Reason string
	Page   int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dsm: protocol violation on page %d: %s", e.Page, e.Reason)
}

// transportError classifies an error of a read or a write on a peer
// connection. A closed or reset connection is ErrPeerClosed.
func transportError(op string, err error) error {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%s: %w", op, ErrPeerClosed)
	}

	return &TransportError{Op: op, Err: err}
}
