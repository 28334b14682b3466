package dsm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Tamaarine/CSE306-Assignment/protocol"
)

type reply struct {
	rsp protocol.Response
	err error
}

type pendingCall struct {
	req  protocol.Request
	done chan reply
}

// peerClient sends this node's requests over the outbound connection.
// Requests are written under one lock and answered in order, so the waiters
// form a FIFO queue that the reader completes front to back.
type peerClient struct {
	conn     net.Conn
	pageSize int

	writeLock sync.Mutex

	lock    sync.Mutex
	pending []*pendingCall
	err     error
}

func newPeerClient(conn net.Conn, pageSize int) *peerClient {
	return &peerClient{
		conn:     conn,
		pageSize: pageSize,
	}
}

// send writes req and returns the call that will receive its response.
func (c *peerClient) send(req protocol.Request) (*pendingCall, error) {
	call := &pendingCall{
		req:  req,
		done: make(chan reply, 1),
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	c.lock.Lock()
	if c.err != nil {
		err := c.err
		c.lock.Unlock()

		return nil, err
	}
	c.pending = append(c.pending, call)
	c.lock.Unlock()

	if err := protocol.WriteRequest(c.conn, req); err != nil {
		err = transportError("send "+req.String(), err)
		c.fail(err)

		return nil, err
	}

	return call, nil
}

// call sends req and waits for its response. A zero timeout waits until
// ctx ends.
func (c *peerClient) call(
	ctx context.Context,
	req protocol.Request,
	timeout time.Duration,
	timeoutErr error,
) (protocol.Response, error) {
	call, err := c.send(req)
	if err != nil {
		return protocol.Response{}, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case r := <-call.done:
		return r.rsp, r.err
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case <-expired:
		return protocol.Response{}, fmt.Errorf("%w: %s after %s",
			timeoutErr, req, timeout)
	}
}

// readLoop completes pending calls with the responses read from the
// connection. It returns when the connection fails.
func (c *peerClient) readLoop(ctx context.Context) error {
	for {
		rsp, err := protocol.ReadResponse(c.conn, c.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				c.fail(ErrClosed)
				return nil
			}

			err = c.readError(err)
			c.fail(err)

			return err
		}

		call, err := c.pop(rsp)
		if err != nil {
			c.fail(err)
			return err
		}

		call.done <- reply{rsp: rsp}
	}
}

func (c *peerClient) readError(err error) error {
	if errors.Is(err, protocol.ErrUnknownFlag) {
		return &ProtocolError{Reason: err.Error(), Page: -1}
	}

	return transportError("read response", err)
}

func (c *peerClient) pop(rsp protocol.Response) (*pendingCall, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.pending) == 0 {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("unsolicited %s response", rsp.Flag),
			Page:   -1,
		}
	}

	call := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]

	if !answers(call.req.Op, rsp.Flag) {
		err := &ProtocolError{
			Reason: fmt.Sprintf("%s answered with %s", call.req, rsp.Flag),
			Page:   int(call.req.Page),
		}
		call.done <- reply{err: err}

		return nil, err
	}

	return call, nil
}

// fail completes every pending call with err. Later sends fail with err
// too.
func (c *peerClient) fail(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.err == nil {
		c.err = err
	}

	for _, call := range c.pending {
		call.done <- reply{err: c.err}
	}

	c.pending = nil
}

func answers(op protocol.Opcode, flag protocol.Flag) bool {
	switch op {
	case protocol.OpFetch:
		return flag == protocol.FlagAlsoInvalid || flag == protocol.FlagHasData
	case protocol.OpInvalidate:
		return flag == protocol.FlagAck
	default:
		return false
	}
}
