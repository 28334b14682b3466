// Package protocol defines the bytes two DSM peers exchange on the control
// channel.
//
// Every message has a fixed size; nothing is length-prefixed. A connection
// carries, in order, the hello of the dialing peer, the region description
// (first peer to second peer only), and then requests flowing one way and
// responses flowing back. All integers are little-endian so that peers of
// different architectures agree on the layout.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sizes of the fixed-size messages.
const (
	HelloSize    = 4
	InitInfoSize = 16
	RequestSize  = 8
	FlagSize     = 1
)

// ErrUnknownOpcode is returned when a request carries an opcode other than
// Fetch or Invalidate.
var ErrUnknownOpcode = errors.New("protocol: unknown opcode")

// ErrUnknownFlag is returned when a response starts with an unexpected flag.
var ErrUnknownFlag = errors.New("protocol: unknown response flag")

// An Opcode identifies what a request asks the peer to do.
type Opcode byte

// The opcodes a peer may send.
const (
	OpFetch      Opcode = 'F'
	OpInvalidate Opcode = 'I'
)

func (o Opcode) String() string {
	switch o {
	case OpFetch:
		return "Fetch"
	case OpInvalidate:
		return "Invalidate"
	default:
		return fmt.Sprintf("Opcode(%#x)", byte(o))
	}
}

// A Flag is the first byte of every response.
type Flag byte

// The response flags. AlsoInvalid and HasData answer a Fetch, Ack answers an
// Invalidate.
const (
	FlagAlsoInvalid Flag = '0'
	FlagHasData     Flag = '1'
	FlagAck         Flag = 'A'
)

func (f Flag) String() string {
	switch f {
	case FlagAlsoInvalid:
		return "AlsoInvalid"
	case FlagHasData:
		return "HasData"
	case FlagAck:
		return "Ack"
	default:
		return fmt.Sprintf("Flag(%#x)", byte(f))
	}
}

// WriteHello sends the identity of the local process.
func WriteHello(w io.Writer, id int32) error {
	var buf [HelloSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))

	_, err := w.Write(buf[:])

	return err
}

// ReadHello receives the identity of the remote process.
func ReadHello(r io.Reader) (int32, error) {
	var buf [HelloSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// InitInfo describes the shared region. The second peer maps its copy at
// exactly Addr.
type InitInfo struct {
	Addr   uint64
	Length uint64
}

// WriteInitInfo sends the region description.
func WriteInitInfo(w io.Writer, info InitInfo) error {
	var buf [InitInfoSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], info.Addr)
	binary.LittleEndian.PutUint64(buf[8:16], info.Length)

	_, err := w.Write(buf[:])

	return err
}

// ReadInitInfo receives the region description.
func ReadInitInfo(r io.Reader) (InitInfo, error) {
	var buf [InitInfoSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return InitInfo{}, err
	}

	info := InitInfo{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint64(buf[8:16]),
	}

	return info, nil
}

// A Request asks the peer to act on one page.
type Request struct {
	Op   Opcode
	Page uint32
}

func (r Request) String() string {
	return fmt.Sprintf("%s(%d)", r.Op, r.Page)
}

// WriteRequest sends a request. Bytes 1 to 3 are padding and always zero.
func WriteRequest(w io.Writer, req Request) error {
	var buf [RequestSize]byte
	buf[0] = byte(req.Op)
	binary.LittleEndian.PutUint32(buf[4:8], req.Page)

	_, err := w.Write(buf[:])

	return err
}

// ReadRequest receives a request. A clean end of stream before the first byte
// is reported as io.EOF.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [RequestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Request{}, err
	}

	req := Request{
		Op:   Opcode(buf[0]),
		Page: binary.LittleEndian.Uint32(buf[4:8]),
	}

	if req.Op != OpFetch && req.Op != OpInvalidate {
		return req, fmt.Errorf("%w %#x", ErrUnknownOpcode, buf[0])
	}

	return req, nil
}

// A Response answers one request. Data is only present, and then exactly one
// page long, when Flag is FlagHasData.
type Response struct {
	Flag Flag
	Data []byte
}

// WriteResponse sends a response as a single write.
func WriteResponse(w io.Writer, rsp Response) error {
	if rsp.Flag != FlagHasData {
		_, err := w.Write([]byte{byte(rsp.Flag)})
		return err
	}

	buf := make([]byte, FlagSize+len(rsp.Data))
	buf[0] = byte(rsp.Flag)
	copy(buf[FlagSize:], rsp.Data)

	_, err := w.Write(buf)

	return err
}

// ReadResponse receives a response. pageSize tells how many bytes follow a
// HasData flag.
func ReadResponse(r io.Reader, pageSize int) (Response, error) {
	var flag [FlagSize]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return Response{}, err
	}

	rsp := Response{Flag: Flag(flag[0])}

	switch rsp.Flag {
	case FlagAlsoInvalid, FlagAck:
		return rsp, nil
	case FlagHasData:
		rsp.Data = make([]byte, pageSize)
		if _, err := io.ReadFull(r, rsp.Data); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}

			return Response{}, err
		}

		return rsp, nil
	default:
		return rsp, fmt.Errorf("%w %#x", ErrUnknownFlag, flag[0])
	}
}
