// Package pageserver implements the shard-aware client for the remote
// page-storage tier.
//
// Each shard is reached over a bidirectional byte stream carrying
// length-delimited messages. The client keeps at most one connection per
// shard with one request in flight at a time, reconnects with bounded
// exponential backoff, and tears down every connection when the shard
// topology changes.
package pageserver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/pagetier/pkg/bufpool"
	"github.com/marmos91/pagetier/pkg/page"
)

// Wire framing: every message is a 4-byte big-endian length followed by
// the message body; the body starts with a one-byte opcode. Strings are
// 2-byte length prefixed.
const (
	// MaxMessageSize bounds one framed message. Large enough for a full
	// chunk of pages plus headers; anything bigger is a framing fault.
	MaxMessageSize = 2 * page.ChunkSize

	frameHeaderSize = 4
)

// Request opcodes.
const (
	OpHello   uint8 = 0x01
	OpGetPage uint8 = 0x02
	OpExists  uint8 = 0x03
	OpNblocks uint8 = 0x04
)

// Response status codes.
const (
	StatusOK    uint8 = 0x00
	StatusError uint8 = 0x01
)

// protocolVersion is negotiated in the hello exchange.
const protocolVersion uint16 = 1

var (
	// ErrFrameTooLarge is returned for frames exceeding MaxMessageSize.
	// Treated as a protocol fault: the stream cannot be resynchronized.
	ErrFrameTooLarge = errors.New("pageserver: frame exceeds maximum message size")

	// ErrMalformedMessage is returned when a message body cannot be
	// decoded. Also a protocol fault.
	ErrMalformedMessage = errors.New("pageserver: malformed message")
)

// RemoteError is an error descriptor returned by a shard in a well-formed
// response. The connection stays usable.
type RemoteError struct {
	Shard   uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pageserver: shard %d: %s", e.Shard, e.Message)
}

// helloRequest opens a stream: it scopes the connection to a tenant and
// timeline and carries the optional auth token.
type helloRequest struct {
	Version   uint16
	TenantID  string
	TimelineID string
	AuthToken string
}

// getPageRequest asks for the content of one page.
type getPageRequest struct {
	Container uint32
	Fork      page.ForkID
	Block     uint32
}

// existsRequest asks whether a container fork exists on the shard.
type existsRequest struct {
	Container uint32
	Fork      page.ForkID
}

// nblocksRequest asks for the size of a container fork in blocks.
type nblocksRequest struct {
	Container uint32
	Fork      page.ForkID
}

// response is the decoded body of one response frame. Exactly one of the
// payload fields is meaningful depending on the request opcode; ErrMsg is
// set when Status != StatusOK.
type response struct {
	Status  uint8
	ErrMsg  string
	Page    []byte // GetPage: page.Size bytes, aliases the frame buffer
	Exists  bool   // Exists
	Nblocks uint32 // Nblocks
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(r *bytesReader) (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *helloRequest) encode() []byte {
	buf := make([]byte, 0, 8+len(m.TenantID)+len(m.TimelineID)+len(m.AuthToken))
	buf = append(buf, OpHello)
	buf = binary.BigEndian.AppendUint16(buf, m.Version)
	buf = appendString(buf, m.TenantID)
	buf = appendString(buf, m.TimelineID)
	buf = appendString(buf, m.AuthToken)
	return buf
}

func (m *getPageRequest) encode() []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, OpGetPage)
	buf = binary.BigEndian.AppendUint32(buf, m.Container)
	buf = append(buf, byte(m.Fork))
	buf = binary.BigEndian.AppendUint32(buf, m.Block)
	return buf
}

func (m *existsRequest) encode() []byte {
	buf := make([]byte, 0, 6)
	buf = append(buf, OpExists)
	buf = binary.BigEndian.AppendUint32(buf, m.Container)
	buf = append(buf, byte(m.Fork))
	return buf
}

func (m *nblocksRequest) encode() []byte {
	buf := make([]byte, 0, 6)
	buf = append(buf, OpNblocks)
	buf = binary.BigEndian.AppendUint32(buf, m.Container)
	buf = append(buf, byte(m.Fork))
	return buf
}

// writeFrame sends one length-delimited message.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxMessageSize {
		return ErrFrameTooLarge
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-delimited message into a pooled buffer.
// The caller owns the returned buffer and must bufpool.Put it.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := bufpool.Get(int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	return buf, nil
}

// decodeResponse parses a response body for the given request opcode.
// The returned response's Page field aliases body.
func decodeResponse(op uint8, body []byte) (*response, error) {
	r := &bytesReader{buf: body}

	status, err := r.uint8()
	if err != nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedMessage)
	}

	resp := &response{Status: status}
	if status == StatusError {
		msg, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated error descriptor", ErrMalformedMessage)
		}
		resp.ErrMsg = msg
		return resp, nil
	}
	if status != StatusOK {
		return nil, fmt.Errorf("%w: unknown status %#x", ErrMalformedMessage, status)
	}

	switch op {
	case OpHello:
		// no payload
	case OpGetPage:
		resp.Page, err = r.bytes(page.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: short page payload", ErrMalformedMessage)
		}
	case OpExists:
		b, err := r.uint8()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated exists response", ErrMalformedMessage)
		}
		resp.Exists = b != 0
	case OpNblocks:
		resp.Nblocks, err = r.uint32()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated nblocks response", ErrMalformedMessage)
		}
	default:
		return nil, fmt.Errorf("%w: unknown opcode %#x", ErrMalformedMessage, op)
	}
	return resp, nil
}

// bytesReader is a bounds-checked cursor over a message body.
type bytesReader struct {
	buf []byte
	off int
}

func (r *bytesReader) uint8() (uint8, error) {
	if r.off+1 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *bytesReader) uint16() (uint16, error) {
	if r.off+2 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *bytesReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *bytesReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}
