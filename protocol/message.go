// Package protocol defines the wire messages exchanged between a client
// connection and an object adapter. Each message travels as one transport frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrUnknownStatus  = errors.New("protocol: unknown reply status")
	ErrTooLarge       = errors.New("protocol: field too large")
)

const (
	u8Size  = 1
	u32Size = 4

	// Request: [type u8][reqID u32][identity][facet][operation][body]
	// Strings and body are each prefixed with a u32 LE length.
	requestHeaderSize = u8Size + u32Size

	// Reply: [type u8][reqID u32][status u8][exception][body]
	replyHeaderSize = u8Size + u32Size + u8Size

	// Batch: [type u8][count u32] followed by count entries of
	// [identity][facet][operation][body].
	batchHeaderSize = u8Size + u32Size
)

type MsgType uint8

const (
	MsgRequest            MsgType = 1 // Single invocation; reqID 0 means oneway
	MsgBatchRequest       MsgType = 2 // Queued oneway invocations flushed together
	MsgReply              MsgType = 3 // Outcome of a twoway request
	MsgValidateConnection MsgType = 4 // Sent by the adapter once it accepts a connection
	MsgCloseConnection    MsgType = 5 // Graceful close notice, either direction

	msgTypeMaxKnown = MsgCloseConnection
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgBatchRequest:
		return "batch-request"
	case MsgReply:
		return "reply"
	case MsgValidateConnection:
		return "validate-connection"
	case MsgCloseConnection:
		return "close-connection"
	default:
		return "unknown"
	}
}

type ReplyStatus uint8

const (
	StatusOK                    ReplyStatus = iota // Body holds the encoded result
	StatusUserException                            // Exception holds the exception id; Body its data
	StatusObjectNotExist                           // No servant for the identity
	StatusFacetNotExist                            // Servant exists, facet does not
	StatusOperationNotExist                        // Servant does not implement the operation
	StatusUnknownLocalException                    // Dispatch failed with a runtime error; Exception holds the reason
	StatusUnknownUserException                     // Servant raised an exception the operation does not declare
	StatusUnknownException                         // Anything else

	statusMaxKnown = StatusUnknownException
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUserException:
		return "user-exception"
	case StatusObjectNotExist:
		return "object-not-exist"
	case StatusFacetNotExist:
		return "facet-not-exist"
	case StatusOperationNotExist:
		return "operation-not-exist"
	case StatusUnknownLocalException:
		return "unknown-local-exception"
	case StatusUnknownUserException:
		return "unknown-user-exception"
	case StatusUnknownException:
		return "unknown-exception"
	default:
		return "invalid"
	}
}

// Request is one invocation of Operation on the object named by Identity.
type Request struct {
	// ID correlates the reply. Zero for oneway and batched requests.
	ID        uint32
	Identity  string
	Facet     string
	Operation string
	Body      []byte
}

// IsOneway reports whether the caller expects no reply.
func (r Request) IsOneway() bool { return r.ID == 0 }

// Reply is the adapter's answer to a twoway Request.
type Reply struct {
	ID     uint32
	Status ReplyStatus
	// Exception carries the user exception id for StatusUserException, and a
	// human-readable reason for the Unknown* statuses. Empty otherwise.
	Exception string
	Body      []byte
}

func lenFromU32(u uint32) (int, bool) {
	// On 32-bit platforms, converting a uint32 greater than MaxInt wraps and can go negative.
	// Keep this safe and explicit.
	if uint64(u) > uint64(math.MaxInt) {
		return 0, false
	}
	return int(u), true
}

func ensureU32Len(n int) error {
	if uint64(n) > uint64(^uint32(0)) {
		return ErrTooLarge
	}
	return nil
}

func putU32LE(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:off+u32Size], v)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader walks a payload, copying variable-length sections out so decoded
// messages do not alias the input.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.off < u32Size {
		r.err = ErrInvalidMessage
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+u32Size])
	r.off += u32Size
	return v
}

func (r *reader) bytes() []byte {
	n, ok := lenFromU32(r.u32())
	if r.err != nil {
		return nil
	}
	if !ok || len(r.buf)-r.off < n {
		r.err = ErrInvalidMessage
		return nil
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return out
}

func (r *reader) string() string { return string(r.bytes()) }

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return ErrInvalidMessage
	}
	return nil
}

func checkEntry(identity, facet, operation string, body []byte) error {
	if identity == "" || operation == "" {
		return ErrInvalidMessage
	}
	for _, n := range []int{len(identity), len(facet), len(operation), len(body)} {
		if err := ensureU32Len(n); err != nil {
			return err
		}
	}
	return nil
}

func appendEntry(buf []byte, identity, facet, operation string, body []byte) []byte {
	buf = appendBytes(buf, []byte(identity))
	buf = appendBytes(buf, []byte(facet))
	buf = appendBytes(buf, []byte(operation))
	return appendBytes(buf, body)
}

// PeekType returns the type of an encoded message without decoding it.
func PeekType(payload []byte) (MsgType, error) {
	if len(payload) < u8Size {
		return 0, ErrInvalidMessage
	}
	t := MsgType(payload[0])
	if t == 0 || t > msgTypeMaxKnown {
		return 0, ErrUnknownType
	}
	return t, nil
}

// EncodeRequest encodes a Request into a payload (without the outer frameLen).
//
//	[MsgRequest u8][reqID u32 LE][idLen u32][identity][facetLen u32][facet][opLen u32][operation][bodyLen u32][body]
func EncodeRequest(req Request) ([]byte, error) {
	if err := checkEntry(req.Identity, req.Facet, req.Operation, req.Body); err != nil {
		return nil, err
	}
	buf := make([]byte, requestHeaderSize, requestHeaderSize+4*u32Size+len(req.Identity)+len(req.Facet)+len(req.Operation)+len(req.Body))
	buf[0] = byte(MsgRequest)
	putU32LE(buf, u8Size, req.ID)
	return appendEntry(buf, req.Identity, req.Facet, req.Operation, req.Body), nil
}

// DecodeRequest decodes a MsgRequest payload.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) < requestHeaderSize || MsgType(payload[0]) != MsgRequest {
		return Request{}, ErrInvalidMessage
	}
	r := &reader{buf: payload, off: u8Size}
	req := Request{ID: r.u32()}
	req.Identity = r.string()
	req.Facet = r.string()
	req.Operation = r.string()
	req.Body = r.bytes()
	if err := r.finish(); err != nil {
		return Request{}, err
	}
	if req.Identity == "" || req.Operation == "" {
		return Request{}, ErrInvalidMessage
	}
	return req, nil
}

// EncodeBatch encodes queued oneway requests, preserving their order.
// Request IDs are ignored; batched requests never get replies.
//
//	[MsgBatchRequest u8][count u32 LE]{[identity][facet][operation][body]}*
func EncodeBatch(reqs []Request) ([]byte, error) {
	if err := ensureU32Len(len(reqs)); err != nil {
		return nil, err
	}
	buf := make([]byte, batchHeaderSize, 256)
	buf[0] = byte(MsgBatchRequest)
	putU32LE(buf, u8Size, uint32(len(reqs)))
	for _, req := range reqs {
		if err := checkEntry(req.Identity, req.Facet, req.Operation, req.Body); err != nil {
			return nil, err
		}
		buf = appendEntry(buf, req.Identity, req.Facet, req.Operation, req.Body)
	}
	return buf, nil
}

// DecodeBatch decodes a MsgBatchRequest payload. An empty batch is valid.
func DecodeBatch(payload []byte) ([]Request, error) {
	if len(payload) < batchHeaderSize || MsgType(payload[0]) != MsgBatchRequest {
		return nil, ErrInvalidMessage
	}
	r := &reader{buf: payload, off: u8Size}
	n, ok := lenFromU32(r.u32())
	if !ok {
		return nil, ErrInvalidMessage
	}
	// Each entry needs at least four length prefixes.
	if n > (len(payload)-batchHeaderSize)/(4*u32Size) {
		return nil, ErrInvalidMessage
	}
	reqs := make([]Request, 0, n)
	for i := 0; i < n; i++ {
		var req Request
		req.Identity = r.string()
		req.Facet = r.string()
		req.Operation = r.string()
		req.Body = r.bytes()
		if r.err != nil {
			return nil, r.err
		}
		if req.Identity == "" || req.Operation == "" {
			return nil, ErrInvalidMessage
		}
		reqs = append(reqs, req)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// EncodeReply encodes a Reply into a payload (without the outer frameLen).
//
//	[MsgReply u8][reqID u32 LE][status u8][excLen u32][exception][bodyLen u32][body]
func EncodeReply(rep Reply) ([]byte, error) {
	if rep.ID == 0 {
		return nil, ErrInvalidMessage
	}
	if rep.Status > statusMaxKnown {
		return nil, ErrUnknownStatus
	}
	if err := ensureU32Len(len(rep.Exception)); err != nil {
		return nil, err
	}
	if err := ensureU32Len(len(rep.Body)); err != nil {
		return nil, err
	}
	buf := make([]byte, replyHeaderSize, replyHeaderSize+2*u32Size+len(rep.Exception)+len(rep.Body))
	buf[0] = byte(MsgReply)
	putU32LE(buf, u8Size, rep.ID)
	buf[u8Size+u32Size] = byte(rep.Status)
	buf = appendBytes(buf, []byte(rep.Exception))
	return appendBytes(buf, rep.Body), nil
}

// DecodeReply decodes a MsgReply payload.
func DecodeReply(payload []byte) (Reply, error) {
	if len(payload) < replyHeaderSize || MsgType(payload[0]) != MsgReply {
		return Reply{}, ErrInvalidMessage
	}
	r := &reader{buf: payload, off: u8Size}
	rep := Reply{ID: r.u32()}
	rep.Status = ReplyStatus(payload[u8Size+u32Size])
	r.off = replyHeaderSize
	rep.Exception = r.string()
	rep.Body = r.bytes()
	if err := r.finish(); err != nil {
		return Reply{}, err
	}
	if rep.Status > statusMaxKnown {
		return Reply{}, ErrUnknownStatus
	}
	return rep, nil
}

// EncodeControl encodes a body-less control message.
func EncodeControl(t MsgType) ([]byte, error) {
	if t != MsgValidateConnection && t != MsgCloseConnection {
		return nil, ErrInvalidMessage
	}
	return []byte{byte(t)}, nil
}
