// Package applayer implements SONAR's L2: a 2-byte header that packs a
// 3-bit opcode and a 12-bit attribute ID over one outstanding link-layer
// request, demuxed by role (spec §4.5, §6.2).
package applayer

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/leso-kn/sonar/internal/bufchain"
	"github.com/leso-kn/sonar/internal/linklayer"
)

// Op is the 3-bit application opcode, carried in the high nibble of the
// 2-byte header alongside the 12-bit attribute ID.
type Op uint8

// Opcodes per spec: 0x1 read, 0x2 write, 0x3 notify. 0 is never valid on
// the wire: DecodeHeader still decodes it, and HandleRequest rejects any
// opcode other than these three, so an all-zero header is refused there.
const (
	OpRead   Op = 1
	OpWrite  Op = 2
	OpNotify Op = 3
)

const (
	attrIDMask = 0x0FFF
	opShift    = 12
)

// HeaderLen is the size, in bytes, of the application-layer header that
// prefixes every request and (non-empty) response payload.
const HeaderLen = 2

// EncodeHeader packs op and attrID into the little-endian 2-byte header
// described by spec §6.2: header_le = (op << 12) | (attribute_id & 0x0FFF).
func EncodeHeader(op Op, attrID uint16) []byte {
	b := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint16(b, (uint16(op)<<opShift)|(attrID&attrIDMask))
	return b
}

// DecodeHeader unpacks a 2-byte header. Returns ok=false if buf is too short.
func DecodeHeader(buf []byte) (op Op, attrID uint16, ok bool) {
	if len(buf) < HeaderLen {
		return 0, 0, false
	}
	v := binary.LittleEndian.Uint16(buf)
	return Op(v >> opShift), v & attrIDMask, true
}

// RequestCompleteHandler is invoked once per completed outbound request,
// keyed by the opcode the request was sent with.
type RequestCompleteHandler func(success bool, attrID uint16, data []byte)

// InboundReadHandler is invoked for an inbound read request (server role
// only). It must synchronously return the attribute's current bytes.
type InboundReadHandler func(attrID uint16) (data []byte, ok bool)

// InboundWriteHandler is invoked for an inbound write request (server role
// only).
type InboundWriteHandler func(attrID uint16, data []byte) (ok bool)

// InboundNotifyHandler is invoked for an inbound notify request (client
// role only).
type InboundNotifyHandler func(attrID uint16, data []byte) (ok bool)

var (
	// ErrWrongRole is returned when a request method is invoked on the role
	// that cannot originate that opcode (spec §4.8: read/write are
	// client-only, notify is server-only).
	ErrWrongRole = errors.New("applayer: operation not valid for this endpoint's role")
	// ErrRequestPending is returned when a request is already outstanding.
	ErrRequestPending = errors.New("applayer: request already pending")
)

// SendFunc hands an encoded payload off to the link layer (spec §4.5's
// send_data_function), generalizing to linklayer.Engine.SendRequest.
type SendFunc func(payload *bufchain.Chain) error

// Layer is one endpoint's application-layer state: at most one active
// request, demuxed by role on both the inbound and outbound paths.
type Layer struct {
	IsServer bool
	Send     SendFunc

	OnRead   InboundReadHandler
	OnWrite  InboundWriteHandler
	OnNotify InboundNotifyHandler

	ReadComplete   RequestCompleteHandler
	WriteComplete  RequestCompleteHandler
	NotifyComplete RequestCompleteHandler

	activeRequest bool
	requestOp     Op
	requestAttrID uint16
}

// ReadRequest issues a read (client-only).
func (l *Layer) ReadRequest(attrID uint16) error {
	return l.sendRequest(OpRead, attrID, nil)
}

// WriteRequest issues a write (client-only).
func (l *Layer) WriteRequest(attrID uint16, data []byte) error {
	return l.sendRequest(OpWrite, attrID, data)
}

// NotifyRequest issues a notify (server-only).
func (l *Layer) NotifyRequest(attrID uint16, data []byte) error {
	return l.sendRequest(OpNotify, attrID, data)
}

func (l *Layer) sendRequest(op Op, attrID uint16, data []byte) error {
	if op == OpNotify && !l.IsServer {
		return ErrWrongRole
	}
	if op != OpNotify && l.IsServer {
		return ErrWrongRole
	}
	if l.activeRequest {
		return ErrRequestPending
	}

	l.activeRequest = true
	l.requestOp = op
	l.requestAttrID = attrID

	header := bufchain.New(EncodeHeader(op, attrID))
	chain := header
	if len(data) > 0 {
		chain = header.Append(bufchain.New(data))
	}

	if err := l.Send(chain); err != nil {
		l.activeRequest = false
		return err
	}
	return nil
}

// HandleRequest is the linklayer.RequestHandler this Layer should be wired
// to for inbound traffic. It decodes the application header, rejects
// opcodes illegal for this endpoint's role, and dispatches to the matching
// user handler.
func (l *Layer) HandleRequest(data []byte) ([]byte, bool) {
	op, attrID, ok := DecodeHeader(data)
	if !ok {
		return nil, false
	}
	body := data[HeaderLen:]

	switch op {
	case OpRead:
		if l.IsServer {
			return l.handleRead(attrID)
		}
	case OpWrite:
		if l.IsServer {
			return l.handleWrite(attrID, body)
		}
	case OpNotify:
		if !l.IsServer {
			return l.handleNotify(attrID, body)
		}
	}
	// Opcode not legal for this role's inbound path.
	return nil, false
}

func (l *Layer) handleRead(attrID uint16) ([]byte, bool) {
	if l.OnRead == nil {
		return nil, false
	}
	data, ok := l.OnRead(attrID)
	if !ok {
		return nil, false
	}
	return data, true
}

func (l *Layer) handleWrite(attrID uint16, body []byte) ([]byte, bool) {
	if l.OnWrite == nil {
		return nil, false
	}
	if !l.OnWrite(attrID, body) {
		return nil, false
	}
	return nil, true
}

func (l *Layer) handleNotify(attrID uint16, body []byte) ([]byte, bool) {
	if l.OnNotify == nil {
		return nil, false
	}
	if !l.OnNotify(attrID, body) {
		return nil, false
	}
	return nil, true
}

// HandleResponse is the linklayer.RequestCompleteHandler this Layer should
// be wired to. It dispatches to one of the three completion callbacks
// keyed by the opcode the outstanding request was sent with (spec §4.5).
func (l *Layer) HandleResponse(success bool, data []byte) {
	op := l.requestOp
	attrID := l.requestAttrID
	l.activeRequest = false

	switch op {
	case OpRead:
		if l.ReadComplete != nil {
			l.ReadComplete(success, attrID, data)
		}
	case OpWrite:
		if l.WriteComplete != nil {
			l.WriteComplete(success, attrID, nil)
		}
	case OpNotify:
		if l.NotifyComplete != nil {
			l.NotifyComplete(success, attrID, nil)
		}
	}
}

// Linklayer wiring convenience: adapts *linklayer.Engine's fields to this
// Layer's handlers in the standard shape spec §4.8 describes.
func Wire(l *Layer, e *linklayer.Engine) {
	e.RequestHandler = l.HandleRequest
	e.RequestComplete = l.HandleResponse
	l.Send = e.SendRequest
}
