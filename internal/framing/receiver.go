package framing

import (
	"encoding/binary"

	"github.com/leso-kn/sonar/internal/crc16"
	"github.com/leso-kn/sonar/internal/protoerr"
)

// PacketHandler is invoked once per successfully decoded frame.
type PacketHandler func(isResponse, isLinkControl bool, seq byte, payload []byte)

// Receiver decodes an HDLC-style escaped byte stream into length-delimited
// packets, validating header and CRC before handing the payload to
// OnPacket. It holds a single fixed-capacity scratch buffer and performs no
// allocation once constructed.
type Receiver struct {
	Role     Role
	OnPacket PacketHandler
	Errors   *protoerr.Counters

	packetStarted bool
	escaping      bool
	receivedLen   int
	buf           []byte
}

// NewReceiver allocates a Receiver whose scratch buffer can hold up to
// maxPacketLen bytes (header + payload + footer).
func NewReceiver(role Role, maxPacketLen int, errors *protoerr.Counters, onPacket PacketHandler) *Receiver {
	return &Receiver{
		Role:     role,
		OnPacket: onPacket,
		Errors:   errors,
		buf:      make([]byte, maxPacketLen),
	}
}

// Feed processes a single inbound byte, per spec §4.2.
func (r *Receiver) Feed(b byte) {
	switch {
	case r.escaping:
		r.escaping = false
		if b == FLAG || b == ESCAPE {
			r.Errors.BumpInvalidEscapeSequence()
			r.dropPacket()
			return
		}
		r.storeByte(b ^ EscapeXOR)

	case b == FLAG:
		r.processPacket()
		r.packetStarted = true
		r.receivedLen = 0
		r.escaping = false

	case r.packetStarted && b == ESCAPE:
		r.escaping = true

	case r.packetStarted:
		r.storeByte(b)

	default:
		// Not in a packet and not a FLAG: ignore, but per spec still clear
		// escaping (it should already be false here).
		r.escaping = false
	}
}

// FeedAll feeds each byte of data in order.
func (r *Receiver) FeedAll(data []byte) {
	for _, b := range data {
		r.Feed(b)
	}
}

func (r *Receiver) storeByte(b byte) {
	if r.receivedLen >= len(r.buf) {
		r.Errors.BumpBufferOverflow()
		r.dropPacket()
		return
	}
	r.buf[r.receivedLen] = b
	r.receivedLen++
}

// dropPacket discards the in-progress packet and waits for the next FLAG.
func (r *Receiver) dropPacket() {
	r.packetStarted = false
	r.receivedLen = 0
	r.escaping = false
}

func (r *Receiver) processPacket() {
	if !r.packetStarted {
		return
	}
	if r.receivedLen < HeaderLen+FooterLen {
		// Too short to be a real packet (e.g. two FLAGs in a row); silently
		// ignored per spec §4.2.
		return
	}

	data := r.buf[:r.receivedLen]
	flagsByte := data[0]
	seq := data[1]
	payload := data[HeaderLen : r.receivedLen-FooterLen]
	footer := data[r.receivedLen-FooterLen:]

	isResponse, fromServer, isLinkControl, reserved, version := decodeFlags(flagsByte)

	if reserved || version != ProtocolVersion {
		r.Errors.BumpInvalidHeader()
		return
	}

	// direction bit identifies the sender's role; a packet whose declared
	// sender role matches our own role is malformed (we never receive our
	// own kind of frame).
	senderIsServer := fromServer
	ourRoleIsServer := r.Role == RoleServer
	if senderIsServer == ourRoleIsServer {
		r.Errors.BumpInvalidHeader()
		return
	}

	want := binary.LittleEndian.Uint16(footer)
	got := crc16.Checksum(data[:r.receivedLen-FooterLen], crc16.InitialSeed)
	if got != want {
		r.Errors.BumpInvalidCRC()
		return
	}

	if r.OnPacket != nil {
		r.OnPacket(isResponse, isLinkControl, seq, payload)
	}
}
