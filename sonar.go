// Package sonar implements the SONAR point-to-point protocol: a reliable
// request/response exchange of small, statically declared named
// attributes over a plain byte transport such as UART. It composes three
// layers — link (framing, connection lifecycle, stop-and-wait retry),
// application (attribute-ID demultiplexing), and attribute (registry,
// discovery, control channel) — behind a single Client/Server facade.
package sonar

import (
	"github.com/pkg/errors"

	"github.com/leso-kn/sonar/internal/attribute"
	"github.com/leso-kn/sonar/internal/linklayer"
	"github.com/leso-kn/sonar/internal/protoerr"
)

// Attribute is a statically declared named value with a maximum size and
// a subset of {read, write, notify} operations. Construct one with
// NewAttribute and register it with a Client or Server before connecting.
type Attribute = attribute.Attribute

// OpSet is the bitset of operations an Attribute supports.
type OpSet = attribute.OpSet

// Operation bits, combined with bitwise OR when constructing an Attribute.
const (
	OpRead   = attribute.OpRead
	OpWrite  = attribute.OpWrite
	OpNotify = attribute.OpNotify
)

// NewAttribute validates id (must be in [0x000, 0xFFF] and not one of the
// reserved control IDs), ops, and maxSize, then allocates both of the
// attribute's fixed-size buffers.
func NewAttribute(id uint16, maxSize uint32, ops OpSet) (*Attribute, error) {
	return attribute.New(id, maxSize, ops)
}

// Summary is a read-only reflection of a registered attribute, for
// diagnostic/console use; it is not part of the wire protocol.
type Summary = attribute.Summary

// Clock is the monotonic millisecond wall clock an endpoint needs to
// drive retransmission and timeouts.
type Clock = linklayer.Clock

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() uint64

// NowMs implements Clock.
func (f ClockFunc) NowMs() uint64 { return f() }

// WriteByteFunc adapts a plain function to the transport byte-sink
// interface both layers require.
type WriteByteFunc func(b byte) error

// WriteByte implements framing.ByteSink / linklayer's Sink requirement.
func (f WriteByteFunc) WriteByte(b byte) error { return f(b) }

// Errors is the read-and-clear error-counter snapshot returned by
// GetAndClearErrors, JSON-marshalable for the console's `errors --json`
// subcommand.
type Errors = protoerr.Counters

var (
	// ErrNotConnected is returned by Server.Notify/NotifyReadData when no
	// client is connected. Client.Read/Write do not return it: a disconnect
	// clears every attribute's availability, so they report the attribute
	// as unavailable instead.
	ErrNotConnected = linklayer.ErrNotConnected
	// ErrRequestPending is returned when the link layer already has a
	// request in flight (for example a connection-maintenance request). A
	// second user request while the first is outstanding is refused earlier,
	// by the application layer, with its own pending-request error.
	ErrRequestPending = linklayer.ErrRequestPending
)

// defaultMaxPacketLen bounds the receive scratch buffer when a Config
// leaves MaxPacketLen unset. It comfortably covers a CTRL_ATTR_LIST
// response (2-byte header + 16-byte payload + 2-byte footer) plus headroom
// for user attributes.
const defaultMaxPacketLen = 256

func wrapTransport(writeByte func(byte) error, nowMs func() uint64) (WriteByteFunc, ClockFunc, error) {
	if writeByte == nil {
		return nil, nil, errors.New("sonar: WriteByte callback is required")
	}
	if nowMs == nil {
		return nil, nil, errors.New("sonar: NowMs callback is required")
	}
	return WriteByteFunc(writeByte), ClockFunc(nowMs), nil
}
