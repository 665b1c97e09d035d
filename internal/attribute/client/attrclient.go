// Package attrclient implements SONAR's L3 client side: the attribute
// registry and the discovery state machine that walks a server's control
// attributes to mark which registered attributes are actually available
// (spec §4.7).
package attrclient

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/leso-kn/sonar/internal/applayer"
	"github.com/leso-kn/sonar/internal/attribute"
)

// NotifyHandler is invoked when a notify arrives for a known, available
// attribute.
type NotifyHandler func(attr *attribute.Attribute, data []byte)

// ConnectionChangedHandler mirrors the link layer's callback shape, fired
// with connected=true only once discovery has fully completed, and with
// connected=false when discovery fails at any step or the link disconnects.
type ConnectionChangedHandler func(connected bool)

type entry struct {
	attr        *attribute.Attribute
	isAvailable bool
}

var (
	// ErrUnregistered is returned for an operation against an attribute
	// the caller never registered.
	ErrUnregistered = errors.New("attrclient: attribute not registered")
	// ErrUnavailable is returned when the server has not confirmed the
	// attribute during discovery.
	ErrUnavailable = errors.New("attrclient: attribute not available")
	// ErrOpNotSupported is returned when the attribute lacks the
	// requested op bit.
	ErrOpNotSupported = errors.New("attrclient: operation not supported by attribute")
	// ErrPayloadTooLarge is returned when data exceeds an attribute's MaxSize.
	ErrPayloadTooLarge = errors.New("attrclient: payload exceeds max_size")
)

type discoveryStep int

const (
	stepIdle discoveryStep = iota
	stepReadNumAttrs
	stepWriteOffset
	stepReadAttrList
)

// Client is one endpoint's client-side attribute layer, plus its
// discovery state machine.
type Client struct {
	App *applayer.Layer

	OnNotify          NotifyHandler
	ConnectionChanged ConnectionChangedHandler

	// ReadComplete and WriteComplete receive every completion that isn't
	// part of the discovery handshake itself (i.e. user-issued Read/Write
	// calls). Discovery's own CTRL_* traffic never reaches these.
	ReadComplete  applayer.RequestCompleteHandler
	WriteComplete applayer.RequestCompleteHandler

	entries map[uint16]*entry

	step     discoveryStep
	numAttrs uint16
	offset   uint16
}

// NewClient constructs a Client wired to app (Layer.IsServer must be
// false). It installs itself as app's completion and inbound-notify
// handlers.
func NewClient(app *applayer.Layer) *Client {
	c := &Client{App: app, entries: make(map[uint16]*entry)}
	app.OnNotify = c.handleNotify
	app.ReadComplete = c.handleReadComplete
	app.WriteComplete = c.handleWriteComplete
	return c
}

// ErrDuplicateID is returned by Register when the ID is already taken.
var ErrDuplicateID = errors.New("attrclient: attribute id already registered")

// Register adds attr to the registry, initially unavailable until
// confirmed by discovery.
func (c *Client) Register(attr *attribute.Attribute) error {
	if _, exists := c.entries[attr.ID]; exists {
		return ErrDuplicateID
	}
	c.entries[attr.ID] = &entry{attr: attr}
	return nil
}

// Attributes returns a read-only snapshot of the registry, for
// console/diagnostic use (SPEC_FULL §6 expansion).
func (c *Client) Attributes() []attribute.Summary {
	out := make([]attribute.Summary, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, attribute.Summary{ID: e.attr.ID, Ops: e.attr.Ops, MaxSize: e.attr.MaxSize, IsAvailable: e.isAvailable})
	}
	return out
}

// HandleConnectionChanged must be wired to the link layer's
// ConnectionChangedHandler: it starts discovery on connect and clears
// every is_available flag (and fails any pending discovery) on disconnect.
func (c *Client) HandleConnectionChanged(connected bool) {
	if !connected {
		c.abortDiscovery()
		return
	}
	c.step = stepReadNumAttrs
	if err := c.App.ReadRequest(attribute.CtrlNumAttrs); err != nil {
		c.abortDiscovery()
	}
}

func (c *Client) abortDiscovery() {
	c.step = stepIdle
	for _, e := range c.entries {
		e.isAvailable = false
	}
	if c.ConnectionChanged != nil {
		c.ConnectionChanged(false)
	}
}

func (c *Client) handleReadComplete(success bool, attrID uint16, data []byte) {
	discovering := c.step == stepReadNumAttrs && attrID == attribute.CtrlNumAttrs ||
		c.step == stepReadAttrList && attrID == attribute.CtrlAttrList
	if !discovering {
		if c.ReadComplete != nil {
			c.ReadComplete(success, attrID, data)
		}
		return
	}
	if !success {
		c.abortDiscovery()
		return
	}

	switch attrID {
	case attribute.CtrlNumAttrs:
		if len(data) != 2 {
			c.abortDiscovery()
			return
		}
		c.numAttrs = binary.LittleEndian.Uint16(data)
		c.offset = 0
		c.step = stepWriteOffset
		c.sendOffsetWrite()

	case attribute.CtrlAttrList:
		if len(data) != attribute.CtrlAttrListEntries*2 {
			c.abortDiscovery()
			return
		}
		for i := 0; i < attribute.CtrlAttrListEntries; i++ {
			v := binary.LittleEndian.Uint16(data[i*2:])
			id, ops, ok := attribute.DecodeListEntry(v)
			if !ok {
				continue
			}
			if e, known := c.entries[id]; known && e.attr.Ops == ops {
				e.isAvailable = true
			}
		}
		if uint32(c.numAttrs)-uint32(c.offset) > attribute.CtrlAttrListEntries {
			c.offset += attribute.CtrlAttrListEntries
			c.step = stepWriteOffset
			c.sendOffsetWrite()
			return
		}
		c.step = stepIdle
		if c.ConnectionChanged != nil {
			c.ConnectionChanged(true)
		}
	}
}

func (c *Client) handleWriteComplete(success bool, attrID uint16, data []byte) {
	if c.step != stepWriteOffset || attrID != attribute.CtrlAttrOffset {
		if c.WriteComplete != nil {
			c.WriteComplete(success, attrID, data)
		}
		return
	}
	if !success {
		c.abortDiscovery()
		return
	}
	c.step = stepReadAttrList
	if err := c.App.ReadRequest(attribute.CtrlAttrList); err != nil {
		c.abortDiscovery()
	}
}

func (c *Client) sendOffsetWrite() {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, c.offset)
	if err := c.App.WriteRequest(attribute.CtrlAttrOffset, buf); err != nil {
		c.abortDiscovery()
	}
}

func (c *Client) handleNotify(attrID uint16, data []byte) bool {
	e, ok := c.entries[attrID]
	if !ok || !e.isAvailable || !e.attr.Ops.Has(attribute.OpNotify) {
		return false
	}
	if uint32(len(data)) > e.attr.MaxSize {
		return false
	}
	if c.OnNotify != nil {
		c.OnNotify(e.attr, data)
	}
	return true
}

// Read issues a read request for attr, which must be registered,
// available, and readable.
func (c *Client) Read(attr *attribute.Attribute) error {
	e, ok := c.entries[attr.ID]
	if !ok {
		return ErrUnregistered
	}
	if !e.isAvailable {
		return ErrUnavailable
	}
	if !attr.Ops.Has(attribute.OpRead) {
		return ErrOpNotSupported
	}
	return c.App.ReadRequest(attr.ID)
}

// Write issues a write request for attr with data, which is copied into
// attr's request buffer so the caller's own slice need not stay live.
func (c *Client) Write(attr *attribute.Attribute, data []byte) error {
	e, ok := c.entries[attr.ID]
	if !ok {
		return ErrUnregistered
	}
	if !e.isAvailable {
		return ErrUnavailable
	}
	if !attr.Ops.Has(attribute.OpWrite) {
		return ErrOpNotSupported
	}
	if uint32(len(data)) > attr.MaxSize {
		return ErrPayloadTooLarge
	}
	n := copy(attr.RequestBuffer, data)
	return c.App.WriteRequest(attr.ID, attr.RequestBuffer[:n])
}
