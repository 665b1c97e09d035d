// Package attrserver implements SONAR's L3 server side: the attribute
// registry, the three inline control attributes that expose it for
// discovery, and notify issuance (spec §4.6).
package attrserver

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/leso-kn/sonar/internal/applayer"
	"github.com/leso-kn/sonar/internal/attribute"
)

// ReadHandler is invoked synchronously to populate buf (either the
// attribute's response buffer for an inbound read, or its request buffer
// for NotifyReadData) and report how many bytes it wrote.
type ReadHandler func(attr *attribute.Attribute, buf []byte) (n int, ok bool)

// WriteHandler is invoked synchronously with the inbound write's payload.
type WriteHandler func(attr *attribute.Attribute, data []byte) bool

type entry struct {
	attr  *attribute.Attribute
	read  ReadHandler
	write WriteHandler
}

var (
	// ErrDuplicateID is returned by Register when the ID is already taken.
	ErrDuplicateID = errors.New("attrserver: attribute id already registered")
	// ErrUnknownAttribute is returned for an operation against an
	// unregistered ID.
	ErrUnknownAttribute = errors.New("attrserver: unknown attribute")
	// ErrOpNotSupported is returned when the attribute lacks the
	// requested op bit.
	ErrOpNotSupported = errors.New("attrserver: operation not supported by attribute")
	// ErrPayloadTooLarge is returned when data exceeds an attribute's MaxSize.
	ErrPayloadTooLarge = errors.New("attrserver: payload exceeds max_size")
)

// Server is one endpoint's server-side attribute layer: a registry keyed
// by attribute ID, plus the inline control-attribute handlers that let a
// client discover it (spec §4.6). Per DESIGN.md, the registry is a Go map
// rather than the original's intrusive linked list — the idiomatic
// realization of "unordered collection keyed by ID" — with a sorted view
// materialized on demand wherever the wire format needs a deterministic
// order (CTRL_ATTR_LIST).
type Server struct {
	App *applayer.Layer

	entries map[uint16]*entry
	offset  uint16
}

// NewServer constructs a Server wired to app (Layer.IsServer must be true).
// It installs itself as app's inbound read/write handlers.
func NewServer(app *applayer.Layer) *Server {
	s := &Server{App: app, entries: make(map[uint16]*entry)}
	app.OnRead = s.handleRead
	app.OnWrite = s.handleWrite
	return s
}

// Register adds attr to the registry with its read/write handlers.
// Registration must happen before connection, per spec §5's "pre-allocated,
// not re-entrant" resource-ownership rule.
func (s *Server) Register(attr *attribute.Attribute, read ReadHandler, write WriteHandler) error {
	if _, exists := s.entries[attr.ID]; exists {
		return ErrDuplicateID
	}
	s.entries[attr.ID] = &entry{attr: attr, read: read, write: write}
	return nil
}

// NumAttrs returns the count of registered (non-control) attributes.
func (s *Server) NumAttrs() int { return len(s.entries) }

// Attributes returns a read-only, ID-sorted snapshot of the registry, for
// console/diagnostic use (SPEC_FULL §6 expansion; not part of the wire
// protocol).
func (s *Server) Attributes() []attribute.Summary {
	out := make([]attribute.Summary, 0, len(s.entries))
	for _, e := range s.sortedEntries() {
		out = append(out, attribute.Summary{ID: e.attr.ID, Ops: e.attr.Ops, MaxSize: e.attr.MaxSize, IsAvailable: true})
	}
	return out
}

func (s *Server) sortedEntries() []*entry {
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].attr.ID < out[j].attr.ID })
	return out
}

func (s *Server) handleRead(attrID uint16) ([]byte, bool) {
	switch attrID {
	case attribute.CtrlNumAttrs:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(len(s.entries)))
		return buf, true

	case attribute.CtrlAttrOffset:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, s.offset)
		return buf, true

	case attribute.CtrlAttrList:
		return s.readAttrList(), true
	}

	e, ok := s.entries[attrID]
	if !ok || !e.attr.Ops.Has(attribute.OpRead) || e.read == nil {
		return nil, false
	}
	n, ok := e.read(e.attr, e.attr.ResponseBuffer)
	if !ok {
		return nil, false
	}
	return e.attr.ResponseBuffer[:n], true
}

func (s *Server) readAttrList() []byte {
	sorted := s.sortedEntries()
	out := make([]byte, attribute.CtrlAttrListEntries*2)
	for i := 0; i < attribute.CtrlAttrListEntries; i++ {
		idx := int(s.offset) + i
		var v uint16
		if idx < len(sorted) {
			v = sorted[idx].attr.ListEntry()
		}
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func (s *Server) handleWrite(attrID uint16, data []byte) bool {
	switch attrID {
	case attribute.CtrlAttrOffset:
		if len(data) != 2 {
			return false
		}
		s.offset = binary.LittleEndian.Uint16(data)
		return true
	case attribute.CtrlNumAttrs, attribute.CtrlAttrList:
		return false
	}

	e, ok := s.entries[attrID]
	if !ok || !e.attr.Ops.Has(attribute.OpWrite) || e.write == nil {
		return false
	}
	if uint32(len(data)) > e.attr.MaxSize {
		return false
	}
	return e.write(e.attr, data)
}

// Notify copies data into attr's request buffer and sends it as a notify
// request. attr must carry the notify op bit.
func (s *Server) Notify(attr *attribute.Attribute, data []byte) error {
	if !attr.Ops.Has(attribute.OpNotify) {
		return ErrOpNotSupported
	}
	if uint32(len(data)) > attr.MaxSize {
		return ErrPayloadTooLarge
	}
	n := copy(attr.RequestBuffer, data)
	return s.App.NotifyRequest(attr.ID, attr.RequestBuffer[:n])
}

// NotifyReadData invokes attr's read handler to populate its request
// buffer, then notifies with the result. attr must carry both the read and
// notify op bits.
func (s *Server) NotifyReadData(attr *attribute.Attribute) error {
	if !attr.Ops.Has(attribute.OpRead | attribute.OpNotify) {
		return ErrOpNotSupported
	}
	e, ok := s.entries[attr.ID]
	if !ok || e.read == nil {
		return ErrUnknownAttribute
	}
	n, ok := e.read(attr, attr.RequestBuffer)
	if !ok {
		return errors.New("attrserver: read handler declined")
	}
	return s.App.NotifyRequest(attr.ID, attr.RequestBuffer[:n])
}
