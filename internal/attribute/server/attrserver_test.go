package attrserver

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/leso-kn/sonar/internal/applayer"
	"github.com/leso-kn/sonar/internal/attribute"
	"github.com/leso-kn/sonar/internal/bufchain"
)

func newTestServer() (*Server, *applayer.Layer) {
	app := &applayer.Layer{IsServer: true, Send: func(*bufchain.Chain) error { return nil }}
	return NewServer(app), app
}

func TestCtrlNumAttrsReflectsRegistrations(t *testing.T) {
	s, app := newTestServer()
	a1, _ := attribute.New(0x001, 4, attribute.OpRead)
	s.Register(a1, nil, nil)

	data, ok := app.HandleRequest(applayer.EncodeHeader(applayer.OpRead, attribute.CtrlNumAttrs))
	if !ok || binary.LittleEndian.Uint16(data) != 1 {
		t.Fatalf("CTRL_NUM_ATTRS = %v,%v, want 1,true", data, ok)
	}

	a2, _ := attribute.New(0x002, 4, attribute.OpWrite)
	s.Register(a2, nil, nil)
	data, ok = app.HandleRequest(applayer.EncodeHeader(applayer.OpRead, attribute.CtrlNumAttrs))
	if !ok || binary.LittleEndian.Uint16(data) != 2 {
		t.Fatalf("CTRL_NUM_ATTRS after second register = %v,%v, want 2,true", data, ok)
	}
}

func TestCtrlAttrListPagination(t *testing.T) {
	s, app := newTestServer()
	for i := uint16(1); i <= 10; i++ {
		a, err := attribute.New(i, 4, attribute.OpRead)
		if err != nil {
			t.Fatalf("New(%d): %v", i, err)
		}
		s.Register(a, nil, nil)
	}

	data, ok := app.HandleRequest(applayer.EncodeHeader(applayer.OpRead, attribute.CtrlAttrList))
	if !ok || len(data) != 16 {
		t.Fatalf("first page = %v,%v", data, ok)
	}
	id, ops, entryOK := attribute.DecodeListEntry(binary.LittleEndian.Uint16(data))
	if !entryOK || id != 1 || ops != attribute.OpRead {
		t.Fatalf("first entry id=%d ops=%d ok=%v", id, ops, entryOK)
	}
	// 9th and 10th attributes are beyond the first 8-entry page: last two
	// entries of page 1 cover attrs 7 and 8.
	id, _, entryOK = attribute.DecodeListEntry(binary.LittleEndian.Uint16(data[14:]))
	if !entryOK || id != 8 {
		t.Fatalf("8th entry id=%d ok=%v, want 8", id, entryOK)
	}

	offsetBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(offsetBuf, 8)
	_, wok := app.HandleRequest(append(applayer.EncodeHeader(applayer.OpWrite, attribute.CtrlAttrOffset), offsetBuf...))
	if !wok {
		t.Fatal("expected CTRL_ATTR_OFFSET write to succeed")
	}

	data, ok = app.HandleRequest(applayer.EncodeHeader(applayer.OpRead, attribute.CtrlAttrList))
	if !ok {
		t.Fatal("expected second page read to succeed")
	}
	id, _, entryOK = attribute.DecodeListEntry(binary.LittleEndian.Uint16(data))
	if !entryOK || id != 9 {
		t.Fatalf("second page first entry id=%d ok=%v, want 9", id, entryOK)
	}
	// Entries past the 10 registered attributes are zero-padded.
	if binary.LittleEndian.Uint16(data[4:]) != 0 {
		t.Fatalf("expected zero padding past registered attrs, got %x", data[4:])
	}
}

func TestReadWriteRouting(t *testing.T) {
	s, app := newTestServer()
	attr, _ := attribute.New(0x010, 8, attribute.OpRead|attribute.OpWrite)
	var written []byte
	s.Register(attr, func(a *attribute.Attribute, buf []byte) (int, bool) {
		return copy(buf, "hi"), true
	}, func(a *attribute.Attribute, data []byte) bool {
		written = append([]byte(nil), data...)
		return true
	})

	data, ok := app.HandleRequest(applayer.EncodeHeader(applayer.OpRead, 0x010))
	if !ok || !bytes.Equal(data, []byte("hi")) {
		t.Fatalf("read = %q,%v, want hi,true", data, ok)
	}

	req := append(applayer.EncodeHeader(applayer.OpWrite, 0x010), []byte("yo")...)
	_, ok = app.HandleRequest(req)
	if !ok || !bytes.Equal(written, []byte("yo")) {
		t.Fatalf("write handler saw %q, ok=%v", written, ok)
	}
}

func TestReadRejectsUnknownAndMissingOp(t *testing.T) {
	s, app := newTestServer()
	attr, _ := attribute.New(0x020, 4, attribute.OpWrite)
	s.Register(attr, nil, func(a *attribute.Attribute, d []byte) bool { return true })

	if _, ok := app.HandleRequest(applayer.EncodeHeader(applayer.OpRead, 0x999)); ok {
		t.Fatal("expected unknown attribute read to fail")
	}
	if _, ok := app.HandleRequest(applayer.EncodeHeader(applayer.OpRead, 0x020)); ok {
		t.Fatal("expected read on a write-only attribute to fail")
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	s, app := newTestServer()
	attr, _ := attribute.New(0x030, 2, attribute.OpWrite)
	s.Register(attr, nil, func(a *attribute.Attribute, d []byte) bool { return true })

	req := append(applayer.EncodeHeader(applayer.OpWrite, 0x030), 1, 2, 3)
	if _, ok := app.HandleRequest(req); ok {
		t.Fatal("expected oversized write to be rejected")
	}
}

func TestDuplicateRegisterRejected(t *testing.T) {
	s, _ := newTestServer()
	a1, _ := attribute.New(0x040, 4, attribute.OpRead)
	a2, _ := attribute.New(0x040, 4, attribute.OpRead)
	if err := s.Register(a1, nil, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := s.Register(a2, nil, nil); err != ErrDuplicateID {
		t.Fatalf("second Register = %v, want ErrDuplicateID", err)
	}
}

func TestNotifyRequiresNotifyOp(t *testing.T) {
	s, _ := newTestServer()
	attr, _ := attribute.New(0x050, 4, attribute.OpRead)
	if err := s.Notify(attr, []byte("x")); err != ErrOpNotSupported {
		t.Fatalf("Notify on non-notify attribute = %v, want ErrOpNotSupported", err)
	}
}

func TestNotifyReadDataPopulatesRequestBuffer(t *testing.T) {
	var sent []byte
	app := &applayer.Layer{IsServer: true, Send: func(c *bufchain.Chain) error {
		sent = c.Flatten()
		return nil
	}}
	s := NewServer(app)
	attr, _ := attribute.New(0x060, 8, attribute.OpRead|attribute.OpNotify)
	s.Register(attr, func(a *attribute.Attribute, buf []byte) (int, bool) {
		return copy(buf, "evt"), true
	}, nil)

	if err := s.NotifyReadData(attr); err != nil {
		t.Fatalf("NotifyReadData: %v", err)
	}
	if !bytes.Equal(attr.RequestBuffer[:3], []byte("evt")) {
		t.Fatalf("request buffer = %q, want evt", attr.RequestBuffer[:3])
	}
	if len(sent) < applayer.HeaderLen+3 || !bytes.Equal(sent[applayer.HeaderLen:], []byte("evt")) {
		t.Fatalf("sent payload = %x, want header+evt", sent)
	}
}
