package linklayer

import (
	"bytes"
	"testing"

	"github.com/leso-kn/sonar/internal/bufchain"
	"github.com/leso-kn/sonar/internal/framing"
	"github.com/leso-kn/sonar/internal/protoerr"
)

type fakeClock struct{ now uint64 }

func (c *fakeClock) NowMs() uint64 { return c.now }

type byteBuf struct{ bytes.Buffer }

func (b *byteBuf) WriteByte(c byte) error { return b.Buffer.WriteByte(c) }

type harness struct {
	clock   *fakeClock
	sink    *byteBuf
	errs    *protoerr.Counters
	engine  *Engine
	rx      *framing.Receiver
	connEvt []bool
	done    []struct {
		success bool
		data    []byte
	}
	reqHandler func(data []byte) ([]byte, bool)
}

func newHarness(role framing.Role) *harness {
	h := &harness{clock: &fakeClock{}, sink: &byteBuf{}, errs: &protoerr.Counters{}}
	h.engine = &Engine{Role: role, Clock: h.clock, Sink: h.sink, Errors: h.errs}
	h.engine.ConnectionChanged = func(connected bool) { h.connEvt = append(h.connEvt, connected) }
	h.engine.RequestComplete = func(success bool, data []byte) {
		h.done = append(h.done, struct {
			success bool
			data    []byte
		}{success, append([]byte(nil), data...)})
	}
	h.engine.RequestHandler = func(data []byte) ([]byte, bool) {
		if h.reqHandler != nil {
			return h.reqHandler(data)
		}
		return append([]byte(nil), data...), true
	}
	h.rx = framing.NewReceiver(role, 256, h.errs, h.engine.OnPacket)
	return h
}

func (h *harness) feed(peerRole framing.Role, isResponse, isLinkControl bool, seq byte, payload []byte) {
	var chain *bufchain.Chain
	if payload != nil {
		chain = bufchain.New(payload)
	}
	var buf byteBuf
	framing.WriteFrame(&buf, peerRole, isResponse, isLinkControl, seq, chain)
	h.rx.FeedAll(buf.Bytes())
}

func (h *harness) sentFrameCount() int {
	return bytes.Count(h.sink.Bytes(), []byte{framing.FLAG}) / 2
}

func TestClientConnectsOnFirstTick(t *testing.T) {
	h := newHarness(framing.RoleClient)
	h.clock.now = 5
	h.engine.Tick()

	if h.sentFrameCount() != 1 {
		t.Fatalf("expected 1 frame sent on first tick, got %d", h.sentFrameCount())
	}
	if h.engine.IsConnected() {
		t.Fatal("should not be connected until server responds")
	}
}

func TestServerAcceptsConnectionRequest(t *testing.T) {
	h := newHarness(framing.RoleServer)
	h.feed(framing.RoleClient, false, true, 0x01, []byte{0x00})

	if !h.engine.IsConnected() {
		t.Fatal("server should be connected after a valid connection request")
	}
	if len(h.connEvt) != 1 || !h.connEvt[0] {
		t.Fatalf("expected one connected=true event, got %v", h.connEvt)
	}
	if h.sentFrameCount() != 1 {
		t.Fatalf("expected server to send exactly 1 response frame, got %d", h.sentFrameCount())
	}
}

func TestDuplicateDataRequestRetransmitsCachedResponse(t *testing.T) {
	h := newHarness(framing.RoleServer)
	// Connection request's header seq (0x01) seeds prevRxSeq, so the first
	// real data request from this client must carry seq 0x02.
	h.feed(framing.RoleClient, false, true, 0x01, []byte{0x00})
	h.sink.Reset()

	h.feed(framing.RoleClient, false, false, 0x02, []byte{0xAA})
	first := append([]byte(nil), h.sink.Bytes()...)
	if len(first) == 0 {
		t.Fatal("expected a response to the first data request")
	}

	// Retransmit the identical request (same seq): server must resend the
	// cached response without invoking the handler again.
	h.sink.Reset()
	calls := 0
	h.reqHandler = func(data []byte) ([]byte, bool) { calls++; return data, true }
	h.feed(framing.RoleClient, false, false, 0x02, []byte{0xAA})

	if calls != 0 {
		t.Fatalf("request handler invoked %d times on a duplicate, want 0", calls)
	}
	if !bytes.Equal(h.sink.Bytes(), first) {
		t.Fatalf("retransmitted response = %x, want identical to first response %x", h.sink.Bytes(), first)
	}
}

func TestInvalidSequenceNumberDropped(t *testing.T) {
	h := newHarness(framing.RoleServer)
	h.feed(framing.RoleClient, false, true, 0x01, []byte{0x00})
	h.sink.Reset()

	// Expected next seq is 0x02; send 0x05 instead.
	h.feed(framing.RoleClient, false, false, 0x05, []byte{0xAA})

	if h.sink.Len() != 0 {
		t.Fatalf("expected no response to out-of-order request, got %x", h.sink.Bytes())
	}
	if h.errs.InvalidSequenceNumber != 1 {
		t.Fatalf("InvalidSequenceNumber = %d, want 1", h.errs.InvalidSequenceNumber)
	}
}

func TestRequestRetryThenTimeout(t *testing.T) {
	h := newHarness(framing.RoleClient)
	h.clock.now = 0
	h.engine.Tick() // send connection request
	h.feed(framing.RoleServer, true, true, h.engine.pending.seq, nil)
	if !h.engine.IsConnected() {
		t.Fatal("expected connected after LC response")
	}

	h.clock.now = 10
	if err := h.engine.SendRequest(bufchain.New([]byte{1, 2, 3})); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	h.sink.Reset()

	h.clock.now = 10 + RequestRetryIntervalMs
	h.engine.Tick()
	if h.errs.GetAndClear().Retries != 1 {
		t.Fatal("expected first retry at RequestRetryIntervalMs")
	}

	h.clock.now = 10 + RequestTimeoutMs
	h.engine.Tick()
	if len(h.done) != 1 || h.done[0].success {
		t.Fatalf("expected a single failed completion at RequestTimeoutMs, got %v", h.done)
	}
}

func TestDisconnectFailsPendingRequest(t *testing.T) {
	h := newHarness(framing.RoleClient)
	h.clock.now = 0
	h.engine.Tick()
	h.feed(framing.RoleServer, true, true, h.engine.pending.seq, nil)

	h.clock.now = 100
	if err := h.engine.SendRequest(bufchain.New([]byte{9})); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	h.clock.now = 100 + ConnectionTimeoutMs
	h.engine.Tick()

	if h.engine.IsConnected() {
		t.Fatal("expected disconnect after connection timeout")
	}
	if len(h.done) != 1 || h.done[0].success {
		t.Fatalf("expected pending request to fail on disconnect, got %v", h.done)
	}
	if len(h.connEvt) == 0 || h.connEvt[len(h.connEvt)-1] {
		t.Fatalf("expected a final connected=false event, got %v", h.connEvt)
	}
}

func TestSequenceWraparound(t *testing.T) {
	h := newHarness(framing.RoleServer)
	// Connection request carries header seq 0xFF; the server's inbound
	// dedup counter (prevRxSeq) is set from that header seq, so the next
	// legitimate request from the same client must wrap to 0x00.
	h.feed(framing.RoleClient, false, true, 0xFF, []byte{0x00})
	h.sink.Reset()

	h.feed(framing.RoleClient, false, false, 0x00, []byte{0x7})
	if h.sink.Len() == 0 {
		t.Fatal("expected a response to the first post-connect data request at wrapped seq 0x00")
	}
	if h.errs.InvalidSequenceNumber != 0 {
		t.Fatalf("InvalidSequenceNumber = %d, want 0", h.errs.InvalidSequenceNumber)
	}
}
