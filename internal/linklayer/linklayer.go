// Package linklayer implements SONAR's L1: connection lifecycle,
// stop-and-wait request/response pairing, retry/timeout against an
// injected clock, duplicate suppression, and the error counter taxonomy.
//
// One Engine serves one endpoint, client or server. The two roles run the
// identical state machine below (this mirrors the original C
// implementation, which compiles a single link-layer translation unit for
// both); only the periodic connection-maintenance loop in Tick is
// role-gated, since link-control requests flow strictly client to server.
package linklayer

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/leso-kn/sonar/internal/bufchain"
	"github.com/leso-kn/sonar/internal/framing"
	"github.com/leso-kn/sonar/internal/protoerr"
)

// Timing constants, all milliseconds (spec §4.4.2).
const (
	RequestRetryIntervalMs         = 100
	RequestTimeoutMs               = 300
	ConnectionMaintenanceIntervalMs = 500
	ConnectionTimeoutMs             = 1000
)

// Clock is the injected wall-clock collaborator (spec §1's "wall clock"
// external collaborator): a monotonic millisecond counter.
type Clock interface {
	NowMs() uint64
}

// RequestHandler is invoked when a fresh (non-duplicate) inbound request
// arrives. Returning ok=false drops the request with no cached response
// (matching a false return from the C request() callback); returning
// ok=true with response accepts it and the response (possibly empty, never
// nil-vs-empty distinguished on the wire) is sent and cached for
// duplicate retransmission. The return-value shape is itself the "one-shot
// response sink" spec §9 describes: the type system guarantees exactly one
// synchronous answer.
type RequestHandler func(data []byte) (response []byte, ok bool)

// RequestCompleteHandler is invoked when our own pending request finishes,
// successfully or not.
type RequestCompleteHandler func(success bool, data []byte)

// ConnectionChangedHandler is invoked on every connect/disconnect edge.
type ConnectionChangedHandler func(connected bool)

var (
	// ErrNotConnected is returned by SendRequest when there is no active connection.
	ErrNotConnected = errors.New("linklayer: not connected")
	// ErrRequestPending is returned by SendRequest when a request is already in flight.
	ErrRequestPending = errors.New("linklayer: request already pending")
)

type connectionState struct {
	active           bool
	prevRxSeq        byte
	lastPacketTimeMs uint64
}

type pendingRequest struct {
	active        bool
	isLinkControl bool
	seq           byte
	firstSendMs   uint64
	lastSendMs    uint64
	payload       *bufchain.Chain
}

type pendingResponse struct {
	active        bool
	isLinkControl bool
	seq           byte
	data          []byte
}

// Engine is one endpoint's link-layer state machine.
type Engine struct {
	Role   framing.Role
	Clock  Clock
	Sink   framing.ByteSink
	Errors *protoerr.Counters
	Log    *logrus.Entry

	RequestHandler    RequestHandler
	RequestComplete   RequestCompleteHandler
	ConnectionChanged ConnectionChangedHandler

	conn    connectionState
	pending pendingRequest
	presp   pendingResponse
}

// IsConnected reports whether the connection is currently active.
func (e *Engine) IsConnected() bool { return e.conn.active }

// HandleReceiveData feeds a raw inbound byte chunk through the byte
// framer, dispatching any decoded packets synchronously.
func (e *Engine) HandleReceiveData(rx *framing.Receiver, data []byte) {
	rx.FeedAll(data)
}

// SendRequest enqueues and transmits an application-level (non-link-control)
// request. Returns an error if there is no active connection or a request
// is already in flight.
func (e *Engine) SendRequest(payload *bufchain.Chain) error {
	if !e.conn.active {
		return ErrNotConnected
	}
	if e.pending.active {
		return ErrRequestPending
	}
	e.setPendingRequest(false, payload)
	e.sendPendingRequest()
	return nil
}

func (e *Engine) setPendingRequest(isLinkControl bool, payload *bufchain.Chain) {
	now := e.Clock.NowMs()
	e.pending.active = true
	e.pending.firstSendMs = now
	e.pending.seq++
	e.pending.isLinkControl = isLinkControl
	e.pending.payload = payload
}

func (e *Engine) sendPendingRequest() {
	e.pending.lastSendMs = e.Clock.NowMs()
	_ = framing.WriteFrame(e.Sink, e.Role, false, e.pending.isLinkControl, e.pending.seq, e.pending.payload)
}

func (e *Engine) sendPendingResponse() {
	var chain *bufchain.Chain
	if len(e.presp.data) > 0 {
		chain = bufchain.New(e.presp.data)
	} else {
		chain = bufchain.New(nil)
	}
	_ = framing.WriteFrame(e.Sink, e.Role, true, e.presp.isLinkControl, e.presp.seq, chain)
}

func (e *Engine) disconnect() {
	hadPending := e.pending.active
	wasLinkControl := e.pending.isLinkControl
	e.pending.active = false
	e.conn.active = false
	if e.Log != nil {
		e.Log.Info("disconnected")
	}
	if e.ConnectionChanged != nil {
		e.ConnectionChanged(false)
	}
	if hadPending && !wasLinkControl && e.RequestComplete != nil {
		e.RequestComplete(false, nil)
	}
}

// handleLinkControlPacket implements spec §4.4.2. It is intentionally
// idempotent (always re-derives its response from current state) so that a
// duplicate link-control request never needs a cached byte slice, per
// spec §9's open question about discarded link-control responses.
func (e *Engine) handleLinkControlPacket(isResponse bool, seq byte, data []byte) bool {
	ourRoleIsServer := e.Role == framing.RoleServer
	if ourRoleIsServer == isResponse {
		// Link-control requests flow client->server only; responses server->client only.
		e.Errors.BumpInvalidPacket()
		return false
	}

	if isResponse {
		if len(data) != 0 {
			e.Errors.BumpInvalidPacket()
			return false
		}
		requestLen := 0
		if e.pending.payload != nil {
			requestLen = e.pending.payload.Len()
		}
		didConnect := !e.conn.active && e.pending.isLinkControl && requestLen == 1
		e.pending.active = false
		e.conn.active = true
		if didConnect {
			if e.Log != nil {
				e.Log.Info("connected")
			}
			if e.ConnectionChanged != nil {
				e.ConnectionChanged(true)
			}
		}
		return true
	}

	switch len(data) {
	case 0:
		if !e.conn.active {
			e.Errors.BumpUnexpectedPacket()
			return false
		}
	case 1:
		if e.conn.active {
			e.disconnect()
		}
		// The peer's chosen initial sequence number becomes our own
		// outgoing-request baseline: our very next send_request (be it a
		// data request on the server side, or a notify-style push on
		// whichever side initiates one) will carry seq == data[0].
		e.pending.seq = data[0] - 1
		e.conn.active = true
		if e.Log != nil {
			e.Log.Info("connected")
		}
		if e.ConnectionChanged != nil {
			e.ConnectionChanged(true)
		}
	default:
		e.Errors.BumpInvalidPacket()
		return false
	}

	e.presp = pendingResponse{active: true, isLinkControl: true, seq: seq}
	e.sendPendingResponse()
	return true
}

// OnPacket is the framing.PacketHandler this Engine should be wired to.
func (e *Engine) OnPacket(isResponse, isLinkControl bool, seq byte, data []byte) {
	switch {
	case !isLinkControl && !e.conn.active:
		e.Errors.BumpUnexpectedPacket()
		return
	case isResponse && !e.pending.active:
		e.Errors.BumpUnexpectedPacket()
		return
	case isResponse && seq != e.pending.seq:
		e.Errors.BumpInvalidSequenceNumber()
		return
	case !isLinkControl && !isResponse && seq == e.conn.prevRxSeq:
		// Duplicate of the previous request: retransmit the cached
		// response, or silently drop if the handler rejected it last time.
		if e.presp.active {
			e.sendPendingResponse()
		}
		return
	case !isLinkControl && !isResponse && byte(seq-1) != e.conn.prevRxSeq:
		e.Errors.BumpInvalidSequenceNumber()
		return
	}

	if isLinkControl {
		if !e.handleLinkControlPacket(isResponse, seq, data) {
			return
		}
		if !isResponse {
			e.conn.prevRxSeq = seq
		}
	} else if isResponse {
		e.pending.active = false
		if e.RequestComplete != nil {
			e.RequestComplete(true, data)
		}
	} else {
		e.conn.prevRxSeq = seq
		e.presp.active = false

		var response []byte
		var ok bool
		if e.RequestHandler != nil {
			response, ok = e.RequestHandler(data)
		}
		if !ok {
			return
		}
		e.presp = pendingResponse{active: true, isLinkControl: false, seq: seq, data: response}
		e.sendPendingResponse()
	}

	e.conn.lastPacketTimeMs = e.Clock.NowMs()
}

// Tick drives retransmission, timeout, and (client-side) connection
// establishment/maintenance. Call it every time Process runs, after
// feeding any inbound bytes.
func (e *Engine) Tick() {
	now := e.Clock.NowMs()
	msSinceLastPacket := now - e.conn.lastPacketTimeMs

	if e.conn.active && msSinceLastPacket >= ConnectionTimeoutMs {
		if e.Log != nil {
			e.Log.Info("connection timed out")
		}
		e.disconnect()
	}

	switch {
	case e.pending.active:
		if now-e.pending.firstSendMs >= RequestTimeoutMs {
			e.pending.active = false
			if e.pending.isLinkControl {
				if e.Log != nil {
					e.Log.Warn("link control request timed out")
				}
			} else {
				if e.Log != nil {
					e.Log.Warn("request timed out")
				}
				if e.RequestComplete != nil {
					e.RequestComplete(false, nil)
				}
			}
		} else if now-e.pending.lastSendMs >= RequestRetryIntervalMs {
			e.sendPendingRequest()
			e.Errors.BumpRetries()
		}

	case e.Role == framing.RoleClient:
		if !e.conn.active {
			connectionData := byte(now & 0xff)
			e.conn.prevRxSeq = connectionData - 1
			e.setPendingRequest(true, bufchain.New([]byte{connectionData}))
			e.sendPendingRequest()
		} else if msSinceLastPacket >= ConnectionMaintenanceIntervalMs {
			e.setPendingRequest(true, nil)
			e.sendPendingRequest()
		}
	}
}
