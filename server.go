package sonar

import (
	"github.com/sirupsen/logrus"

	"github.com/leso-kn/sonar/internal/applayer"
	"github.com/leso-kn/sonar/internal/attribute"
	attrserver "github.com/leso-kn/sonar/internal/attribute/server"
	"github.com/leso-kn/sonar/internal/framing"
	"github.com/leso-kn/sonar/internal/linklayer"
	"github.com/leso-kn/sonar/internal/protoerr"
)

// ReadHandler is invoked synchronously to populate buf and report how
// many bytes were written, for an inbound read of attr or a
// Server.NotifyReadData call.
type ReadHandler func(attr *Attribute, buf []byte) (n int, ok bool)

// WriteHandler is invoked synchronously with an inbound write's payload.
type WriteHandler func(attr *Attribute, data []byte) bool

// ServerConfig collects the callbacks a Server needs at construction.
type ServerConfig struct {
	// WriteByte transmits a single byte to the transport.
	WriteByte func(b byte) error
	// NowMs returns a monotonically non-decreasing millisecond timestamp.
	NowMs func() uint64
	// ConnectionChanged, if set, is invoked on every connect/disconnect edge.
	ConnectionChanged func(connected bool)
	// MaxPacketLen bounds the receive scratch buffer; 0 uses a default.
	MaxPacketLen int
	// Log, if set, receives link-layer lifecycle events.
	Log *logrus.Entry
}

// Server is a SONAR server endpoint: it answers read/write requests for
// its registered attributes and can push notifies to a connected client.
type Server struct {
	link *linklayer.Engine
	app  *applayer.Layer
	attr *attrserver.Server
	rx   *framing.Receiver
}

// NewServer constructs a Server wired end to end, matching spec §4.8's
// composition.
func NewServer(cfg ServerConfig) (*Server, error) {
	sink, clock, err := wrapTransport(cfg.WriteByte, cfg.NowMs)
	if err != nil {
		return nil, err
	}

	maxPacketLen := cfg.MaxPacketLen
	if maxPacketLen == 0 {
		maxPacketLen = defaultMaxPacketLen
	}

	errs := &protoerr.Counters{}
	link := &linklayer.Engine{
		Role:              framing.RoleServer,
		Clock:             clock,
		Sink:              sink,
		Errors:            errs,
		Log:               cfg.Log,
		ConnectionChanged: cfg.ConnectionChanged,
	}
	app := &applayer.Layer{IsServer: true}
	applayer.Wire(app, link)

	attrSrv := attrserver.NewServer(app)

	rx := framing.NewReceiver(framing.RoleServer, maxPacketLen, errs, link.OnPacket)

	return &Server{link: link, app: app, attr: attrSrv, rx: rx}, nil
}

// Register adds attr to the server's registry with its read/write
// handlers. Must happen before connection.
func (s *Server) Register(attr *Attribute, read ReadHandler, write WriteHandler) error {
	var rh attrserver.ReadHandler
	if read != nil {
		rh = func(a *attribute.Attribute, buf []byte) (int, bool) { return read(a, buf) }
	}
	var wh attrserver.WriteHandler
	if write != nil {
		wh = func(a *attribute.Attribute, data []byte) bool { return write(a, data) }
	}
	return s.attr.Register(attr, rh, wh)
}

// Process feeds inbound bytes through the framer and drives retransmit/
// timeout/connection-maintenance logic.
func (s *Server) Process(rx []byte) {
	s.rx.FeedAll(rx)
	s.link.Tick()
}

// IsConnected reports whether a client is currently connected.
func (s *Server) IsConnected() bool { return s.link.IsConnected() }

// Notify copies data into attr's request buffer and pushes it to the
// connected client. attr must carry the notify op bit.
func (s *Server) Notify(attr *Attribute, data []byte) error {
	return s.attr.Notify(attr, data)
}

// NotifyReadData invokes attr's read handler to populate its request
// buffer, then notifies with the result. attr must carry both the read
// and notify op bits.
func (s *Server) NotifyReadData(attr *Attribute) error {
	return s.attr.NotifyReadData(attr)
}

// Attributes returns a read-only snapshot of the server's registry, for
// diagnostic/console use.
func (s *Server) Attributes() []Summary { return s.attr.Attributes() }

// GetAndClearErrors atomically reads and resets the error counters.
func (s *Server) GetAndClearErrors() Errors { return s.link.Errors.GetAndClear() }
