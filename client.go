package sonar

import (
	"github.com/sirupsen/logrus"

	"github.com/leso-kn/sonar/internal/applayer"
	"github.com/leso-kn/sonar/internal/attribute"
	attrclient "github.com/leso-kn/sonar/internal/attribute/client"
	"github.com/leso-kn/sonar/internal/framing"
	"github.com/leso-kn/sonar/internal/linklayer"
	"github.com/leso-kn/sonar/internal/protoerr"
)

// ClientConfig collects the callbacks and tuning a Client needs at
// construction. WriteByte and NowMs are the only two required fields
// (spec §1's "physical byte transport" and "wall clock" collaborators).
type ClientConfig struct {
	// WriteByte transmits a single byte to the transport.
	WriteByte func(b byte) error
	// NowMs returns a monotonically non-decreasing millisecond timestamp.
	NowMs func() uint64
	// ConnectionChanged, if set, is invoked once discovery fully completes
	// after connecting (connected=true), or with connected=false when
	// discovery fails at any step or the link disconnects — spec §4.8: "the client's attribute-available
	// transitions are what user code observes as connected."
	ConnectionChanged func(connected bool)
	// Notify, if set, receives every inbound notify for a registered,
	// available attribute.
	Notify func(attr *Attribute, data []byte)
	// MaxPacketLen bounds the receive scratch buffer; 0 uses a default
	// sized for the control channel plus headroom.
	MaxPacketLen int
	// Log, if set, receives link-layer lifecycle events.
	Log *logrus.Entry
}

// Client is a SONAR client endpoint: it issues reads, writes, and
// discovers which of its registered attributes the connected server
// actually exposes.
type Client struct {
	link *linklayer.Engine
	app  *applayer.Layer
	attr *attrclient.Client
	rx   *framing.Receiver
}

// NewClient constructs a Client wired end to end: link layer ->
// application layer -> attribute client, matching spec §4.8's composition.
func NewClient(cfg ClientConfig) (*Client, error) {
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
		Role:   framing.RoleClient,
		Clock:  clock,
		Sink:   sink,
		Errors: errs,
		Log:    cfg.Log,
	}
	app := &applayer.Layer{IsServer: false}
	applayer.Wire(app, link)

	attrCli := attrclient.NewClient(app)
	attrCli.OnNotify = func(attr *attribute.Attribute, data []byte) {
		if cfg.Notify != nil {
			cfg.Notify(attr, data)
		}
	}
	attrCli.ConnectionChanged = cfg.ConnectionChanged
	link.ConnectionChanged = attrCli.HandleConnectionChanged

	rx := framing.NewReceiver(framing.RoleClient, maxPacketLen, errs, link.OnPacket)

	return &Client{link: link, app: app, attr: attrCli, rx: rx}, nil
}

// Register adds attr to the client's registry. Must happen before the
// first Process call that observes a connection, since discovery walks
// the registry as it stood at connect time.
func (c *Client) Register(attr *Attribute) error {
	return c.attr.Register(attr)
}

// Process feeds inbound bytes through the framer and drives retransmit/
// timeout/connection-maintenance logic. Call it frequently (every few
// milliseconds) even with an empty rx slice.
func (c *Client) Process(rx []byte) {
	c.rx.FeedAll(rx)
	c.link.Tick()
}

// IsConnected reports the link layer's own connection state. Note this
// flips true before attribute discovery runs; ConnectionChanged is the
// signal that discovery has completed and attributes are usable.
func (c *Client) IsConnected() bool { return c.link.IsConnected() }

// Read issues a read request for attr, which must be registered and
// confirmed available by discovery. The result arrives later, via the
// callback set with OnAttributeRead.
func (c *Client) Read(attr *Attribute) error { return c.attr.Read(attr) }

// Write issues a write request for attr with data.
func (c *Client) Write(attr *Attribute, data []byte) error { return c.attr.Write(attr, data) }

// OnAttributeRead sets the completion callback for outstanding read
// requests (keyed by attribute ID in the callback's second argument).
func (c *Client) OnAttributeRead(fn func(success bool, attrID uint16, data []byte)) {
	c.attr.ReadComplete = fn
}

// OnAttributeWrite sets the completion callback for outstanding write
// requests.
func (c *Client) OnAttributeWrite(fn func(success bool, attrID uint16, data []byte)) {
	c.attr.WriteComplete = fn
}

// Attributes returns a read-only, availability-annotated snapshot of the
// client's registry, for diagnostic/console use.
func (c *Client) Attributes() []Summary { return c.attr.Attributes() }

// GetAndClearErrors atomically reads and resets the error counters. The
// framer and link layer share a single counter set, so one call covers
// both framing and protocol errors (spec §7).
func (c *Client) GetAndClearErrors() Errors { return c.link.Errors.GetAndClear() }
