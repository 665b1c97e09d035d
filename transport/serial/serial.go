// Package serial provides the concrete UART byte transport for SONAR: it
// opens a real serial port via jacobsa/go-serial and exposes the
// WriteByte/inbound-push shape the protocol's link layer needs (spec §1's
// "physical byte transport, provided as two callbacks").
package serial

import (
	"io"

	goserial "github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options configures the port. BaudRate and DataBits follow
// jacobsa/go-serial's OpenOptions; sensible SONAR defaults (one start bit,
// eight data bits, one stop bit, no parity) are filled in by Open when
// left zero.
type Options struct {
	PortName string
	BaudRate uint
	DataBits uint
	StopBits uint
	// MinimumReadSize is the number of bytes Read blocks for; 1 gives the
	// lowest latency for a request/response protocol like this one.
	MinimumReadSize uint
}

func (o Options) withDefaults() goserial.OpenOptions {
	dataBits := o.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	stopBits := o.StopBits
	if stopBits == 0 {
		stopBits = 1
	}
	minRead := o.MinimumReadSize
	if minRead == 0 {
		minRead = 1
	}
	return goserial.OpenOptions{
		PortName:        o.PortName,
		BaudRate:        o.BaudRate,
		DataBits:        dataBits,
		StopBits:        stopBits,
		MinimumReadSize: minRead,
	}
}

// Port wraps an open serial connection. WriteByte satisfies the
// framing.ByteSink / linklayer Sink contract directly; inbound bytes are
// delivered to a caller-supplied sink via Run's read pump.
type Port struct {
	conn io.ReadWriteCloser
	log  *logrus.Entry
}

// Open opens the named serial port with the given options.
func Open(opts Options, log *logrus.Entry) (*Port, error) {
	if opts.PortName == "" {
		return nil, errors.New("serial: PortName is required")
	}
	if opts.BaudRate == 0 {
		return nil, errors.New("serial: BaudRate is required")
	}
	conn, err := goserial.Open(opts.withDefaults())
	if err != nil {
		return nil, errors.Wrapf(err, "serial: open %s", opts.PortName)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Port{conn: conn, log: log}, nil
}

// WriteByte transmits a single byte, satisfying framing.ByteSink.
func (p *Port) WriteByte(b byte) error {
	_, err := p.conn.Write([]byte{b})
	return err
}

// Close closes the underlying connection.
func (p *Port) Close() error { return p.conn.Close() }

// Run starts the read pump: it blocks reading chunks from the port and
// calls onData with each chunk, until the port is closed or the read
// errors. This is SONAR's one sanctioned goroutine (SPEC_FULL §5) — the
// engine itself stays single-threaded; callers must invoke Process only
// from the same goroutine that drains onData (e.g. by having onData hand
// bytes off through a channel the caller's own loop reads).
func (p *Port) Run(onData func(chunk []byte)) error {
	buf := make([]byte, 256)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			onData(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			p.log.WithError(err).Warn("serial read pump stopped")
			return err
		}
	}
}
