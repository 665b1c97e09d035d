// Command sonar-console is a diagnostic command-line client for a SONAR
// server reachable over a UART: connect, read or write one attribute,
// watch for notifies, list the client's attribute registry, or dump error
// counters. It is intentionally narrow — one subcommand, one attribute,
// one run — not a general-purpose scriptable shell.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/leso-kn/sonar"
	serialtransport "github.com/leso-kn/sonar/transport/serial"
)

var log = logrus.New()

func main() {
	app := cli.NewApp()
	app.Name = "sonar-console"
	app.Usage = "diagnostic client for a SONAR UART endpoint"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "port", Usage: "serial device, e.g. /dev/ttyUSB0"},
		cli.UintFlag{Name: "baud", Value: 115200, Usage: "baud rate"},
		cli.StringFlag{Name: "config", Usage: "JSON file with default port/baud"},
		cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "operation timeout"},
		cli.BoolFlag{Name: "debug", Usage: "verbose logging"},
	}

	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			log.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	app.Commands = []cli.Command{
		connectCmd,
		readCmd,
		writeCmd,
		notifyCmd,
		errorsCmd,
		listAttrsCmd,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolvePort(c *cli.Context) (name string, baud uint, err error) {
	name = c.GlobalString("port")
	baud = c.GlobalUint("baud")
	if cfgPath := c.GlobalString("config"); cfgPath != "" {
		cfg, err := loadPortConfig(cfgPath)
		if err != nil {
			return "", 0, err
		}
		if name == "" {
			name = cfg.Port
		}
		if !c.GlobalIsSet("baud") && cfg.Baud != 0 {
			baud = cfg.Baud
		}
	}
	if name == "" {
		return "", 0, errors.New("console: --port (or --config) is required")
	}
	return name, baud, nil
}

func openClient(c *cli.Context, onNotify func(attr *sonar.Attribute, data []byte)) (*sonar.Client, *serialtransport.Port, error) {
	name, baud, err := resolvePort(c)
	if err != nil {
		return nil, nil, err
	}

	entry := log.WithField("port", name)
	port, err := serialtransport.Open(serialtransport.Options{PortName: name, BaudRate: baud}, entry)
	if err != nil {
		return nil, nil, err
	}

	client, err := sonar.NewClient(sonar.ClientConfig{
		WriteByte: port.WriteByte,
		NowMs:     nowMs,
		ConnectionChanged: func(ok bool) {
			entry.WithField("connected", ok).Info("connection state changed")
		},
		Notify: onNotify,
		Log:    entry,
	})
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	return client, port, nil
}

var connectCmd = cli.Command{
	Name:  "connect",
	Usage: "open the port and wait for discovery to complete",
	Action: func(c *cli.Context) error {
		client, port, err := openClient(c, nil)
		if err != nil {
			return err
		}
		defer port.Close()

		timeout := c.GlobalDuration("timeout")
		err = runUntil(client, port, timeout, client.IsConnected)
		if err != nil {
			return err
		}
		fmt.Println("connected")
		return nil
	},
}

var readCmd = cli.Command{
	Name:  "read",
	Usage: "read one attribute",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "attr", Usage: "attribute id (0x000-0xFFF)"},
		cli.UintFlag{Name: "size", Value: 32, Usage: "attribute max size in bytes"},
	},
	Action: func(c *cli.Context) error {
		client, port, err := openClient(c, nil)
		if err != nil {
			return err
		}
		defer port.Close()

		attr, err := sonar.NewAttribute(uint16(c.Uint("attr")), uint32(c.Uint("size")), sonar.OpRead)
		if err != nil {
			return errors.Wrap(err, "console: invalid attribute")
		}
		if err := client.Register(attr); err != nil {
			return err
		}

		var result []byte
		var gotResponse bool
		client.OnAttributeRead(func(success bool, attrID uint16, data []byte) {
			gotResponse = true
			if success {
				result = append([]byte(nil), data...)
			}
		})

		timeout := c.GlobalDuration("timeout")
		if err := runUntil(client, port, timeout, client.IsConnected); err != nil {
			return err
		}
		if err := client.Read(attr); err != nil {
			return err
		}
		if err := runUntil(client, port, timeout, func() bool { return gotResponse }); err != nil {
			return err
		}
		fmt.Printf("%x\n", result)
		return nil
	},
}

var writeCmd = cli.Command{
	Name:  "write",
	Usage: "write one attribute",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "attr", Usage: "attribute id (0x000-0xFFF)"},
		cli.StringFlag{Name: "hex", Usage: "data to write, hex-encoded"},
	},
	Action: func(c *cli.Context) error {
		data, err := decodeHex(c.String("hex"))
		if err != nil {
			return errors.Wrap(err, "console: --hex")
		}

		client, port, err := openClient(c, nil)
		if err != nil {
			return err
		}
		defer port.Close()

		attr, err := sonar.NewAttribute(uint16(c.Uint("attr")), uint32(len(data)), sonar.OpWrite)
		if err != nil {
			return errors.Wrap(err, "console: invalid attribute")
		}
		if err := client.Register(attr); err != nil {
			return err
		}

		var wrote bool
		var succeeded bool
		client.OnAttributeWrite(func(success bool, attrID uint16, _ []byte) {
			wrote = true
			succeeded = success
		})

		timeout := c.GlobalDuration("timeout")
		if err := runUntil(client, port, timeout, client.IsConnected); err != nil {
			return err
		}
		if err := client.Write(attr, data); err != nil {
			return err
		}
		if err := runUntil(client, port, timeout, func() bool { return wrote }); err != nil {
			return err
		}
		if !succeeded {
			return errors.New("console: write rejected")
		}
		fmt.Println("ok")
		return nil
	},
}

var notifyCmd = cli.Command{
	Name:  "notify",
	Usage: "watch for notifies on one attribute until timeout",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "attr", Usage: "attribute id (0x000-0xFFF)"},
		cli.UintFlag{Name: "size", Value: 32, Usage: "attribute max size in bytes"},
		cli.UintFlag{Name: "count", Value: 1, Usage: "number of notifies to wait for"},
	},
	Action: func(c *cli.Context) error {
		wantID := uint16(c.Uint("attr"))
		want := int(c.Uint("count"))
		got := 0

		client, port, err := openClient(c, func(attr *sonar.Attribute, data []byte) {
			if attr.ID != wantID {
				return
			}
			got++
			fmt.Printf("%x\n", data)
		})
		if err != nil {
			return err
		}
		defer port.Close()

		attr, err := sonar.NewAttribute(wantID, uint32(c.Uint("size")), sonar.OpNotify)
		if err != nil {
			return errors.Wrap(err, "console: invalid attribute")
		}
		if err := client.Register(attr); err != nil {
			return err
		}

		timeout := c.GlobalDuration("timeout")
		if err := runUntil(client, port, timeout, client.IsConnected); err != nil {
			return err
		}
		return runUntil(client, port, timeout, func() bool { return got >= want })
	},
}

var errorsCmd = cli.Command{
	Name:  "errors",
	Usage: "dump and clear error counters",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "json", Usage: "emit JSON instead of a table"},
	},
	Action: func(c *cli.Context) error {
		client, port, err := openClient(c, nil)
		if err != nil {
			return err
		}
		defer port.Close()

		timeout := c.GlobalDuration("timeout")
		_ = runUntil(client, port, timeout, client.IsConnected)

		snap := client.GetAndClearErrors()
		if c.Bool("json") {
			raw, err := jsonCfg.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		}
		fmt.Printf("invalid_header=%d invalid_crc=%d buffer_overflow=%d invalid_escape=%d\n",
			snap.InvalidHeader, snap.InvalidCRC, snap.BufferOverflow, snap.InvalidEscapeSequence)
		fmt.Printf("invalid_packet=%d unexpected_packet=%d invalid_sequence=%d retries=%d\n",
			snap.InvalidPacket, snap.UnexpectedPacket, snap.InvalidSequenceNumber, snap.Retries)
		return nil
	},
}

var listAttrsCmd = cli.Command{
	Name:  "list-attrs",
	Usage: "connect and list the client's own registry with availability flags (this command registers none; the server's table is not recorded)",
	Action: func(c *cli.Context) error {
		client, port, err := openClient(c, nil)
		if err != nil {
			return err
		}
		defer port.Close()

		timeout := c.GlobalDuration("timeout")
		if err := runUntil(client, port, timeout, client.IsConnected); err != nil {
			return err
		}

		for _, s := range client.Attributes() {
			fmt.Printf("0x%03x ops=%s max=%d available=%t\n", s.ID, opsString(s.Ops), s.MaxSize, s.IsAvailable)
		}
		return nil
	},
}

func opsString(ops sonar.OpSet) string {
	out := ""
	if ops.Has(sonar.OpRead) {
		out += "R"
	}
	if ops.Has(sonar.OpWrite) {
		out += "W"
	}
	if ops.Has(sonar.OpNotify) {
		out += "N"
	}
	if out == "" {
		return "-"
	}
	return out
}

func decodeHex(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)/2)
	if len(s)%2 != 0 {
		return nil, errors.New("odd-length hex string")
	}
	for i := 0; i < len(s); i += 2 {
		var hi, lo byte
		var err error
		if hi, err = hexNibble(s[i]); err != nil {
			return nil, err
		}
		if lo, err = hexNibble(s[i+1]); err != nil {
			return nil, err
		}
		out = append(out, hi<<4|lo)
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	}
	return 0, errors.Errorf("invalid hex digit %q", c)
}
