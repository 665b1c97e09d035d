package attrclient

import (
	"testing"

	"github.com/leso-kn/sonar/internal/applayer"
	"github.com/leso-kn/sonar/internal/attribute"
	attrserver "github.com/leso-kn/sonar/internal/attribute/server"
	"github.com/leso-kn/sonar/internal/bufchain"
)

func TestDiscoveryHappyPath(t *testing.T) {
	srvApp := &applayer.Layer{IsServer: true, Send: func(*bufchain.Chain) error { return nil }}
	srv := attrserver.NewServer(srvApp)
	known, _ := attribute.New(0x010, 4, attribute.OpRead|attribute.OpNotify)
	srv.Register(known, func(a *attribute.Attribute, buf []byte) (int, bool) { return copy(buf, "hi"), true }, nil)

	cliApp := &applayer.Layer{IsServer: false}
	cli := NewClient(cliApp)
	cliAttr, _ := attribute.New(0x010, 4, attribute.OpRead|attribute.OpNotify)
	cli.Register(cliAttr)

	var connected []bool
	cli.ConnectionChanged = func(c bool) { connected = append(connected, c) }

	// Wire the client's outbound requests directly into the server's
	// inbound handler and feed the server's response straight back into
	// the client's completion handlers, modeling a lossless link layer.
	cliApp.Send = func(payload *bufchain.Chain) error {
		req := payload.Flatten()
		op, attrID, _ := applayer.DecodeHeader(req)
		resp, ok := srvApp.HandleRequest(req)
		switch op {
		case applayer.OpRead:
			cliApp.HandleResponse(ok, resp)
		case applayer.OpWrite:
			cliApp.HandleResponse(ok, nil)
		}
		_ = attrID
		return nil
	}

	cli.HandleConnectionChanged(true)

	if len(connected) != 1 || !connected[0] {
		t.Fatalf("connected events = %v, want [true]", connected)
	}
	attrs := cli.Attributes()
	if len(attrs) != 1 || !attrs[0].IsAvailable {
		t.Fatalf("attributes = %+v, want one available entry", attrs)
	}
}

func TestDiscoveryAbortsOnFailure(t *testing.T) {
	cliApp := &applayer.Layer{IsServer: false}
	cli := NewClient(cliApp)
	attr, _ := attribute.New(0x020, 4, attribute.OpRead)
	cli.Register(attr)

	var connected []bool
	cli.ConnectionChanged = func(c bool) { connected = append(connected, c) }

	cliApp.Send = func(payload *bufchain.Chain) error {
		// Simulate the link layer failing the very first discovery read.
		cliApp.HandleResponse(false, nil)
		return nil
	}

	cli.HandleConnectionChanged(true)

	if len(connected) != 1 || connected[0] {
		t.Fatalf("connected events = %v, want [false]", connected)
	}
	if cli.Attributes()[0].IsAvailable {
		t.Fatal("attribute must not be marked available after a failed discovery")
	}
}

func TestDisconnectClearsAvailability(t *testing.T) {
	cliApp := &applayer.Layer{IsServer: false}
	cli := NewClient(cliApp)
	attr, _ := attribute.New(0x030, 4, attribute.OpRead)
	cli.Register(attr)
	cli.entries[0x030].isAvailable = true

	cli.HandleConnectionChanged(false)

	if cli.Attributes()[0].IsAvailable {
		t.Fatal("expected is_available to be cleared on disconnect")
	}
}

func TestReadRejectsUnavailableAttribute(t *testing.T) {
	cliApp := &applayer.Layer{IsServer: false}
	cli := NewClient(cliApp)
	attr, _ := attribute.New(0x040, 4, attribute.OpRead)
	cli.Register(attr)

	if err := cli.Read(attr); err != ErrUnavailable {
		t.Fatalf("Read on undiscovered attribute = %v, want ErrUnavailable", err)
	}
}

func TestNonDiscoveryCompletionsForwardToUser(t *testing.T) {
	cliApp := &applayer.Layer{IsServer: false, Send: func(*bufchain.Chain) error { return nil }}
	cli := NewClient(cliApp)
	attr, _ := attribute.New(0x050, 4, attribute.OpRead)
	cli.Register(attr)
	cli.entries[0x050].isAvailable = true

	var gotData []byte
	cli.ReadComplete = func(success bool, attrID uint16, data []byte) {
		gotData = data
	}

	if err := cli.Read(attr); err != nil {
		t.Fatalf("Read: %v", err)
	}
	cliApp.HandleResponse(true, []byte{0xAA})

	if len(gotData) != 1 || gotData[0] != 0xAA {
		t.Fatalf("user ReadComplete saw %x, want [AA]", gotData)
	}
}
