package framing

import (
	"encoding/binary"

	"github.com/leso-kn/sonar/internal/bufchain"
	"github.com/leso-kn/sonar/internal/crc16"
)

// ByteSink is the single-byte transport write callback (spec §1's "single
// byte write" collaborator).
type ByteSink interface {
	WriteByte(b byte) error
}

// WriteFrame encodes and transmits one frame: FLAG, escaped header, escaped
// payload chain, escaped little-endian CRC footer, trailing FLAG. The CRC
// is computed over the unescaped header+payload bytes, per spec §4.3.
func WriteFrame(sink ByteSink, role Role, isResponse, isLinkControl bool, seq byte, payload *bufchain.Chain) error {
	h := header{
		isResponse:    isResponse,
		fromServer:    role == RoleServer,
		isLinkControl: isLinkControl,
		version:       ProtocolVersion,
		seq:           seq,
	}

	if err := sink.WriteByte(FLAG); err != nil {
		return err
	}

	var crc uint16 = crc16.InitialSeed
	emit := func(b byte) error {
		crc = crc16.Checksum([]byte{b}, crc)
		return escapeWrite(sink, b)
	}

	if err := emit(h.flagsByte()); err != nil {
		return err
	}
	if err := emit(h.seq); err != nil {
		return err
	}
	if payload != nil {
		if err := payload.Walk(emit); err != nil {
			return err
		}
	}

	footer := make([]byte, FooterLen)
	binary.LittleEndian.PutUint16(footer, crc)
	for _, b := range footer {
		if err := escapeWrite(sink, b); err != nil {
			return err
		}
	}

	return sink.WriteByte(FLAG)
}

func escapeWrite(sink ByteSink, b byte) error {
	if b == FLAG || b == ESCAPE {
		if err := sink.WriteByte(ESCAPE); err != nil {
			return err
		}
		return sink.WriteByte(b ^ EscapeXOR)
	}
	return sink.WriteByte(b)
}
