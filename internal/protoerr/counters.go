// Package protoerr holds the shared error-counter type incremented by the
// framing and link layers and read back through the public API's
// GetAndClearErrors.
package protoerr

import "sync/atomic"

// Counters tallies the non-fatal error taxonomy from spec §4.4.5. Every
// field is incremented with atomic.AddUint32 so GetAndClear can be called
// safely even if a user reads counters from a different goroutine than the
// one driving Process (the engine itself remains single-threaded; only the
// counters are safe to read cross-goroutine).
type Counters struct {
	InvalidHeader         uint32
	InvalidCRC             uint32
	BufferOverflow         uint32
	InvalidEscapeSequence  uint32
	InvalidPacket          uint32
	UnexpectedPacket       uint32
	InvalidSequenceNumber  uint32
	Retries                uint32
}

func (c *Counters) bump(f *uint32) { atomic.AddUint32(f, 1) }

func (c *Counters) BumpInvalidHeader()        { c.bump(&c.InvalidHeader) }
func (c *Counters) BumpInvalidCRC()            { c.bump(&c.InvalidCRC) }
func (c *Counters) BumpBufferOverflow()        { c.bump(&c.BufferOverflow) }
func (c *Counters) BumpInvalidEscapeSequence() { c.bump(&c.InvalidEscapeSequence) }
func (c *Counters) BumpInvalidPacket()         { c.bump(&c.InvalidPacket) }
func (c *Counters) BumpUnexpectedPacket()      { c.bump(&c.UnexpectedPacket) }
func (c *Counters) BumpInvalidSequenceNumber() { c.bump(&c.InvalidSequenceNumber) }
func (c *Counters) BumpRetries()               { c.bump(&c.Retries) }

// GetAndClear atomically snapshots the counters and resets them to zero.
func (c *Counters) GetAndClear() Counters {
	snap := Counters{
		InvalidHeader:         atomic.SwapUint32(&c.InvalidHeader, 0),
		InvalidCRC:             atomic.SwapUint32(&c.InvalidCRC, 0),
		BufferOverflow:         atomic.SwapUint32(&c.BufferOverflow, 0),
		InvalidEscapeSequence:  atomic.SwapUint32(&c.InvalidEscapeSequence, 0),
		InvalidPacket:          atomic.SwapUint32(&c.InvalidPacket, 0),
		UnexpectedPacket:       atomic.SwapUint32(&c.UnexpectedPacket, 0),
		InvalidSequenceNumber:  atomic.SwapUint32(&c.InvalidSequenceNumber, 0),
		Retries:                atomic.SwapUint32(&c.Retries, 0),
	}
	return snap
}
