package main

import (
	"time"

	"github.com/pkg/errors"

	serialtransport "github.com/leso-kn/sonar/transport/serial"
)

func nowMs() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// processor is the subset of *sonar.Client / *sonar.Server that runUntil
// needs to drive: feeding inbound bytes and ticking retransmit/timeout
// logic. Both endpoint types implement it with the identical method set.
type processor interface {
	Process(rx []byte)
}

// runUntil opens the read pump on port and repeatedly calls ep.Process,
// either with a freshly arrived chunk or (every tick) with nothing, until
// done reports true or timeout elapses.
func runUntil(ep processor, port *serialtransport.Port, timeout time.Duration, done func() bool) error {
	inbound := make(chan []byte, 16)
	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- port.Run(func(chunk []byte) { inbound <- chunk })
		close(inbound)
	}()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-inbound:
			if !ok {
				return errors.Wrap(<-pumpErr, "console: serial read pump stopped")
			}
			ep.Process(chunk)
		case <-ticker.C:
			ep.Process(nil)
		}
		if done() {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("console: timed out waiting for the requested operation")
		}
	}
}
