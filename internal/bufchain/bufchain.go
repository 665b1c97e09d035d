// Package bufchain implements the intrusive, singly-linked byte-span chain
// SONAR uses to concatenate a small fixed header with a larger payload
// without copying either into a fresh buffer.
package bufchain

// Chain is one link of a singly-linked list of byte-slice views. The zero
// value is an empty chain.
type Chain struct {
	Bytes []byte
	Next  *Chain
}

// New returns a single-link chain wrapping b.
func New(b []byte) *Chain {
	return &Chain{Bytes: b}
}

// Append links tail onto the end of c and returns the head (c itself, so
// callers can chain construction: bufchain.New(header).Append(payload)).
func (c *Chain) Append(tail *Chain) *Chain {
	n := c
	for n.Next != nil {
		n = n.Next
	}
	n.Next = tail
	return c
}

// Len returns the total number of bytes across the whole chain starting at
// c, including c itself.
func (c *Chain) Len() int {
	n := 0
	for link := c; link != nil; link = link.Next {
		n += len(link.Bytes)
	}
	return n
}

// Walk calls fn once per byte, in chain order, starting at c. It stops and
// returns fn's error at the first failure.
func (c *Chain) Walk(fn func(b byte) error) error {
	for link := c; link != nil; link = link.Next {
		for _, b := range link.Bytes {
			if err := fn(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flatten copies the chain's bytes into a single freshly allocated slice.
// Only tests call this; the wire path walks the chain with Walk instead.
func (c *Chain) Flatten() []byte {
	out := make([]byte, 0, c.Len())
	for link := c; link != nil; link = link.Next {
		out = append(out, link.Bytes...)
	}
	return out
}
