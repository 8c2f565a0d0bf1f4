package ingest

import "fmt"

// BlockRange is an inclusive block span.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in r.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// rangeCursor walks [from, to] in chunks of at most size blocks.
type rangeCursor struct {
	next uint64
	to   uint64
	size uint64
	done bool
}

func newRangeCursor(from, to, size uint64) (*rangeCursor, error) {
	if size == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block %d is before from block %d", to, from)
	}
	return &rangeCursor{next: from, to: to, size: size}, nil
}

// Next returns the following chunk, or false once to has been covered.
func (c *rangeCursor) Next() (BlockRange, bool) {
	if c.done {
		return BlockRange{}, false
	}
	end := c.to
	if c.to-c.next >= c.size {
		end = c.next + c.size - 1
	}
	r := BlockRange{From: c.next, To: end}
	if end == c.to {
		c.done = true
	} else {
		c.next = end + 1
	}
	return r, true
}
