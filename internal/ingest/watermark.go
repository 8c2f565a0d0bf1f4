package ingest

import "sync"

// Watermark tracks the highest block whose events have all been applied.
// The source advances it as ranges are fully emitted; workers hold it back
// until each dispatched event is done.
type Watermark struct {
	mu      sync.Mutex
	through uint64
	pending map[uint64]int
}

// NewWatermark starts at the last block known to be fully applied.
func NewWatermark(start uint64) *Watermark {
	return &Watermark{through: start, pending: make(map[uint64]int)}
}

// Dispatch registers an in-flight event from block.
func (w *Watermark) Dispatch(block uint64) {
	w.mu.Lock()
	w.pending[block]++
	w.mu.Unlock()
}

// Done releases an event registered with Dispatch.
func (w *Watermark) Done(block uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[block] <= 1 {
		delete(w.pending, block)
		return
	}
	w.pending[block]--
}

// Advance records that every log up to block has been emitted.
func (w *Watermark) Advance(block uint64) {
	w.mu.Lock()
	if block > w.through {
		w.through = block
	}
	w.mu.Unlock()
}

// Safe returns the block that can be checkpointed.
func (w *Watermark) Safe() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	safe := w.through
	for block := range w.pending {
		if block == 0 {
			return 0
		}
		if block-1 < safe {
			safe = block - 1
		}
	}
	return safe
}

// Pending returns the number of in-flight events.
func (w *Watermark) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.pending {
		n += c
	}
	return n
}
