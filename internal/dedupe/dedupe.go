// Package dedupe remembers which chain deliveries were already applied.
//
// The ledger is a fast path only. Every mirror mutation is also idempotent on
// its own, so a lost or evicted entry costs one redundant store round trip.
package dedupe

import (
	"context"
	"sync"
)

// Ledger records applied delivery keys.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
	Close() error
}

// MemoryLedger keeps the most recent keys in process memory.
type MemoryLedger struct {
	mu    sync.Mutex
	size  int
	keys  map[string]struct{}
	order []string
	next  int
}

// NewMemoryLedger keeps at most size keys, evicting the oldest first.
func NewMemoryLedger(size int) *MemoryLedger {
	if size <= 0 {
		size = 100_000
	}
	return &MemoryLedger{
		size:  size,
		keys:  make(map[string]struct{}, size),
		order: make([]string, size),
	}
}

func (l *MemoryLedger) Seen(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	_, ok := l.keys[key]
	l.mu.Unlock()
	return ok, nil
}

func (l *MemoryLedger) Mark(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.keys[key]; ok {
		return nil
	}
	if old := l.order[l.next]; old != "" {
		delete(l.keys, old)
	}
	l.order[l.next] = key
	l.keys[key] = struct{}{}
	l.next = (l.next + 1) % l.size
	return nil
}

// Len returns the number of remembered keys.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *MemoryLedger) Close() error { return nil }
