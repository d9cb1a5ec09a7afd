package ids

import "sync"

// Namespace selects one of the three disjoint identifier sequences the
// gateway protocol uses. Order ids label order placements, request ids
// label one-shot queries and ticker ids label market data subscriptions.
type Namespace int

const (
	Order Namespace = iota
	Request
	Ticker

	namespaceCount
)

func (n Namespace) String() string {
	switch n {
	case Order:
		return "order"
	case Request:
		return "request"
	case Ticker:
		return "ticker"
	}
	return "unknown"
}

// Allocator hands out monotonically increasing identifiers per namespace.
// A value is never reused for the lifetime of the allocator, even after the
// request it labelled has been cancelled: a stale gateway error carrying an
// old id must never attach to a newer request.
type Allocator struct {
	mu   sync.Mutex
	next [namespaceCount]int64
}

// NewAllocator returns an allocator whose sequences start at start. The
// gateway treats 0 as a valid id, so callers normally start at 1.
func NewAllocator(start int64) *Allocator {
	a := &Allocator{}
	for i := range a.next {
		a.next[i] = start
	}
	return a
}

// Next returns the next identifier in the namespace.
func (a *Allocator) Next(ns Namespace) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next[ns]
	a.next[ns]++
	return id
}

// Resync raises the namespace floor so the next allocated value is at least
// floor. The gateway announces the first usable order id at session start
// and the counter must only ever move up: moving down would reissue an id
// the gateway already considers consumed.
func (a *Allocator) Resync(ns Namespace, floor int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if floor > a.next[ns] {
		a.next[ns] = floor
	}
}

// Peek reports the value Next would return without consuming it.
func (a *Allocator) Peek(ns Namespace) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next[ns]
}
