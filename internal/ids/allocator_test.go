package ids

import (
	"sync"
	"testing"
)

func TestNextIsStrictlyIncreasing(t *testing.T) {
	a := NewAllocator(1)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := a.Next(Request)
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	a := NewAllocator(1)
	a.Next(Order)
	a.Next(Order)
	a.Next(Order)
	if got := a.Next(Ticker); got != 1 {
		t.Fatalf("ticker namespace advanced by order allocations: got %d", got)
	}
	if got := a.Next(Request); got != 1 {
		t.Fatalf("request namespace advanced by order allocations: got %d", got)
	}
}

func TestResyncOnlyRaises(t *testing.T) {
	a := NewAllocator(1)
	a.Resync(Order, 500)
	if got := a.Next(Order); got != 500 {
		t.Fatalf("expected resynced id 500, got %d", got)
	}

	// A floor below the counter must be ignored.
	a.Resync(Order, 10)
	if got := a.Next(Order); got != 501 {
		t.Fatalf("resync lowered the counter: got %d", got)
	}
}

func TestResyncAfterAllocationsIsAtLeastFloor(t *testing.T) {
	a := NewAllocator(1)
	for i := 0; i < 20; i++ {
		a.Next(Order)
	}
	a.Resync(Order, 5)
	if got := a.Next(Order); got < 5+1 {
		t.Fatalf("allocated %d after resync to 5", got)
	}
}

func TestConcurrentNextNeverDuplicates(t *testing.T) {
	const workers = 8
	const perWorker = 200

	a := NewAllocator(1)
	var wg sync.WaitGroup
	out := make(chan int64, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				out <- a.Next(Order)
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[int64]struct{}, workers*perWorker)
	for id := range out {
		if _, dup := seen[id]; dup {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d ids, got %d", workers*perWorker, len(seen))
	}
}
