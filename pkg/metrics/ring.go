package metrics

import (
	"container/ring"
	"sync"

	"github.com/cuemby/agentswarm/pkg/types"
)

// sampleCapacity bounds how many MetricsSamples the in-memory ring holds.
const sampleCapacity = 100

// Ring is a fixed-capacity, mutex-protected history of metrics samples.
// The auto-scaler reads its latest sample from here without requiring
// a storage read.
type Ring struct {
	mu   sync.Mutex
	r    *ring.Ring
	cap  int
	size int
}

// NewRing creates an empty ring buffer at the default capacity.
func NewRing() *Ring {
	return newRing(sampleCapacity)
}

func newRing(capacity int) *Ring {
	return &Ring{r: ring.New(capacity), cap: capacity}
}

// Add appends a sample, evicting the oldest one once full.
func (rb *Ring) Add(s *types.MetricsSample) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	cp := *s
	rb.r.Value = &cp
	rb.r = rb.r.Next()
	if rb.size < rb.cap {
		rb.size++
	}
}

// Latest returns the most recently added sample, or nil if empty.
func (rb *Ring) Latest() *types.MetricsSample {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.size == 0 {
		return nil
	}
	prev := rb.r.Prev()
	s, _ := prev.Value.(*types.MetricsSample)
	return s
}

// Recent returns up to n of the most recent samples, oldest first. A
// non-positive n returns every sample currently held.
func (rb *Ring) Recent(n int) []*types.MetricsSample {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.size == 0 {
		return nil
	}
	if n <= 0 || n > rb.size {
		n = rb.size
	}

	out := make([]*types.MetricsSample, 0, n)
	cur := rb.r.Move(rb.cap - n)
	for i := 0; i < n; i++ {
		if s, ok := cur.Value.(*types.MetricsSample); ok {
			out = append(out, s)
		}
		cur = cur.Next()
	}
	return out
}

// Len reports how many samples are currently held.
func (rb *Ring) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}
