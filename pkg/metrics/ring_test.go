package metrics

import (
	"testing"
	"time"

	"github.com/cuemby/agentswarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingRecentOrderAndEviction(t *testing.T) {
	r := newRing(4)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		r.Add(&types.MetricsSample{TS: base.Add(time.Duration(i) * time.Second), QueueLen: i})
	}

	require.Equal(t, 4, r.Len())
	recent := r.Recent(0)
	require.Len(t, recent, 4)
	// the first two samples (QueueLen 0, 1) should have been evicted
	assert.Equal(t, 2, recent[0].QueueLen)
	assert.Equal(t, 5, recent[3].QueueLen)
}

func TestRingLatest(t *testing.T) {
	r := NewRing()
	assert.Nil(t, r.Latest())

	r.Add(&types.MetricsSample{QueueLen: 1})
	r.Add(&types.MetricsSample{QueueLen: 2})
	assert.Equal(t, 2, r.Latest().QueueLen)
}

func TestRingRecentFewerThanCapacity(t *testing.T) {
	r := NewRing()
	r.Add(&types.MetricsSample{QueueLen: 1})
	r.Add(&types.MetricsSample{QueueLen: 2})
	r.Add(&types.MetricsSample{QueueLen: 3})

	out := r.Recent(2)
	require.Len(t, out, 2)
	assert.Equal(t, 2, out[0].QueueLen)
	assert.Equal(t, 3, out[1].QueueLen)
}
