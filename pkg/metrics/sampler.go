package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
)

// AgentSource is the subset of coordinator state the sampler needs to
// read in order to compute an agent/task snapshot. It is satisfied by
// the swarm coordinator without this package importing it.
type AgentSource interface {
	ListAgents(types.AgentFilter) ([]*types.Agent, error)
	ListTasks(types.TaskFilter) ([]*types.Task, error)
}

// completion records one terminal task outcome, used to compute a
// trailing throughput and error rate.
type completion struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// Sampler periodically snapshots fleet-wide metrics into a bounded ring
// and, if a store is configured, mirrors each sample durably.
type Sampler struct {
	source   AgentSource
	store    storage.Store
	clk      clock.Clock
	interval time.Duration
	ring     *Ring

	mu          sync.Mutex
	completions []completion

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSampler builds a Sampler. store may be nil, in which case samples
// are kept only in the ring.
func NewSampler(source AgentSource, store storage.Store, clk clock.Clock, interval time.Duration) *Sampler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sampler{
		source:   source,
		store:    store,
		clk:      clk,
		interval: interval,
		ring:     NewRing(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RecordCompletion feeds one terminal task outcome into the rolling
// throughput/response-time/error-rate window; it does not block on the
// sample tick. No component in this module calls it, so in the running
// daemon the window stays empty and every sample reports zero
// throughput, response time and error rate.
func (s *Sampler) RecordCompletion(at time.Time, duration time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, completion{at: at, duration: duration, failed: failed})
	cutoff := at.Add(-5 * time.Minute)
	i := 0
	for i < len(s.completions) && s.completions[i].at.Before(cutoff) {
		i++
	}
	s.completions = s.completions[i:]
}

// Ring exposes the in-memory sample history for read-only consumers
// (the auto-scaler reads Latest from it).
func (s *Sampler) Ring() *Ring {
	return s.ring
}

// Start runs the sampling loop until ctx is cancelled or Stop is
// called.
func (s *Sampler) Start(ctx context.Context) {
	ticker := s.clk.NewTicker(s.interval)
	go func() {
		defer close(s.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C():
				s.sample()
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sampler) sample() {
	AgentsTotal.Reset()
	TasksTotal.Reset()

	sample, err := s.snapshot()
	if err != nil {
		log.Errorf("metrics sample failed", err)
		return
	}

	s.ring.Add(sample)

	if s.store != nil {
		if err := s.store.PutMetricsSample(sample); err != nil {
			log.Errorf("persist metrics sample", err)
		}
	}
}

func (s *Sampler) snapshot() (*types.MetricsSample, error) {
	agents, err := s.source.ListAgents(types.AgentFilter{})
	if err != nil {
		return nil, err
	}
	tasks, err := s.source.ListTasks(types.TaskFilter{})
	if err != nil {
		return nil, err
	}

	var active, idle int
	for _, a := range agents {
		switch a.Status {
		case types.AgentBusy, types.AgentStarting:
			active++
		case types.AgentIdle:
			idle++
		}
		AgentsTotal.WithLabelValues(string(a.Status)).Inc()
	}

	var queued int
	byStatus := make(map[types.TaskStatus]int)
	for _, t := range tasks {
		byStatus[t.Status]++
		if t.Status == types.TaskPending || t.Status == types.TaskAssigned {
			queued++
		}
	}
	for status, count := range byStatus {
		TasksTotal.WithLabelValues(string(status)).Add(float64(count))
	}

	now := s.clk.Now()
	throughput, p50, errRate := s.windowStats(now)

	return &types.MetricsSample{
		TS:             now,
		QueueLen:       queued,
		ActiveAgents:   active,
		IdleAgents:     idle,
		ThroughputTPM:  throughput,
		ResponseTimeMs: p50,
		ErrorRatePct:   errRate,
	}, nil
}

func (s *Sampler) windowStats(now time.Time) (throughputTPM float64, p50Ms float64, errRatePct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.completions) == 0 {
		return 0, 0, 0
	}

	var failed int
	durations := make([]time.Duration, 0, len(s.completions))
	for _, c := range s.completions {
		durations = append(durations, c.duration)
		if c.failed {
			failed++
		}
	}

	windowMinutes := now.Sub(s.completions[0].at).Minutes()
	if windowMinutes < 1 {
		windowMinutes = 1
	}
	throughputTPM = float64(len(s.completions)) / windowMinutes

	sortDurations(durations)
	p50Ms = float64(durations[len(durations)/2].Milliseconds())

	errRatePct = 100 * float64(failed) / float64(len(s.completions))
	return throughputTPM, p50Ms, errRatePct
}

func sortDurations(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j-1] > d[j]; j-- {
			d[j-1], d[j] = d[j], d[j-1]
		}
	}
}
