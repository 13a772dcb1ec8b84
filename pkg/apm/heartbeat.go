package apm

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/agentswarm/pkg/clock"
)

// frame is the minimal envelope every line on the agent's stdout/stdin
// protocol carries; "type" dispatches ping/pong from task-result lines.
type frame struct {
	Type string `json:"type"`
}

const pingLine = `{"type":"ping"}`

// heartbeatStatus tracks liveness bookkeeping for one agent, adapted
// from the teacher's health.Status (ConsecutiveFailures/Successes,
// StartPeriod grace) but driven by ping/pong frames instead of an
// HTTP/TCP/exec probe.
type heartbeatStatus struct {
	mu            sync.Mutex
	missed        int
	maxMissed     int
	lastPongAt    time.Time
	startedAt     time.Time
	startGrace    time.Duration
	sawFirstPong  bool
}

func newHeartbeatStatus(clk clock.Clock, maxMissed int, startGrace time.Duration) *heartbeatStatus {
	return &heartbeatStatus{
		maxMissed:  maxMissed,
		startedAt:  clk.Now(),
		startGrace: startGrace,
	}
}

// onPong records a received pong and resets the miss counter.
func (s *heartbeatStatus) onPong(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPongAt = at
	s.missed = 0
	s.sawFirstPong = true
}

// onMissedProbe records one missed pong and reports whether the agent
// has now reached max missed heartbeats and should move to error.
func (s *heartbeatStatus) onMissedProbe() (exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed++
	return s.missed >= s.maxMissed
}

// inStartGrace reports whether now is still within the startup grace
// period, during which a missing first pong is not yet an error.
func (s *heartbeatStatus) inStartGrace(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sawFirstPong {
		return false
	}
	return now.Sub(s.startedAt) < s.startGrace
}

func (s *heartbeatStatus) hasSeenFirstPong() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawFirstPong
}

func isPong(line string) bool {
	var f frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return false
	}
	return f.Type == "pong"
}
