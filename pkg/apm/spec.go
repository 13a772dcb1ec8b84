package apm

import "github.com/cuemby/agentswarm/pkg/types"

// AgentSpec describes how to materialize an agent as an OS subprocess.
type AgentSpec struct {
	Name         string
	Type         types.AgentType
	Capabilities []string
	SwarmID      string

	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string

	Caps types.ResourceCaps

	HeartbeatIntervalMs int64
	MaxMissedHeartbeats int
	StartGraceMs        int64
}

func (s AgentSpec) heartbeatInterval() int64 {
	if s.HeartbeatIntervalMs > 0 {
		return s.HeartbeatIntervalMs
	}
	return 10_000
}

func (s AgentSpec) maxMissedHeartbeats() int {
	if s.MaxMissedHeartbeats > 0 {
		return s.MaxMissedHeartbeats
	}
	return 3
}

func (s AgentSpec) startGraceMs() int64 {
	if s.StartGraceMs > 0 {
		return s.StartGraceMs
	}
	return 5_000
}

// StopOptions controls how stop_agent tears a process down.
type StopOptions struct {
	Graceful  bool
	TimeoutMs int64
}
