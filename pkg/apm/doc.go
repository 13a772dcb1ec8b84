// Package apm implements the Agent Process Manager: it materializes an
// agent specification into a live OS subprocess (ProcessRuntime),
// keeps its status fresh with a ping/pong heartbeat loop, and
// supervises unexpected exit via a per-agent watcher goroutine.
//
// Manager owns the AgentRuntime and is the only component that talks
// to it; coordinators drive Manager through CreateAgent/StopAgent/
// SendTask and learn of agent output and exits through the OnLine and
// OnAgentDown callbacks rather than polling subprocess state directly.
package apm
