/*
Package log provides structured logging for the control plane using zerolog.

It wraps zerolog to give every subsystem a component-scoped logger with a
consistent set of context fields (agent_id, task_id, swarm_id,
connection_id), configurable level, and JSON or console output.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Str("task_id", t.ID).Msg("task assigned")

	agentLog := log.WithAgentID(agent.ID)
	agentLog.Warn().Msg("missed heartbeat")

# Design

A single package-level Logger is initialized once at startup and never
mutated afterward (no global mutable configuration after startup, per the
rest of the control plane's concurrency model). Context loggers are cheap
child loggers created with `.With()...Logger()` and carry no further
package-level state.
*/
package log
