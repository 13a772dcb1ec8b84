// Package coordinator implements the Swarm Coordinator (C4): the
// authoritative owner of agent, task, and swarm state, and the
// assignment loop that matches ready tasks to eligible agents.
//
// Coordinator talks to the Agent Process Manager only through the
// narrow AgentDispatcher interface (CreateAgent/StopAgent/SendTask),
// never touching a subprocess directly, and reports every state
// transition onto the event bus for the console gateway to fan out.
package coordinator
