/*
Package events implements the control plane's typed event bus: an
enumerated set of topics (agent lifecycle, task lifecycle, swarm and
scaling changes) fanned out to independent per-subscriber queues.

Each subscriber owns a buffered channel and pulls events at its own
pace; a full subscriber buffer drops events for that subscriber only —
the broker never blocks on a slow reader, and publishers never block on
subscriber behavior. This replaces a callback-chained lifecycle pattern
(emitters calling emitters) with a single broadcast point that preserves
per-topic delivery ordering.

A subscription starts with an empty topic set and receives nothing
until Topics is called; the broker, not the caller, is the source of
truth for which events a subscription sees. This lets a long-lived
subscriber (a WebSocket connection whose client sends `subscribe`
frames over time) grow its interest set without re-subscribing.

The Console Gateway is the primary consumer: one subscription per
authenticated, subscribed WebSocket connection, forwarding matching
events as `event` frames.
*/
package events
