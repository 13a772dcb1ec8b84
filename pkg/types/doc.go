/*
Package types defines the core data structures used throughout the
control plane: agents, tasks, swarms, scaling policies and actions,
metrics samples, console connections, and memory entries.

These types are the domain model consumed by every other package —
storage, the coordinator, the process manager, the auto-scaler, and the
gateway all operate on the structs defined here rather than free-form
maps.
*/
package types
