/*
Package storage implements the control plane's persistence port: a
narrow, synchronous-looking interface (Store) for durable agents,
tasks, swarms, scaling actions/policies, memory entries, and metrics
samples.

BoltStore is the production implementation, backed by an embedded
go.etcd.io/bbolt database with one bucket per entity kind; every record
is JSON-encoded and keyed by its id. MemStore is a plain in-memory
implementation of the same interface for unit tests that don't want a
file on disk.

Both implementations guarantee single-writer-visible linearizability
per key: a reader that observes a completed write always sees it.
Scaling actions are logically append-only; callers only update a record
still in flight (in_progress → completed/failed) by id.
*/
package storage
