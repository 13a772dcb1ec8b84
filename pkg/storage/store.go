package storage

import (
	"github.com/cuemby/agentswarm/pkg/types"
)

// Store is the narrow, synchronous-looking persistence port consumed by
// the coordinator, the process manager, and the auto-scaler. It
// guarantees single-writer-visible linearizability per key: readers
// after a completed write observe that write. Failures are returned as
// *errs.Error with Kind Transient (retry) or Invalid/Fatal (surface).
//
// Implementations may be an embedded key-value store (BoltStore) or an
// in-memory map (MemStore, used by tests); the port makes no assumption
// about the backend.
type Store interface {
	PutAgent(a *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents(filter types.AgentFilter) ([]*types.Agent, error)
	DeleteAgent(id string) error

	PutTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(filter types.TaskFilter) ([]*types.Task, error)
	DeleteTask(id string) error

	PutSwarm(s *types.Swarm) error
	GetSwarm(id string) (*types.Swarm, error)
	ListSwarms() ([]*types.Swarm, error)
	DeleteSwarm(id string) error

	// PutScalingAction inserts or updates a scaling-action record by id.
	// Scaling actions are append-only; callers only ever Put a new
	// record or update one still in flight by id, never delete.
	PutScalingAction(a *types.ScalingAction) error
	ListScalingActions(limit int) ([]*types.ScalingAction, error)

	PutScalingPolicy(p *types.ScalingPolicy) error
	GetCurrentPolicy() (*types.ScalingPolicy, error)

	PutMemoryEntry(e *types.MemoryEntry) error
	GetMemoryEntry(key string) (*types.MemoryEntry, error)
	QueryMemoryEntries(tags []string) ([]*types.MemoryEntry, error)
	DeleteMemoryEntry(key string) error

	PutMetricsSample(s *types.MetricsSample) error
	ListMetricsSamples(limit int) ([]*types.MetricsSample, error)

	Close() error
}
