package storage

import (
	"sort"
	"sync"

	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/types"
)

// MemStore is an in-memory Store, for unit tests that don't want a real
// bbolt file on disk. It follows the same per-entity-kind map shape as
// BoltStore, just without the JSON marshal/unmarshal round trip.
type MemStore struct {
	mu             sync.RWMutex
	agents         map[string]*types.Agent
	tasks          map[string]*types.Task
	swarms         map[string]*types.Swarm
	scalingActions map[string]*types.ScalingAction
	currentPolicy  *types.ScalingPolicy
	memoryEntries  map[string]*types.MemoryEntry
	metricsSamples []*types.MetricsSample
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		agents:         make(map[string]*types.Agent),
		tasks:          make(map[string]*types.Task),
		swarms:         make(map[string]*types.Swarm),
		scalingActions: make(map[string]*types.ScalingAction),
		memoryEntries:  make(map[string]*types.MemoryEntry),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) PutAgent(a *types.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemStore) GetAgent(id string) (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, errs.NotFoundf("agent %s", id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) ListAgents(filter types.AgentFilter) ([]*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Agent
	for _, a := range m.agents {
		if filter.Match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) DeleteAgent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	return nil
}

func (m *MemStore) PutTask(t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemStore) GetTask(id string) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errs.NotFoundf("task %s", id)
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) ListTasks(filter types.TaskFilter) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if filter.Match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *MemStore) PutSwarm(s *types.Swarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.swarms[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSwarm(id string) (*types.Swarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swarms[id]
	if !ok {
		return nil, errs.NotFoundf("swarm %s", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) ListSwarms() ([]*types.Swarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Swarm
	for _, s := range m.swarms {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) DeleteSwarm(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.swarms, id)
	return nil
}

func (m *MemStore) PutScalingAction(a *types.ScalingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.scalingActions[a.ID] = &cp
	return nil
}

func (m *MemStore) ListScalingActions(limit int) ([]*types.ScalingAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.ScalingAction
	for _, a := range m.scalingActions {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemStore) PutScalingPolicy(p *types.ScalingPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.currentPolicy = &cp
	return nil
}

func (m *MemStore) GetCurrentPolicy() (*types.ScalingPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentPolicy == nil {
		return nil, errs.NotFoundf("no scaling policy configured")
	}
	cp := *m.currentPolicy
	return &cp, nil
}

func (m *MemStore) PutMemoryEntry(e *types.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.memoryEntries[e.Key] = &cp
	return nil
}

func (m *MemStore) GetMemoryEntry(key string) (*types.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.memoryEntries[key]
	if !ok {
		return nil, errs.NotFoundf("memory entry %s", key)
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) QueryMemoryEntries(tags []string) ([]*types.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	var out []*types.MemoryEntry
	for _, e := range m.memoryEntries {
		if len(want) == 0 || hasAnyTag(e.Tags, want) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemStore) DeleteMemoryEntry(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memoryEntries, key)
	return nil
}

func (m *MemStore) PutMetricsSample(s *types.MetricsSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.metricsSamples = append(m.metricsSamples, &cp)
	return nil
}

func (m *MemStore) ListMetricsSamples(limit int) ([]*types.MetricsSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]*types.MetricsSample(nil), m.metricsSamples...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
