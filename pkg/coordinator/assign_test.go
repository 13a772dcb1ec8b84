package coordinator

import (
	"testing"
	"time"

	"github.com/cuemby/agentswarm/pkg/types"
	"github.com/stretchr/testify/assert"
)

func taskAt(id string, priority int, created time.Time, status types.TaskStatus, deps ...string) *types.Task {
	return &types.Task{ID: id, Priority: priority, CreatedAt: created, Status: status, Dependencies: deps}
}

func TestReadyTasksOrdering(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []*types.Task{
		taskAt("low-early", 1, base, types.TaskPending),
		taskAt("high-late", 9, base.Add(time.Minute), types.TaskPending),
		taskAt("mid", 5, base.Add(30*time.Second), types.TaskPending),
		taskAt("not-ready", 10, base, types.TaskPending, "missing-dep"),
		taskAt("already-running", 10, base, types.TaskRunning),
	}

	ready := readyTasks(tasks, map[string]bool{})

	var ids []string
	for _, r := range ready {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"high-late", "mid", "low-early"}, ids)
}

func TestReadyTasksRespectsDependencies(t *testing.T) {
	base := time.Now()
	dependent := taskAt("t2", 5, base, types.TaskPending, "t1")

	ready := readyTasks([]*types.Task{dependent}, map[string]bool{})
	assert.Empty(t, ready)

	ready = readyTasks([]*types.Task{dependent}, map[string]bool{"t1": true})
	assert.Len(t, ready, 1)
}

func TestEligibleAgentsFiltersAndSorts(t *testing.T) {
	agents := []*types.Agent{
		{ID: "b", Status: types.AgentBusy, ResourceCaps: types.ResourceCaps{MaxConcurrentTasks: 1}, CurrentTaskIDs: []string{"x"}},
		{ID: "a", Status: types.AgentIdle},
		{ID: "c", Status: types.AgentBusy, ResourceCaps: types.ResourceCaps{MaxConcurrentTasks: 2}, CurrentTaskIDs: []string{"y"}},
		{ID: "d", Status: types.AgentStopped},
		{ID: "e", Status: types.AgentError},
	}

	eligible := eligibleAgents(agents)

	var ids []string
	for _, a := range eligible {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestSelectAgentPrefersCapabilityThenLoadThenSuccess(t *testing.T) {
	task := &types.Task{RequiredCaps: []string{"go"}}

	agents := []*types.Agent{
		{ID: "no-match", Capabilities: []string{"python"}},
		{ID: "match-loaded", Capabilities: []string{"go"}, CurrentTaskIDs: []string{"t1", "t2"},
			ResourceCaps: types.ResourceCaps{MaxConcurrentTasks: 5}},
		{ID: "match-idle", Capabilities: []string{"go"}},
	}

	idx := selectAgent(task, agents)
	assert.Equal(t, "match-idle", agents[idx].ID)
}

func TestSelectAgentTiesBrokenByID(t *testing.T) {
	task := &types.Task{}
	agents := []*types.Agent{
		{ID: "z-agent"},
		{ID: "a-agent"},
	}
	idx := selectAgent(task, agents)
	assert.Equal(t, "z-agent", agents[idx].ID, "selectAgent scans in the order given; eligibleAgents is what sorts by id")
}

func TestCapabilityMatch(t *testing.T) {
	assert.Equal(t, 1.0, capabilityMatch(nil, []string{"go"}))
	assert.Equal(t, 0.5, capabilityMatch([]string{"go", "python"}, []string{"go"}))
	assert.Equal(t, 0.0, capabilityMatch([]string{"rust"}, []string{"go"}))
}
