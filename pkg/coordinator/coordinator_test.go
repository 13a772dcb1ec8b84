package coordinator

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/agentswarm/pkg/apm"
	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher stands in for *apm.Manager: it writes a plausible
// Agent record to the same store the coordinator uses, without
// spawning any subprocess, so assignment/completion logic can be
// tested deterministically.
type fakeDispatcher struct {
	store   storage.Store
	clk     clock.Clock
	sent    map[string][]string
	nextErr error
	seq     int
}

func newFakeDispatcher(store storage.Store, clk clock.Clock) *fakeDispatcher {
	return &fakeDispatcher{store: store, clk: clk, sent: make(map[string][]string)}
}

func (f *fakeDispatcher) CreateAgent(ctx context.Context, spec apm.AgentSpec) (string, error) {
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return "", err
	}
	f.seq++
	id := spec.Name
	if id == "" {
		id = "anon"
	}
	id = id + "-" + strconv.Itoa(f.seq)
	now := f.clk.Now()
	agent := &types.Agent{
		ID: id, Name: spec.Name, Type: spec.Type, Capabilities: spec.Capabilities,
		Status: types.AgentIdle, ResourceCaps: spec.Caps, SwarmID: spec.SwarmID,
		CreatedAt: now, UpdatedAt: now,
	}
	return id, f.store.PutAgent(agent)
}

func (f *fakeDispatcher) StopAgent(ctx context.Context, id string, opts apm.StopOptions) error {
	agent, err := f.store.GetAgent(id)
	if err != nil {
		return nil
	}
	agent.Status = types.AgentStopped
	agent.UpdatedAt = f.clk.Now()
	return f.store.PutAgent(agent)
}

func (f *fakeDispatcher) SendTask(id string, envelope string) error {
	f.sent[id] = append(f.sent[id], envelope)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeDispatcher, *storage.MemStore, *clock.Fake) {
	t.Helper()
	store := storage.NewMemStore()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	disp := newFakeDispatcher(store, fc)
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	c := NewCoordinator(store, bus, fc, disp)
	return c, disp, store, fc
}

func TestRegisterAgentRejectsUnknownType(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	_, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Type: "not-a-type"})
	require.Error(t, err)
}

func TestRegisterAgentThenSubmitTaskGetsAssigned(t *testing.T) {
	c, _, store, _ := newTestCoordinator(t)

	agentID, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Name: "alpha", Type: types.AgentTypeCoder})
	require.NoError(t, err)

	taskID, err := c.SubmitTask(&types.Task{Type: "echo", Input: "hello"})
	require.NoError(t, err)

	c.assignOnce()

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, task.Status)
	assert.Equal(t, agentID, task.AssignedTo)

	agent, err := store.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, agent.Status)
	assert.Contains(t, agent.CurrentTaskIDs, taskID)
}

func TestSubmitTaskRejectsQueueOverflow(t *testing.T) {
	store := storage.NewMemStore()
	fc := clock.NewFake(time.Now())
	disp := newFakeDispatcher(store, fc)
	c := NewCoordinator(store, nil, fc, disp, WithMaxQueueSize(1))

	_, err := c.SubmitTask(&types.Task{Type: "a"})
	require.NoError(t, err)

	_, err = c.SubmitTask(&types.Task{Type: "b"})
	require.Error(t, err)
}

func TestSubmitTaskRejectsDependencyCycle(t *testing.T) {
	c, _, store, _ := newTestCoordinator(t)

	require.NoError(t, store.PutTask(&types.Task{ID: "t1", Status: types.TaskPending, Dependencies: []string{"t2"}}))
	require.NoError(t, store.PutTask(&types.Task{ID: "t2", Status: types.TaskPending}))

	_, err := c.SubmitTask(&types.Task{Dependencies: []string{"t1"}})
	// t1 depends on t2; t2 has no dependency on our new task, so no
	// cycle yet. Now force the cycle directly: t2 depends back on a
	// task that will depend on t2.
	require.NoError(t, err)

	require.NoError(t, store.PutTask(&types.Task{ID: "t2", Status: types.TaskPending, Dependencies: []string{"t3"}}))
	require.NoError(t, store.PutTask(&types.Task{ID: "t3", Status: types.TaskPending, Dependencies: []string{"t1"}}))

	_, err = c.SubmitTask(&types.Task{ID: "t1", Dependencies: []string{"t2"}})
	require.Error(t, err)
}

func TestCancelTaskIsRejectedOnceTerminal(t *testing.T) {
	c, _, store, _ := newTestCoordinator(t)
	require.NoError(t, store.PutTask(&types.Task{ID: "t1", Status: types.TaskCompleted}))

	err := c.CancelTask("t1", "no longer needed")
	require.Error(t, err)
}

func TestUnregisterAgentRejectsWhenBusy(t *testing.T) {
	c, _, store, _ := newTestCoordinator(t)
	agentID, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Name: "busy-one", Type: types.AgentTypeGeneral})
	require.NoError(t, err)

	agent, err := store.GetAgent(agentID)
	require.NoError(t, err)
	agent.CurrentTaskIDs = []string{"some-task"}
	agent.Status = types.AgentBusy
	require.NoError(t, store.PutAgent(agent))

	err = c.UnregisterAgent(context.Background(), agentID)
	require.Error(t, err)
}

func TestHandleAgentLineSuccessCompletesTask(t *testing.T) {
	c, _, store, fc := newTestCoordinator(t)
	agentID, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Name: "alpha", Type: types.AgentTypeCoder})
	require.NoError(t, err)

	taskID, err := c.SubmitTask(&types.Task{Type: "echo", Input: "hi"})
	require.NoError(t, err)
	c.assignOnce()
	fc.Advance(time.Second)

	line, _ := json.Marshal(taskResultFrame{Type: "task_result", TaskID: taskID, Outcome: "success", Result: "done"})
	c.HandleAgentLine(agentID, string(line))

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, "done", task.Result)

	agent, err := store.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, agent.Status)
	assert.Equal(t, int64(1), agent.Metrics.TasksCompleted)
}

func TestHandleAgentLineFailureRequeuesUntilMaxRetries(t *testing.T) {
	c, _, store, _ := newTestCoordinator(t)
	agentID, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Name: "alpha", Type: types.AgentTypeCoder})
	require.NoError(t, err)

	task := &types.Task{Type: "echo", Input: "hi", MaxRetries: 2}
	taskID, err := c.SubmitTask(task)
	require.NoError(t, err)

	c.assignOnce()
	line, _ := json.Marshal(taskResultFrame{Type: "task_result", TaskID: taskID, Outcome: "failure", Error: "boom"})
	c.HandleAgentLine(agentID, string(line))

	got, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status, "first failure requeues since attempt_count < max_retries")
	assert.Equal(t, 1, got.AttemptCount)

	c.assignOnce()
	c.HandleAgentLine(agentID, string(line))

	got, err = store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status, "second failure exhausts max_retries")
}

func TestHandleAgentDownRequeuesRunningTaskUntilMaxRetries(t *testing.T) {
	c, _, store, _ := newTestCoordinator(t)
	agentID, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Name: "alpha", Type: types.AgentTypeCoder})
	require.NoError(t, err)

	task := &types.Task{Type: "echo", Input: "hi", MaxRetries: 2}
	taskID, err := c.SubmitTask(task)
	require.NoError(t, err)
	c.assignOnce()

	got, err := store.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, got.Status)

	c.HandleAgentDown(agentID, "process exited unexpectedly: exit status 1")

	got, err = store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status, "first agent loss requeues since attempt_count < max_retries")
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.AssignedTo)

	agent, err := store.GetAgent(agentID)
	require.NoError(t, err)
	assert.Empty(t, agent.CurrentTaskIDs, "agent-down clears the dead agent's in-flight task set")

	// Re-register a second agent, reassign, and lose it too: the task
	// must now exhaust max_retries and finalize as failed.
	agentID2, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Name: "beta", Type: types.AgentTypeCoder})
	require.NoError(t, err)
	c.assignOnce()

	got, err = store.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, agentID2, got.AssignedTo)

	c.HandleAgentDown(agentID2, "process exited unexpectedly: exit status 1")

	got, err = store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status, "second agent loss exhausts max_retries")
	assert.Equal(t, 2, got.AttemptCount)
}

func TestHandleAgentDownIgnoresUnknownAgent(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	// Must not panic or block when the agent record is gone.
	c.HandleAgentDown("does-not-exist", "boom")
}

func TestRunLoopAssignsOnWakeWithoutWaitingForTicker(t *testing.T) {
	store := storage.NewMemStore()
	fc := clock.NewFake(time.Now())
	disp := newFakeDispatcher(store, fc)
	c := NewCoordinator(store, nil, fc, disp, WithAssignInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	c.Run(ctx)
	defer func() { cancel(); c.Stop() }()

	agentID, err := c.RegisterAgent(context.Background(), apm.AgentSpec{Name: "alpha", Type: types.AgentTypeCoder})
	require.NoError(t, err)
	taskID, err := c.SubmitTask(&types.Task{Type: "echo", Input: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := store.GetTask(taskID)
		return err == nil && task.AssignedTo == agentID
	}, time.Second, 5*time.Millisecond)
}

func TestCreateAndScaleSwarm(t *testing.T) {
	c, _, store, _ := newTestCoordinator(t)

	swarmID, err := c.CreateSwarm(context.Background(), CreateSwarmSpec{
		Name: "fleet", AgentCount: 2, Mode: types.SwarmMesh, Strategy: types.SwarmStrategyAuto, AgentType: types.AgentTypeGeneral,
	})
	require.NoError(t, err)

	swarm, err := store.GetSwarm(swarmID)
	require.NoError(t, err)
	assert.Len(t, swarm.AgentIDs, 2)

	require.NoError(t, c.ScaleSwarm(context.Background(), swarmID, 3))
	swarm, err = store.GetSwarm(swarmID)
	require.NoError(t, err)
	assert.Len(t, swarm.AgentIDs, 3)

	require.NoError(t, c.ScaleSwarm(context.Background(), swarmID, 1))
	swarm, err = store.GetSwarm(swarmID)
	require.NoError(t, err)
	assert.Len(t, swarm.AgentIDs, 1)
}
