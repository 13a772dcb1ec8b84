// Package coordinator implements the Swarm Coordinator: the
// authoritative owner of agent and task state, and the component that
// decides which agent runs which task, when. It delegates process
// lifecycle to the Agent Process Manager and reports state transitions
// onto the shared event bus, but SC alone mutates the task queue and
// agent busy/idle bookkeeping — no other package writes those fields.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/agentswarm/pkg/apm"
	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/idgen"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
)

const (
	defaultMaxQueueSize   = 1000
	defaultMaxRetries     = 3
	defaultAssignInterval = 2 * time.Second
)

// AgentDispatcher is the slice of apm.Manager the coordinator drives.
// A narrow interface (rather than a concrete *apm.Manager) keeps the
// assignment loop testable with a fake that never spawns a real
// subprocess.
type AgentDispatcher interface {
	CreateAgent(ctx context.Context, spec apm.AgentSpec) (string, error)
	StopAgent(ctx context.Context, id string, opts apm.StopOptions) error
	SendTask(id string, envelope string) error
}

// Coordinator is the Swarm Coordinator (C4).
type Coordinator struct {
	store storage.Store
	bus   *events.Broker
	clk   clock.Clock
	apm   AgentDispatcher

	maxQueueSize   int
	maxRetries     int
	assignInterval time.Duration

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	// mu serializes the assignment pass and every mutation it depends
	// on (task queue, agent busy/idle counters), per the "assignment
	// pass is serial" ownership rule.
	mu sync.Mutex
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithMaxQueueSize overrides the default pending-task ceiling.
func WithMaxQueueSize(n int) Option {
	return func(c *Coordinator) { c.maxQueueSize = n }
}

// WithMaxRetries overrides the default per-task retry ceiling applied
// when a submitted task does not specify its own.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithAssignInterval overrides the assignment loop's ticker period.
func WithAssignInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.assignInterval = d }
}

// NewCoordinator builds a Coordinator over the given store/bus/clock/
// dispatcher. clk may be nil to use the real wall clock.
func NewCoordinator(store storage.Store, bus *events.Broker, clk clock.Clock, dispatcher AgentDispatcher, opts ...Option) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Coordinator{
		store:        store,
		bus:          bus,
		clk:          clk,
		apm:          dispatcher,
		maxQueueSize:   defaultMaxQueueSize,
		maxRetries:     defaultMaxRetries,
		assignInterval: defaultAssignInterval,
		wakeCh:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent allocates an agent via the process manager and records
// its swarm membership. Spawning itself, and the starting->idle
// transition, are handled entirely by apm.Manager.CreateAgent.
func (c *Coordinator) RegisterAgent(ctx context.Context, spec apm.AgentSpec) (string, error) {
	if !types.ValidAgentType(spec.Type) {
		return "", errs.Invalidf(errs.CodeInvalidType, "unknown agent type %q", spec.Type)
	}
	id, err := c.apm.CreateAgent(ctx, spec)
	if err != nil {
		return "", err
	}
	c.publish(events.EventAgentRegistered, id, "", "agent registered")
	c.wake()
	return id, nil
}

// UnregisterAgent stops the agent's process (graceful, 5s timeout) and
// deletes its durable record. Fails with Conflict if the agent still
// has tasks assigned to it.
func (c *Coordinator) UnregisterAgent(ctx context.Context, id string) error {
	agent, err := c.store.GetAgent(id)
	if err != nil {
		return err
	}
	if len(agent.CurrentTaskIDs) > 0 {
		return errs.Conflictf(errs.CodeInUse, "agent %s still has %d task(s) assigned", id, len(agent.CurrentTaskIDs))
	}
	if err := c.apm.StopAgent(ctx, id, apm.StopOptions{Graceful: true, TimeoutMs: 5000}); err != nil {
		return err
	}
	return c.store.DeleteAgent(id)
}

// SubmitTask validates dependencies (no cycle, no dangling reference),
// enforces the queue ceiling, and persists the task as pending.
func (c *Coordinator) SubmitTask(spec *types.Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.store.ListTasks(types.TaskFilter{Status: types.TaskPending})
	if err != nil {
		return "", err
	}
	if len(pending) >= c.maxQueueSize {
		return "", errs.Exhaustedf(errs.CodeQueueFull, "pending queue at capacity (%d)", c.maxQueueSize)
	}

	if err := c.checkDependencyCycle(spec); err != nil {
		return "", err
	}
	for _, dep := range spec.Dependencies {
		if _, err := c.store.GetTask(dep); err != nil {
			if errs.KindOf(err) == errs.NotFound {
				return "", errs.NotFoundf("dependency task %s does not exist", dep)
			}
			return "", err
		}
	}

	now := c.clk.Now()
	id := idgen.NewID()
	spec.ID = id
	spec.Status = types.TaskPending
	spec.CreatedAt = now
	spec.AttemptCount = 0
	if spec.MaxRetries == 0 {
		spec.MaxRetries = c.maxRetries
	}

	if err := c.store.PutTask(spec); err != nil {
		return "", err
	}
	c.publish(events.EventTaskSubmitted, "", id, "task submitted")
	c.wake()
	return id, nil
}

// CancelTask transitions a non-terminal task to cancelled. Terminal
// tasks (completed/failed/cancelled) cannot be cancelled again.
func (c *Coordinator) CancelTask(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.store.GetTask(id)
	if err != nil {
		return err
	}
	if isTerminal(task.Status) {
		return errs.Conflictf(errs.CodeTerminal, "task %s is already in a terminal state (%s)", id, task.Status)
	}

	wasAssigned := task.AssignedTo
	task.Status = types.TaskCancelled
	task.Error = reason
	now := c.clk.Now()
	task.EndedAt = &now
	if err := c.store.PutTask(task); err != nil {
		return err
	}

	if wasAssigned != "" {
		c.releaseAgentTask(wasAssigned, id)
	}

	c.publish(events.EventTaskCancelled, "", id, reason)
	return nil
}

// ListAgents returns the agents matching filter.
func (c *Coordinator) ListAgents(filter types.AgentFilter) ([]*types.Agent, error) {
	return c.store.ListAgents(filter)
}

// ListTasks returns the tasks matching filter, satisfying
// metrics.AgentSource alongside ListAgents.
func (c *Coordinator) ListTasks(filter types.TaskFilter) ([]*types.Task, error) {
	return c.store.ListTasks(filter)
}

// SwarmStatus is the aggregate view returned by GetStatus.
type SwarmStatus struct {
	AgentsByStatus map[types.AgentStatus]int `json:"agents_by_status"`
	TasksByStatus  map[types.TaskStatus]int  `json:"tasks_by_status"`
	UptimeMs       int64                     `json:"uptime_ms"`
}

// GetStatus summarizes current agent/task counts by status.
func (c *Coordinator) GetStatus(startedAt time.Time) (*SwarmStatus, error) {
	agents, err := c.store.ListAgents(types.AgentFilter{})
	if err != nil {
		return nil, err
	}
	tasks, err := c.store.ListTasks(types.TaskFilter{})
	if err != nil {
		return nil, err
	}

	status := &SwarmStatus{
		AgentsByStatus: make(map[types.AgentStatus]int),
		TasksByStatus:  make(map[types.TaskStatus]int),
		UptimeMs:       c.clk.Now().Sub(startedAt).Milliseconds(),
	}
	for _, a := range agents {
		status.AgentsByStatus[a.Status]++
	}
	for _, t := range tasks {
		status.TasksByStatus[t.Status]++
	}
	return status, nil
}

// HandleAgentLine parses one non-heartbeat stdout line from an agent as
// a task-result frame and applies completion handling. Wire this as
// apm.Manager.OnLine once both components are constructed.
func (c *Coordinator) HandleAgentLine(agentID, line string) {
	var result taskResultFrame
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		log.Errorf("unparseable agent line, dropping", err)
		return
	}
	if result.Type != "task_result" {
		return
	}
	c.completeTask(agentID, result)
}

// HandleAgentDown requeues or fails every task still assigned to an
// agent that has gone away unexpectedly — crashed, missed too many
// heartbeats, or exited without ever being told to stop — per §4.2's
// "requeue those tasks with attempt_count += 1 up to a configured max"
// and §4.3's "Orphaned running tasks (agent lost)" failure semantics.
// Wire this as apm.Manager.OnAgentDown once both components are
// constructed.
func (c *Coordinator) HandleAgentDown(agentID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, err := c.store.GetAgent(agentID)
	if err != nil {
		return
	}

	taskIDs := agent.CurrentTaskIDs
	agent.CurrentTaskIDs = nil
	agent.UpdatedAt = c.clk.Now()
	if err := c.store.PutAgent(agent); err != nil {
		log.Errorf("persist agent after agent-down cleanup", err)
	}

	for _, taskID := range taskIDs {
		task, err := c.store.GetTask(taskID)
		if err != nil || isTerminal(task.Status) {
			continue
		}

		now := c.clk.Now()
		task.AttemptCount++
		task.Error = reason
		if task.AttemptCount >= task.MaxRetries {
			task.Status = types.TaskFailed
			task.EndedAt = &now
			c.publish(events.EventTaskFailed, agentID, task.ID, reason)
		} else {
			task.Status = types.TaskPending
			task.AssignedTo = ""
			task.StartedAt = nil
		}
		if err := c.store.PutTask(task); err != nil {
			log.Errorf("persist requeued task after agent-down", err)
		}
	}

	c.wake()
}

type taskResultFrame struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	Outcome string `json:"outcome"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// completeTask applies §4.3's completion handling: success completes
// the task and bumps the agent's lifetime counter; failure either
// requeues (attempt_count < max_retries) or finalizes as failed.
func (c *Coordinator) completeTask(agentID string, result taskResultFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.store.GetTask(result.TaskID)
	if err != nil {
		log.Errorf("task result for unknown task, dropping", err)
		return
	}

	agent, err := c.store.GetAgent(agentID)
	if err != nil {
		log.Errorf("task result from unknown agent, dropping", err)
		return
	}

	now := c.clk.Now()
	switch result.Outcome {
	case "success":
		task.Status = types.TaskCompleted
		task.Result = result.Result
		task.EndedAt = &now
		agent.Metrics.TasksCompleted++
		c.publish(events.EventTaskCompleted, agentID, task.ID, "task completed")
	default:
		task.AttemptCount++
		task.Error = result.Error
		agent.Metrics.TasksFailed++
		if task.AttemptCount >= task.MaxRetries {
			task.Status = types.TaskFailed
			task.EndedAt = &now
			c.publish(events.EventTaskFailed, agentID, task.ID, result.Error)
		} else {
			task.Status = types.TaskPending
			task.AssignedTo = ""
			task.StartedAt = nil
		}
	}

	agent.Metrics.LastActivityTS = now
	agent.CurrentTaskIDs = removeID(agent.CurrentTaskIDs, task.ID)
	if len(agent.CurrentTaskIDs) == 0 {
		agent.Status = types.AgentIdle
	}
	agent.UpdatedAt = now

	_ = c.store.PutTask(task)
	_ = c.store.PutAgent(agent)
	c.wake()
}

// releaseAgentTask clears task from an agent's current set (used on
// cancellation of an already-assigned task) without touching its
// lifetime counters.
func (c *Coordinator) releaseAgentTask(agentID, taskID string) {
	agent, err := c.store.GetAgent(agentID)
	if err != nil {
		return
	}
	agent.CurrentTaskIDs = removeID(agent.CurrentTaskIDs, taskID)
	if len(agent.CurrentTaskIDs) == 0 {
		agent.Status = types.AgentIdle
	}
	agent.UpdatedAt = c.clk.Now()
	_ = c.store.PutAgent(agent)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func isTerminal(s types.TaskStatus) bool {
	return s == types.TaskCompleted || s == types.TaskFailed || s == types.TaskCancelled
}

func (c *Coordinator) publish(t events.EventType, agentID, taskID, msg string) {
	if c.bus == nil {
		return
	}
	meta := map[string]string{}
	if agentID != "" {
		meta["agent_id"] = agentID
	}
	if taskID != "" {
		meta["task_id"] = taskID
	}
	c.bus.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

// wake nudges the assignment loop to run a pass before its next tick,
// without blocking if a wake is already pending.
func (c *Coordinator) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}
