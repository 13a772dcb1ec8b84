package coordinator

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/metrics"
	"github.com/cuemby/agentswarm/pkg/types"
)

// Run starts the assignment loop: a ticker for the steady cadence, plus
// an event-driven wake channel so submit/complete/state-change also
// trigger a pass immediately, per the concurrency model's "on any of
// {task submitted, task completed, agent state change, dependency
// satisfied}, run one assignment pass."
func (c *Coordinator) Run(ctx context.Context) {
	go c.runLoop(ctx)
}

// Stop ends the assignment loop and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.doneCh)
	ticker := c.clk.NewTicker(c.assignInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.assignOnce()
		case <-c.wakeCh:
			c.assignOnce()
		}
	}
}

// assignOnce runs one assignment pass: build ready tasks, build
// eligible agents, assign greedily by score until either set is
// exhausted. Timed for the histogram the metrics collector exposes.
func (c *Coordinator) assignOnce() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AssignmentLatency)

	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.store.ListTasks(types.TaskFilter{})
	if err != nil {
		log.Errorf("assignment pass: list tasks failed", err)
		return
	}
	agents, err := c.store.ListAgents(types.AgentFilter{})
	if err != nil {
		log.Errorf("assignment pass: list agents failed", err)
		return
	}

	completed := completedSet(tasks)
	ready := readyTasks(tasks, completed)
	eligible := eligibleAgents(agents)

	for _, task := range ready {
		if len(eligible) == 0 {
			break
		}
		idx := selectAgent(task, eligible)
		if idx < 0 {
			continue
		}
		agent := eligible[idx]
		if err := c.assign(task, agent); err != nil {
			log.Errorf("assignment failed, leaving task pending", err)
			continue
		}
		if !agent.HasCapacity() {
			eligible = append(eligible[:idx], eligible[idx+1:]...)
		}
	}
}

// readyTasks returns pending tasks whose dependencies are all
// completed, sorted by (priority desc, created_at asc).
func readyTasks(tasks []*types.Task, completed map[string]bool) []*types.Task {
	var ready []*types.Task
	for _, t := range tasks {
		if t.Ready(completed) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

func completedSet(tasks []*types.Task) map[string]bool {
	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == types.TaskCompleted {
			completed[t.ID] = true
		}
	}
	return completed
}

// eligibleAgents returns idle agents, and busy agents still under
// their concurrency cap, sorted by id for a deterministic scan order
// (ties in selectAgent are broken by this same id order).
func eligibleAgents(agents []*types.Agent) []*types.Agent {
	var eligible []*types.Agent
	for _, a := range agents {
		if a.Status == types.AgentIdle || (a.Status == types.AgentBusy && a.HasCapacity()) {
			eligible = append(eligible, a)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible
}

// selectAgent returns the index into eligible of the highest-scoring
// agent for task, or -1 if none qualifies. Score is
// (capability_match, least-loaded, success_rate), each dimension
// compared only to break a tie in the previous one; ties remaining
// after all three are broken by the caller's deterministic id order.
func selectAgent(task *types.Task, eligible []*types.Agent) int {
	best := -1
	var bestMatch, bestLoad, bestSuccess float64

	for i, agent := range eligible {
		match := capabilityMatch(task.RequiredCaps, agent.Capabilities)
		if best >= 0 && match < bestMatch {
			continue
		}
		load := 1.0 / float64(len(agent.CurrentTaskIDs)+1)
		if best >= 0 && match == bestMatch && load < bestLoad {
			continue
		}
		success := agent.SuccessRate()
		if best >= 0 && match == bestMatch && load == bestLoad && success <= bestSuccess {
			continue
		}
		best, bestMatch, bestLoad, bestSuccess = i, match, load, success
	}
	return best
}

// capabilityMatch returns the fraction of required tags the agent
// advertises; 1 when the task has no requirements.
func capabilityMatch(required, have []string) float64 {
	if len(required) == 0 {
		return 1
	}
	haveSet := make(map[string]bool, len(have))
	for _, h := range have {
		haveSet[h] = true
	}
	matched := 0
	for _, r := range required {
		if haveSet[r] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// assign transitions task to assigned, sends it to the agent, flips
// the task to running on send, and marks the agent busy. A send
// failure leaves the task pending for the next pass to retry.
func (c *Coordinator) assign(task *types.Task, agent *types.Agent) error {
	now := c.clk.Now()
	task.Status = types.TaskAssigned
	task.AssignedTo = agent.ID
	task.StartedAt = &now
	if err := c.store.PutTask(task); err != nil {
		return err
	}

	envelope, err := json.Marshal(taskEnvelope{
		Type:        "task",
		TaskID:      task.ID,
		TaskType:    task.Type,
		Description: task.Description,
		Input:       task.Input,
	})
	if err != nil {
		return err
	}
	if err := c.apm.SendTask(agent.ID, string(envelope)); err != nil {
		task.Status = types.TaskPending
		task.AssignedTo = ""
		task.StartedAt = nil
		_ = c.store.PutTask(task)
		return err
	}

	task.Status = types.TaskRunning
	if err := c.store.PutTask(task); err != nil {
		return err
	}

	agent.CurrentTaskIDs = append(agent.CurrentTaskIDs, task.ID)
	agent.Status = types.AgentBusy
	agent.UpdatedAt = now
	if err := c.store.PutAgent(agent); err != nil {
		return err
	}

	c.publish(events.EventTaskAssigned, agent.ID, task.ID, "task assigned")
	return nil
}

type taskEnvelope struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	TaskType    string `json:"task_type"`
	Description string `json:"description"`
	Input       string `json:"input"`
}

// checkDependencyCycle rejects a task whose dependency graph (as
// already persisted, plus this new task) contains a cycle.
func (c *Coordinator) checkDependencyCycle(spec *types.Task) error {
	if len(spec.Dependencies) == 0 {
		return nil
	}
	existing, err := c.store.ListTasks(types.TaskFilter{})
	if err != nil {
		return err
	}
	deps := make(map[string][]string, len(existing)+1)
	for _, t := range existing {
		deps[t.ID] = t.Dependencies
	}
	placeholderID := "__pending_submit__"
	deps[placeholderID] = spec.Dependencies

	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}
	if visit(placeholderID) {
		return errs.Invalidf(errs.CodeCycle, "task dependencies contain a cycle")
	}
	return nil
}
