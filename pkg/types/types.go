// Package types defines the core data structures shared across the
// control plane: agents, tasks, swarms, scaling policies/actions,
// metrics samples, and console connections.
package types

import "time"

// AgentType is a closed set of roles an agent may advertise.
type AgentType string

const (
	AgentTypeResearcher  AgentType = "researcher"
	AgentTypeCoder       AgentType = "coder"
	AgentTypeAnalyst     AgentType = "analyst"
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeTester      AgentType = "tester"
	AgentTypeReviewer    AgentType = "reviewer"
	AgentTypeArchitect   AgentType = "architect"
	AgentTypeOptimizer   AgentType = "optimizer"
	AgentTypeDocumenter  AgentType = "documenter"
	AgentTypeMonitor     AgentType = "monitor"
	AgentTypeSpecialist  AgentType = "specialist"
	AgentTypeSecurity    AgentType = "security"
	AgentTypeDevops      AgentType = "devops"
	AgentTypeGeneral     AgentType = "general"
)

// ValidAgentType reports whether t is one of the closed set of agent types.
func ValidAgentType(t AgentType) bool {
	switch t {
	case AgentTypeResearcher, AgentTypeCoder, AgentTypeAnalyst, AgentTypeCoordinator,
		AgentTypeTester, AgentTypeReviewer, AgentTypeArchitect, AgentTypeOptimizer,
		AgentTypeDocumenter, AgentTypeMonitor, AgentTypeSpecialist, AgentTypeSecurity,
		AgentTypeDevops, AgentTypeGeneral:
		return true
	}
	return false
}

// AgentStatus is the agent lifecycle state.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentStopping AgentStatus = "stopping"
	AgentStopped  AgentStatus = "stopped"
	AgentError    AgentStatus = "error"
)

// ResourceCaps bounds what an agent process may consume.
type ResourceCaps struct {
	MaxMemoryBytes     int64 `json:"max_memory_bytes"`
	MaxConcurrentTasks int   `json:"max_concurrent_tasks"`
	WallTimeoutMs      int64 `json:"wall_timeout_ms"`
}

// AgentMetrics is the lifetime counters kept on an agent record.
type AgentMetrics struct {
	TasksCompleted int64     `json:"tasks_completed"`
	TasksFailed    int64     `json:"tasks_failed"`
	LastActivityTS time.Time `json:"last_activity_ts"`
	StartedAt      time.Time `json:"started_at"`
}

// Agent is a managed subprocess representing one worker.
type Agent struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Type           AgentType    `json:"type"`
	Capabilities   []string     `json:"capabilities"`
	Status         AgentStatus  `json:"status"`
	ResourceCaps   ResourceCaps `json:"resource_caps"`
	ProcessHandle  *string      `json:"process_handle,omitempty"`
	Metrics        AgentMetrics `json:"metrics"`
	SwarmID        string       `json:"swarm_id,omitempty"`
	CurrentTaskIDs []string     `json:"current_task_ids,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HasCapacity reports whether the agent can accept another concurrent task.
func (a *Agent) HasCapacity() bool {
	return len(a.CurrentTaskIDs) < a.ResourceCaps.MaxConcurrentTasks
}

// SuccessRate returns the agent's lifetime completion ratio, 1 if untested.
func (a *Agent) SuccessRate() float64 {
	total := a.Metrics.TasksCompleted + a.Metrics.TasksFailed
	if total == 0 {
		return 1
	}
	return float64(a.Metrics.TasksCompleted) / float64(total)
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work queued by a caller and executed by one agent.
type Task struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Description  string     `json:"description"`
	Priority     int        `json:"priority"`
	Status       TaskStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	RequiredCaps []string   `json:"required_caps,omitempty"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	Input        string     `json:"input"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	MaxRetries   int        `json:"max_retries"`
}

// Ready reports whether every dependency of t has completed.
func (t *Task) Ready(completed map[string]bool) bool {
	if t.Status != TaskPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// SwarmMode describes how agents in a swarm coordinate.
type SwarmMode string

const (
	SwarmHierarchical SwarmMode = "hierarchical"
	SwarmMesh         SwarmMode = "mesh"
	SwarmCentralized  SwarmMode = "centralized"
)

// SwarmStrategy describes who drives scaling for a swarm.
type SwarmStrategy string

const (
	SwarmStrategyAuto   SwarmStrategy = "auto"
	SwarmStrategyManual SwarmStrategy = "manual"
	SwarmStrategyHybrid SwarmStrategy = "hybrid"
)

// SwarmState is the swarm lifecycle state.
type SwarmState string

const (
	SwarmActive  SwarmState = "active"
	SwarmPaused  SwarmState = "paused"
	SwarmStopped SwarmState = "stopped"
)

// Swarm is a named grouping of agents and tasks operating under one
// coordination strategy. A swarm never owns its members exclusively —
// an agent belongs to at most one swarm at a time, but membership is by
// reference only, never a consensus boundary.
type Swarm struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mode      SwarmMode     `json:"mode"`
	Strategy  SwarmStrategy `json:"strategy"`
	AgentIDs  []string      `json:"agent_ids"`
	TaskIDs   []string      `json:"task_ids"`
	Status    SwarmState    `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// ScalingPolicyType distinguishes how a policy's actions are triggered.
type ScalingPolicyType string

const (
	PolicyManual      ScalingPolicyType = "manual"
	PolicyAuto        ScalingPolicyType = "auto"
	PolicyScheduled   ScalingPolicyType = "scheduled"
	PolicyDemandBased ScalingPolicyType = "demand-based"
)

// ScalingPolicy is the tuple of bounds and thresholds governing
// auto-scaling for one policy. See Validate for the invariants that must
// hold before the auto-scaler adopts a policy; the store itself does not
// call Validate.
type ScalingPolicy struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Type               ScalingPolicyType `json:"type"`
	MinAgents          int               `json:"min_agents"`
	MaxAgents          int               `json:"max_agents"`
	TargetUtilization  float64           `json:"target_utilization"`
	ScaleUpThreshold   float64           `json:"scale_up_threshold"`
	ScaleDownThreshold float64           `json:"scale_down_threshold"`
	CooldownSeconds    int               `json:"cooldown_seconds"`
	Metrics            []string          `json:"metrics,omitempty"`
	Enabled            bool              `json:"enabled"`
	LastTriggeredAt    *time.Time        `json:"last_triggered_at,omitempty"`
}

// ErrInvalidPolicy is a plain string error for policy validation failures.
type ErrInvalidPolicy string

func (e ErrInvalidPolicy) Error() string { return string(e) }

// Validate enforces the bounds and hysteresis invariants of §4.5:
// min_agents <= max_agents, target_utilization in [0,100], and
// scale_down_threshold < target_utilization < scale_up_threshold strictly.
func (p *ScalingPolicy) Validate() error {
	if p.MinAgents < 0 || p.MaxAgents < p.MinAgents {
		return ErrInvalidPolicy("min_agents must be >= 0 and <= max_agents")
	}
	if p.TargetUtilization < 0 || p.TargetUtilization > 100 {
		return ErrInvalidPolicy("target_utilization must be in [0,100]")
	}
	if !(p.ScaleDownThreshold < p.TargetUtilization && p.TargetUtilization < p.ScaleUpThreshold) {
		return ErrInvalidPolicy("thresholds must satisfy scale_down < target < scale_up")
	}
	return nil
}

// ScalingActionKind is the direction of a scaling action.
type ScalingActionKind string

const (
	ScaleUp        ScalingActionKind = "up"
	ScaleDown      ScalingActionKind = "down"
	ScaleRebalance ScalingActionKind = "rebalance"
)

// ScalingActionStatus is the lifecycle of one scaling action.
type ScalingActionStatus string

const (
	ActionPending    ScalingActionStatus = "pending"
	ActionInProgress ScalingActionStatus = "in_progress"
	ActionCompleted  ScalingActionStatus = "completed"
	ActionFailed     ScalingActionStatus = "failed"
)

// ScalingAction is an append-only record of one up/down/rebalance
// decision and its outcome.
type ScalingAction struct {
	ID          string              `json:"id"`
	PolicyID    string              `json:"policy_id"`
	Kind        ScalingActionKind   `json:"kind"`
	Reason      string              `json:"reason"`
	FromCount   int                 `json:"from_count"`
	ToCount     int                 `json:"to_count"`
	RequestedAt time.Time           `json:"requested_at"`
	Status      ScalingActionStatus `json:"status"`
	DurationMs  int64               `json:"duration_ms,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// MetricsSample is one tick of fleet-wide telemetry.
type MetricsSample struct {
	TS             time.Time `json:"ts"`
	CPUPct         float64   `json:"cpu_pct"`
	MemPct         float64   `json:"mem_pct"`
	QueueLen       int       `json:"queue_len"`
	ActiveAgents   int       `json:"active_agents"`
	IdleAgents     int       `json:"idle_agents"`
	ThroughputTPM  float64   `json:"throughput_tpm"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	ErrorRatePct   float64   `json:"error_rate_pct"`
}

// Connection is one console-gateway client's session state.
type Connection struct {
	ID             string          `json:"id"`
	Authenticated  bool            `json:"authenticated"`
	ConnectedAt    time.Time       `json:"connected_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	ClientInfo     string          `json:"client_info,omitempty"`
	Subscriptions  map[string]bool `json:"subscriptions,omitempty"`
}

// MemoryEntry is an opaque key/value/tag record persisted through C1 and
// exposed via the `memory store/query/delete` commands.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentFilter narrows ListAgents results; a zero-value field is not applied.
type AgentFilter struct {
	Status  AgentStatus
	Type    AgentType
	SwarmID string
}

// Match reports whether agent a satisfies filter f.
func (f AgentFilter) Match(a *Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.SwarmID != "" && a.SwarmID != f.SwarmID {
		return false
	}
	return true
}

// TaskFilter narrows ListTasks results; a zero-value field is not applied.
type TaskFilter struct {
	Status     TaskStatus
	AssignedTo string
}

// Match reports whether task t satisfies filter f.
func (f TaskFilter) Match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}
