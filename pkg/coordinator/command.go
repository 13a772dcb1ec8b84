package coordinator

import (
	"context"
	"encoding/json"

	"github.com/cuemby/agentswarm/pkg/apm"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/types"
)

// Command is the tagged-variant envelope every heterogeneous payload
// crossing the command-execution port uses: the gateway's
// execute_command frame, its HTTP POST /execute body, and (should a
// replicated log ever replace the direct-to-store write below) a
// would-be log entry all share this shape.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Dispatch applies cmd and returns a JSON-marshalable result. Unknown
// ops are rejected, never silently dropped, since a dropped op here is
// a client-visible command, not a best-effort event subscriber.
func (c *Coordinator) Dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Op {
	case "agent_spawn":
		var req struct {
			Type         types.AgentType `json:"type"`
			Name         string          `json:"name"`
			Capabilities []string        `json:"capabilities"`
			Caps         types.ResourceCaps `json:"caps"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed agent_spawn payload: %v", err)
		}
		id, err := c.RegisterAgent(ctx, apm.AgentSpec{
			Name: req.Name, Type: req.Type, Capabilities: req.Capabilities, Caps: req.Caps,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"agent_id": id}, nil

	case "agent_list":
		var filter types.AgentFilter
		_ = json.Unmarshal(cmd.Data, &filter)
		return c.ListAgents(filter)

	case "agent_stop":
		var req struct {
			ID    string `json:"id"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed agent_stop payload: %v", err)
		}
		return nil, c.apm.StopAgent(ctx, req.ID, apm.StopOptions{Graceful: !req.Force, TimeoutMs: 5000})

	case "agent_remove":
		var req struct {
			ID    string `json:"id"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed agent_remove payload: %v", err)
		}
		return nil, c.UnregisterAgent(ctx, req.ID)

	case "task_submit":
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed task_submit payload: %v", err)
		}
		id, err := c.SubmitTask(&task)
		if err != nil {
			return nil, err
		}
		return map[string]string{"task_id": id}, nil

	case "task_cancel":
		var req struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed task_cancel payload: %v", err)
		}
		return nil, c.CancelTask(req.ID, req.Reason)

	case "swarm_create":
		var spec CreateSwarmSpec
		if err := json.Unmarshal(cmd.Data, &spec); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed swarm_create payload: %v", err)
		}
		id, err := c.CreateSwarm(ctx, spec)
		if err != nil {
			return nil, err
		}
		return map[string]string{"swarm_id": id}, nil

	case "swarm_status":
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed swarm_status payload: %v", err)
		}
		return c.GetSwarmStatus(req.ID)

	case "swarm_scale":
		var req struct {
			ID     string `json:"id"`
			Target int    `json:"target"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed swarm_scale payload: %v", err)
		}
		return nil, c.ScaleSwarm(ctx, req.ID, req.Target)

	case "memory_store":
		var entry types.MemoryEntry
		if err := json.Unmarshal(cmd.Data, &entry); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed memory_store payload: %v", err)
		}
		now := c.clk.Now()
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now
		return nil, c.store.PutMemoryEntry(&entry)

	case "memory_query":
		var req struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed memory_query payload: %v", err)
		}
		return c.store.QueryMemoryEntries(req.Tags)

	case "memory_delete":
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed memory_delete payload: %v", err)
		}
		return nil, c.store.DeleteMemoryEntry(req.Key)

	default:
		return nil, errs.Invalidf(errs.CodeInvalidType, "unknown command %q", cmd.Op)
	}
}
