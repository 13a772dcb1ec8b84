package coordinator

import (
	"context"

	"github.com/cuemby/agentswarm/pkg/apm"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/idgen"
	"github.com/cuemby/agentswarm/pkg/types"
)

// CreateSwarmSpec is the input to CreateSwarm.
type CreateSwarmSpec struct {
	Name         string
	AgentCount   int
	Mode         types.SwarmMode
	Strategy     types.SwarmStrategy
	AgentType    types.AgentType
	Capabilities []string
}

// CreateSwarm spawns AgentCount agents (via the process manager) and
// groups them under a new swarm record. Membership is by reference
// only, per types.Swarm's doc comment — the swarm never owns its
// agents exclusively.
func (c *Coordinator) CreateSwarm(ctx context.Context, spec CreateSwarmSpec) (string, error) {
	id := idgen.NewID()
	swarm := &types.Swarm{
		ID:        id,
		Name:      spec.Name,
		Mode:      spec.Mode,
		Strategy:  spec.Strategy,
		Status:    types.SwarmActive,
		CreatedAt: c.clk.Now(),
	}

	for i := 0; i < spec.AgentCount; i++ {
		agentID, err := c.RegisterAgent(ctx, apm.AgentSpec{
			Name:         swarm.Name,
			Type:         spec.AgentType,
			Capabilities: spec.Capabilities,
			SwarmID:      id,
		})
		if err != nil {
			return "", err
		}
		swarm.AgentIDs = append(swarm.AgentIDs, agentID)
	}

	if err := c.store.PutSwarm(swarm); err != nil {
		return "", err
	}
	c.publish(events.EventSwarmCreated, "", "", "swarm created")
	return id, nil
}

// GetSwarmStatus returns the swarm record, or NotFound.
func (c *Coordinator) GetSwarmStatus(id string) (*types.Swarm, error) {
	return c.store.GetSwarm(id)
}

// ScaleSwarm adjusts a swarm's agent count to target by spawning or
// stopping agents one at a time, mirroring the auto-scaler's
// single-unit-per-action discipline so a swarm-level scale behaves
// predictably alongside fleet-level auto-scaling.
func (c *Coordinator) ScaleSwarm(ctx context.Context, id string, target int) error {
	if target < 0 {
		return errs.Invalidf(errs.CodeLimitViolation, "target agent count must be >= 0, got %d", target)
	}
	swarm, err := c.store.GetSwarm(id)
	if err != nil {
		return err
	}

	for len(swarm.AgentIDs) < target {
		agentID, err := c.RegisterAgent(ctx, apm.AgentSpec{Name: swarm.Name, Type: types.AgentTypeGeneral, SwarmID: id})
		if err != nil {
			return err
		}
		swarm.AgentIDs = append(swarm.AgentIDs, agentID)
	}
	for len(swarm.AgentIDs) > target {
		last := swarm.AgentIDs[len(swarm.AgentIDs)-1]
		if err := c.UnregisterAgent(ctx, last); err != nil {
			return err
		}
		swarm.AgentIDs = swarm.AgentIDs[:len(swarm.AgentIDs)-1]
	}

	c.publish(events.EventSwarmScaled, "", "", "swarm scaled")
	return c.store.PutSwarm(swarm)
}
