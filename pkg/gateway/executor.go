package gateway

import (
	"context"
	"encoding/json"

	"github.com/cuemby/agentswarm/pkg/coordinator"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/types"
)

// scaler is the slice of autoscaler.Scaler the executor drives. A
// narrow interface keeps the gateway free of a direct dependency on
// the autoscaler package's construction details.
type scaler interface {
	ScaleBy(ctx context.Context, n int) error
	SetPolicy(p *types.ScalingPolicy) error
}

// executor is the command-execution port's concrete implementation: a
// thin adapter wrapping the coordinator's Command/Dispatch (C3/C4 ops)
// and the auto-scaler's explicit scale commands (C6 ops) behind one
// entry point, reused identically by the HTTP /execute handler and the
// WS execute_command frame.
type executor struct {
	coord *coordinator.Coordinator
	scale scaler
}

func newExecutor(coord *coordinator.Coordinator, scale scaler) *executor {
	return &executor{coord: coord, scale: scale}
}

// Execute applies cmd, extending the coordinator's op set with the
// auto-scaler's scale_up, scale_down, and scale_policy_set — the
// command table's "scale up/down" and "scale policy set" rows, which
// the coordinator itself has no knowledge of.
func (e *executor) Execute(ctx context.Context, cmd coordinator.Command) (any, error) {
	switch cmd.Op {
	case "scale_up", "scale_down":
		var req struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed %s payload: %v", cmd.Op, err)
		}
		n := req.N
		if n < 0 {
			n = -n
		}
		if cmd.Op == "scale_down" {
			n = -n
		}
		return nil, e.scale.ScaleBy(ctx, n)

	case "scale_policy_set":
		var policy types.ScalingPolicy
		if err := json.Unmarshal(cmd.Data, &policy); err != nil {
			return nil, errs.Invalidf(errs.CodeInvalidType, "malformed scale_policy_set payload: %v", err)
		}
		return nil, e.scale.SetPolicy(&policy)

	default:
		return e.coord.Dispatch(ctx, cmd)
	}
}
