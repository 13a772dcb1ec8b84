package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/agentswarm/pkg/apm"
	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/idgen"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/metrics"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
)

const (
	defaultInterval       = 30 * time.Second
	defaultQueueHighWater = 5
	defaultRTHighWaterMs  = 5000
	defaultAgentType      = types.AgentTypeGeneral
)

// AgentDirectory is the slice of the swarm coordinator the auto-scaler
// drives: enough to count the current pool and to add or remove exactly
// one agent. A narrow interface keeps the decision loop testable with a
// fake that never spawns a real subprocess.
type AgentDirectory interface {
	ListAgents(types.AgentFilter) ([]*types.Agent, error)
	RegisterAgent(ctx context.Context, spec apm.AgentSpec) (string, error)
	UnregisterAgent(ctx context.Context, id string) error
}

// MetricsSource is the read-only view of the most recent fleet-wide
// sample the scaler needs; satisfied by *metrics.Ring.
type MetricsSource interface {
	Latest() *types.MetricsSample
}

// Scaler is the Auto-Scaler (C6): a periodic controller that reads
// metrics and policy, decides a direction, and executes one agent's
// worth of change per tick.
type Scaler struct {
	store   storage.Store
	agents  AgentDirectory
	samples MetricsSource
	bus     *events.Broker
	clk     clock.Clock

	interval       time.Duration
	queueHighWater int
	rtHighWaterMs  float64
	agentTemplate  apm.AgentSpec

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scaler at construction time.
type Option func(*Scaler)

// WithInterval overrides the default 30s decision-cycle period.
func WithInterval(d time.Duration) Option {
	return func(s *Scaler) { s.interval = d }
}

// WithQueueHighWatermark overrides the default queue_len scale-up
// trigger of 5.
func WithQueueHighWatermark(n int) Option {
	return func(s *Scaler) { s.queueHighWater = n }
}

// WithResponseTimeHighWatermarkMs overrides the default 5s response
// time scale-up trigger.
func WithResponseTimeHighWatermarkMs(ms float64) Option {
	return func(s *Scaler) { s.rtHighWaterMs = ms }
}

// WithAgentTemplate sets the command/args/env/capabilities/type used to
// spawn every agent the scaler creates on scale-up. The template's Name
// is ignored; each spawned agent gets a freshly generated name.
func WithAgentTemplate(spec apm.AgentSpec) Option {
	return func(s *Scaler) { s.agentTemplate = spec }
}

// NewScaler builds a Scaler over the given store/agent directory/
// metrics source/event bus/clock. bus and clk may be nil.
func NewScaler(store storage.Store, agents AgentDirectory, samples MetricsSource, bus *events.Broker, clk clock.Clock, opts ...Option) *Scaler {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Scaler{
		store:          store,
		agents:         agents,
		samples:        samples,
		bus:            bus,
		clk:            clk,
		interval:       defaultInterval,
		queueHighWater: defaultQueueHighWater,
		rtHighWaterMs:  defaultRTHighWaterMs,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.agentTemplate.Type == "" {
		s.agentTemplate.Type = defaultAgentType
	}
	return s
}

// newAgentSpec builds a fresh per-spawn spec from the configured
// template, substituting a new generated name.
func (s *Scaler) newAgentSpec() apm.AgentSpec {
	spec := s.agentTemplate
	spec.Name = "autoscaled-" + idgen.NewID()
	return spec
}

// Start runs the decision loop until ctx is cancelled or Stop is called.
func (s *Scaler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop ends the decision loop and waits for it to exit.
func (s *Scaler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scaler) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick runs one decision cycle: read policy and sample, respect
// cooldown, decide a direction, execute at most one agent's worth of
// change, and persist the resulting ScalingAction. Errors are logged,
// never returned, since a failed tick should not stop the loop.
func (s *Scaler) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ScalingDecisionDuration)
		metrics.ScalingTicksTotal.Inc()
	}()

	policy, err := s.store.GetCurrentPolicy()
	if err != nil {
		if errs.KindOf(err) != errs.NotFound {
			log.Errorf("auto-scaler: load policy failed", err)
		}
		return
	}
	if !policy.Enabled {
		return
	}

	now := s.clk.Now()
	if policy.LastTriggeredAt != nil {
		if now.Sub(*policy.LastTriggeredAt) < time.Duration(policy.CooldownSeconds)*time.Second {
			return
		}
	}

	sample := s.samples.Latest()
	if sample == nil {
		return
	}

	agentList, err := s.agents.ListAgents(types.AgentFilter{})
	if err != nil {
		log.Errorf("auto-scaler: list agents failed", err)
		return
	}
	total := len(agentList)

	kind, reason, ok := decide(total, sample, policy, s.queueHighWater, s.rtHighWaterMs)
	if !ok {
		return
	}

	s.execute(ctx, policy, kind, reason, total, agentList)
}

// decide implements §4.5's direction rule as a pure function over the
// current pool size, the latest sample, and the active policy.
// Scale-down is never chosen if scale-up was eligible this tick.
func decide(total int, sample *types.MetricsSample, policy *types.ScalingPolicy, queueHighWater int, rtHighWaterMs float64) (types.ScalingActionKind, string, bool) {
	if total < policy.MaxAgents && (sample.CPUPct > policy.ScaleUpThreshold ||
		float64(sample.QueueLen) > float64(queueHighWater) ||
		sample.ResponseTimeMs > rtHighWaterMs) {
		return types.ScaleUp, fmt.Sprintf("cpu=%.1f queue_len=%d response_time_ms=%.0f exceeds thresholds", sample.CPUPct, sample.QueueLen, sample.ResponseTimeMs), true
	}

	if total > policy.MinAgents && sample.CPUPct < policy.ScaleDownThreshold &&
		sample.QueueLen == 0 && sample.IdleAgents > 0 {
		return types.ScaleDown, fmt.Sprintf("cpu=%.1f queue_len=0 idle_agents=%d below thresholds", sample.CPUPct, sample.IdleAgents), true
	}

	return "", "", false
}

// execute creates the ScalingAction record, performs the one-agent
// change through the agent directory, and completes the record.
func (s *Scaler) execute(ctx context.Context, policy *types.ScalingPolicy, kind types.ScalingActionKind, reason string, from int, agentList []*types.Agent) {
	now := s.clk.Now()
	action := &types.ScalingAction{
		ID:          idgen.NewOrderedID(),
		PolicyID:    policy.ID,
		Kind:        kind,
		Reason:      reason,
		FromCount:   from,
		ToCount:     from,
		RequestedAt: now,
		Status:      types.ActionInProgress,
	}
	if err := s.store.PutScalingAction(action); err != nil {
		log.Errorf("auto-scaler: persist scaling action failed", err)
		return
	}

	start := s.clk.Now()
	var execErr error
	switch kind {
	case types.ScaleUp:
		_, execErr = s.agents.RegisterAgent(ctx, s.newAgentSpec())
		if execErr == nil {
			action.ToCount = from + 1
		}
	case types.ScaleDown:
		target := selectScaleDownCandidate(agentList)
		if target == nil {
			execErr = errs.Conflictf(errs.CodeAgentUnavailable, "no idle agent eligible for scale-down")
		} else {
			execErr = s.agents.UnregisterAgent(ctx, target.ID)
			if execErr == nil {
				action.ToCount = from - 1
			}
		}
	}

	action.DurationMs = s.clk.Now().Sub(start).Milliseconds()
	if execErr != nil {
		action.Status = types.ActionFailed
		action.Error = execErr.Error()
	} else {
		action.Status = types.ActionCompleted
	}
	if err := s.store.PutScalingAction(action); err != nil {
		log.Errorf("auto-scaler: persist completed scaling action failed", err)
	}

	policy.LastTriggeredAt = &now
	if err := s.store.PutScalingPolicy(policy); err != nil {
		log.Errorf("auto-scaler: persist policy cooldown failed", err)
	}

	metrics.ScalingActionsTotal.WithLabelValues(string(action.Kind), string(action.Status)).Inc()
	s.publish(action)
}

// selectScaleDownCandidate prefers idle agents, among idle the fewest
// lifetime-completed tasks, breaking ties by earliest started_at.
// Agents currently running tasks are never chosen.
func selectScaleDownCandidate(agents []*types.Agent) *types.Agent {
	var idle []*types.Agent
	for _, a := range agents {
		if a.Status == types.AgentIdle && len(a.CurrentTaskIDs) == 0 {
			idle = append(idle, a)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].Metrics.TasksCompleted != idle[j].Metrics.TasksCompleted {
			return idle[i].Metrics.TasksCompleted < idle[j].Metrics.TasksCompleted
		}
		return idle[i].Metrics.StartedAt.Before(idle[j].Metrics.StartedAt)
	})
	return idle[0]
}

// ScaleBy executes an explicit one-shot scaling command of n agents (n
// positive to grow, negative to shrink), recorded as a single
// ScalingAction independent of the closed-loop cooldown. Bounds are
// enforced against the current policy when one is configured.
func (s *Scaler) ScaleBy(ctx context.Context, n int) error {
	if n == 0 {
		return errs.Invalidf(errs.CodeLimitViolation, "scale amount must be non-zero")
	}

	agentList, err := s.agents.ListAgents(types.AgentFilter{})
	if err != nil {
		return err
	}
	from := len(agentList)
	target := from + n

	policy, polErr := s.store.GetCurrentPolicy()
	hasPolicy := polErr == nil
	if hasPolicy {
		if target < policy.MinAgents || target > policy.MaxAgents {
			return errs.Invalidf(errs.CodeLimitViolation, "target count %d outside policy bounds [%d,%d]", target, policy.MinAgents, policy.MaxAgents)
		}
	}

	kind := types.ScaleUp
	if n < 0 {
		kind = types.ScaleDown
	}
	action := &types.ScalingAction{
		ID:          idgen.NewOrderedID(),
		Kind:        kind,
		Reason:      fmt.Sprintf("explicit scale request by %d", n),
		FromCount:   from,
		ToCount:     from,
		RequestedAt: s.clk.Now(),
		Status:      types.ActionInProgress,
	}
	if hasPolicy {
		action.PolicyID = policy.ID
	}
	if err := s.store.PutScalingAction(action); err != nil {
		return err
	}

	start := s.clk.Now()
	count := n
	if count < 0 {
		count = -count
	}
	var execErr error
	for i := 0; i < count && execErr == nil; i++ {
		if n > 0 {
			_, execErr = s.agents.RegisterAgent(ctx, s.newAgentSpec())
		} else {
			current, listErr := s.agents.ListAgents(types.AgentFilter{})
			if listErr != nil {
				execErr = listErr
				break
			}
			victim := selectScaleDownCandidate(current)
			if victim == nil {
				execErr = errs.Conflictf(errs.CodeAgentUnavailable, "no idle agent eligible for scale-down")
				break
			}
			execErr = s.agents.UnregisterAgent(ctx, victim.ID)
		}
	}

	action.DurationMs = s.clk.Now().Sub(start).Milliseconds()
	if execErr != nil {
		action.Status = types.ActionFailed
		action.Error = execErr.Error()
	} else {
		action.Status = types.ActionCompleted
		action.ToCount = target
	}
	if err := s.store.PutScalingAction(action); err != nil {
		return err
	}
	metrics.ScalingActionsTotal.WithLabelValues(string(action.Kind), string(action.Status)).Inc()
	s.publish(action)
	return execErr
}

// SetPolicy validates and adopts a new scaling policy, assigning an id
// if the caller did not supply one.
func (s *Scaler) SetPolicy(p *types.ScalingPolicy) error {
	if err := p.Validate(); err != nil {
		return errs.Invalidf(errs.CodeInvalidPolicy, "%v", err)
	}
	if p.ID == "" {
		p.ID = idgen.NewID()
	}
	return s.store.PutScalingPolicy(p)
}

func (s *Scaler) publish(action *types.ScalingAction) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&events.Event{
		Type:    events.EventScalingAction,
		Message: action.Reason,
		Metadata: map[string]string{
			"kind":   string(action.Kind),
			"status": string(action.Status),
		},
	})
}
