package apm

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/idgen"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
)

// liveAgent is the supervision state kept for one running agent,
// alongside (not instead of) its durable types.Agent record in C1.
type liveAgent struct {
	handle  *ProcessHandle
	spec    AgentSpec
	hb      *heartbeatStatus
	readyCh chan struct{}
	once    sync.Once
	stopCh  chan struct{}
}

// Manager is the Agent Process Manager (C3): it owns subprocess
// lifecycle, resource caps, and liveness probing for every agent, and
// is the only component that talks to AgentRuntime directly. It is
// adapted from the teacher's pkg/worker.Worker (per-agent monitor
// goroutines, heartbeat loop, executor loop) with containerd/gRPC
// replaced by os/exec and an in-process event bus.
type Manager struct {
	runtime AgentRuntime
	store   storage.Store
	bus     *events.Broker
	clk     clock.Clock

	// OnLine is invoked for every non-heartbeat stdout line an agent
	// emits (task-result frames); the coordinator sets this once wired.
	OnLine func(agentID string, line string)

	// OnAgentDown is invoked whenever an agent moves to error (crash,
	// missed heartbeats) or exits without ever being told to stop, so
	// the coordinator can requeue or fail whatever tasks were still
	// assigned to it; the coordinator sets this once wired, mirroring
	// OnLine.
	OnAgentDown func(agentID string, reason string)

	mu   sync.Mutex
	live map[string]*liveAgent
}

// NewManager builds a Manager over the given runtime/store/event bus.
// clk may be nil to use the real wall clock.
func NewManager(runtime AgentRuntime, store storage.Store, bus *events.Broker, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		runtime: runtime,
		store:   store,
		bus:     bus,
		clk:     clk,
		live:    make(map[string]*liveAgent),
	}
}

// CreateAgent allocates an id, writes a `starting` record, spawns the
// subprocess, and blocks until the first heartbeat promotes it to
// `idle` or start_grace_ms elapses without one.
func (m *Manager) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	now := m.clk.Now()
	id := idgen.NewID()

	agent := &types.Agent{
		ID:           id,
		Name:         spec.Name,
		Type:         spec.Type,
		Capabilities: spec.Capabilities,
		Status:       types.AgentStarting,
		ResourceCaps: spec.Caps,
		SwarmID:      spec.SwarmID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metrics:      types.AgentMetrics{StartedAt: now},
	}
	if err := m.store.PutAgent(agent); err != nil {
		return "", err
	}

	handle, err := m.runtime.Spawn(ctx, spec)
	if err != nil {
		agent.Status = types.AgentError
		agent.UpdatedAt = m.clk.Now()
		_ = m.store.PutAgent(agent)
		return "", err
	}

	pid := handle.PIDString()
	agent.ProcessHandle = &pid
	agent.UpdatedAt = m.clk.Now()
	if err := m.store.PutAgent(agent); err != nil {
		_ = m.runtime.Stop(ctx, handle, StopOptions{Graceful: false})
		return "", err
	}

	la := &liveAgent{
		handle:  handle,
		spec:    spec,
		hb:      newHeartbeatStatus(m.clk, spec.maxMissedHeartbeats(), time.Duration(spec.startGraceMs())*time.Millisecond),
		readyCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	m.mu.Lock()
	m.live[id] = la
	m.mu.Unlock()

	m.publish(events.EventAgentStarted, id, "agent process started")

	go m.dispatchLines(id, la)
	go m.heartbeatLoop(id, la)
	go m.watch(id, la)

	grace := time.Duration(spec.startGraceMs()) * time.Millisecond
	select {
	case <-la.readyCh:
		agent.Status = types.AgentIdle
		agent.UpdatedAt = m.clk.Now()
		_ = m.store.PutAgent(agent)
		m.publish(events.EventAgentIdle, id, "agent passed first heartbeat")
		return id, nil
	case <-time.After(grace):
		agent.Status = types.AgentError
		agent.UpdatedAt = m.clk.Now()
		_ = m.store.PutAgent(agent)
		_ = m.runtime.Stop(ctx, handle, StopOptions{Graceful: false})
		return id, errs.New(errs.Transient, errs.CodeSpawnError, "agent did not heartbeat within start grace period")
	case <-ctx.Done():
		return id, ctx.Err()
	}
}

// StopAgent signals the process cooperatively, force-terminating after
// timeoutMs if it is still alive. Stopping an already-stopped agent is
// a no-op.
func (m *Manager) StopAgent(ctx context.Context, id string, opts StopOptions) error {
	m.mu.Lock()
	la, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	agent, err := m.store.GetAgent(id)
	if err != nil {
		return err
	}
	if agent.Status == types.AgentStopped {
		return nil
	}

	agent.Status = types.AgentStopping
	agent.UpdatedAt = m.clk.Now()
	_ = m.store.PutAgent(agent)

	close(la.stopCh)
	err = m.runtime.Stop(ctx, la.handle, opts)

	agent.Status = types.AgentStopped
	agent.UpdatedAt = m.clk.Now()
	_ = m.store.PutAgent(agent)

	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()

	m.publish(events.EventAgentStopped, id, "agent stopped")
	return err
}

// SendTask writes one task envelope line to the agent's stdin. The
// caller (coordinator) is responsible for checking capacity/status
// before calling; SendTask itself only guards against an agent that
// isn't tracked at all.
func (m *Manager) SendTask(id string, envelope string) error {
	m.mu.Lock()
	la, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.Conflict, errs.CodeAgentUnavailable, "agent not running")
	}
	return la.handle.WriteLine(envelope)
}

func (m *Manager) dispatchLines(id string, la *liveAgent) {
	for line := range la.handle.Lines() {
		if isPong(line) {
			now := m.clk.Now()
			la.hb.onPong(now)
			la.once.Do(func() { close(la.readyCh) })
			continue
		}
		if m.OnLine != nil {
			m.OnLine(id, line)
		}
	}
}

func (m *Manager) heartbeatLoop(id string, la *liveAgent) {
	interval := time.Duration(la.spec.heartbeatInterval()) * time.Millisecond
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-la.stopCh:
			return
		case <-la.handle.Exited():
			return
		case <-ticker.C():
			sentAt := m.clk.Now()
			if err := la.handle.WriteLine(pingLine); err != nil {
				return
			}
			// give the agent one interval to answer before judging this probe missed
			select {
			case <-time.After(interval):
			case <-la.stopCh:
				return
			case <-la.handle.Exited():
				return
			}
			if !la.hb.hasSeenFirstPong() && la.hb.inStartGrace(m.clk.Now()) {
				continue
			}
			la.hb.mu.Lock()
			answered := la.hb.sawFirstPong && !la.hb.lastPongAt.Before(sentAt)
			la.hb.mu.Unlock()
			if answered {
				continue
			}
			if la.hb.onMissedProbe() {
				m.markError(id, "missed max consecutive heartbeats")
				return
			}
		}
	}
}

func (m *Manager) watch(id string, la *liveAgent) {
	<-la.handle.Exited()
	select {
	case <-la.stopCh:
		return // an intentional StopAgent already handled the transition
	default:
	}

	exitErr := la.handle.ExitErr()
	if exitErr != nil {
		m.markError(id, "process exited unexpectedly: "+exitErr.Error())
	} else {
		agent, err := m.store.GetAgent(id)
		if err == nil {
			agent.Status = types.AgentStopped
			agent.UpdatedAt = m.clk.Now()
			_ = m.store.PutAgent(agent)
		}
		m.publish(events.EventAgentStopped, id, "agent process exited cleanly")
		if m.OnAgentDown != nil {
			m.OnAgentDown(id, "agent process exited cleanly")
		}
	}

	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

// markError moves an agent's durable record to error and notifies both
// the event bus (for observers like the console gateway) and
// OnAgentDown (for the coordinator to requeue or fail the agent's
// in-flight tasks), covering both ways an agent can be judged down:
// an unexpected process exit (from watch) and a missed-heartbeat
// promotion (from heartbeatLoop, where the process may still be
// running but unresponsive).
func (m *Manager) markError(id, reason string) {
	agent, err := m.store.GetAgent(id)
	if err != nil {
		return
	}
	agent.Status = types.AgentError
	agent.UpdatedAt = m.clk.Now()
	if err := m.store.PutAgent(agent); err != nil {
		log.Errorf("persist agent error status", err)
	}
	m.publish(events.EventAgentError, id, reason)
	if m.OnAgentDown != nil {
		m.OnAgentDown(id, reason)
	}
}

func (m *Manager) publish(t events.EventType, agentID, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"agent_id": agentID},
	})
}
