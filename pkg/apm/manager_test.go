package apm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime simulates an agent subprocess over in-memory pipes: it
// echoes a pong for every ping it receives, so tests can drive the
// heartbeat state machine deterministically with a fake clock.
type fakeRuntime struct {
	mu        sync.Mutex
	processes map[*ProcessHandle]*fakeProcess
}

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	quietCh chan struct{} // closed to stop answering pings (simulate hang)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{processes: make(map[*ProcessHandle]*fakeProcess)}
}

func (f *fakeRuntime) Spawn(ctx context.Context, spec AgentSpec) (*ProcessHandle, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := &ProcessHandle{
		PID:         1,
		stdin:       stdinW,
		lines:       make(chan string, 64),
		cancel:      func() {},
		exited:      make(chan struct{}),
		doneReading: make(chan struct{}),
	}
	go h.readLines(stdoutR)

	fp := &fakeProcess{stdinR: stdinR, stdoutW: stdoutW, quietCh: make(chan struct{})}
	f.mu.Lock()
	f.processes[h] = fp
	f.mu.Unlock()

	go fp.run()

	return h, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, h *ProcessHandle, opts StopOptions) error {
	f.mu.Lock()
	fp := f.processes[h]
	f.mu.Unlock()
	if fp != nil {
		fp.stdoutW.Close()
		fp.stdinR.Close()
	}
	h.exitErr = nil
	close(h.exited)
	return nil
}

// exit simulates the process dying on its own (watcher picks this up).
func (f *fakeRuntime) exit(h *ProcessHandle, err error) {
	f.mu.Lock()
	fp := f.processes[h]
	f.mu.Unlock()
	if fp != nil {
		fp.stdoutW.Close()
	}
	h.exitErr = err
	close(h.exited)
}

func (fp *fakeProcess) run() {
	scanner := bufio.NewScanner(fp.stdinR)
	for scanner.Scan() {
		var f frame
		if json.Unmarshal(scanner.Bytes(), &f) == nil && f.Type == "ping" {
			select {
			case <-fp.quietCh:
				continue
			default:
				io.WriteString(fp.stdoutW, `{"type":"pong"}`+"\n")
			}
		}
	}
}

func testSpec() AgentSpec {
	return AgentSpec{
		Name:                "alpha",
		Type:                types.AgentTypeCoder,
		Command:             "fake",
		HeartbeatIntervalMs: 50,
		MaxMissedHeartbeats: 2,
		StartGraceMs:        500,
	}
}

func TestManagerCreateAgentBecomesIdleOnFirstPong(t *testing.T) {
	rt := newFakeRuntime()
	store := storage.NewMemStore()
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	m := NewManager(rt, store, bus, clock.Real())
	id, err := m.CreateAgent(context.Background(), testSpec())
	require.NoError(t, err)

	agent, err := store.GetAgent(id)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, agent.Status)
	assert.NotNil(t, agent.ProcessHandle)
}

func TestManagerCreateAgentTimesOutWithoutPong(t *testing.T) {
	rt := newFakeRuntime()
	store := storage.NewMemStore()

	spec := testSpec()
	spec.StartGraceMs = 50
	spec.HeartbeatIntervalMs = 10_000 // never fires within the grace window

	m := NewManager(rt, store, nil, clock.Real())
	_, err := m.CreateAgent(context.Background(), spec)
	require.Error(t, err)
}

func TestManagerStopAgentIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	store := storage.NewMemStore()
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	m := NewManager(rt, store, bus, clock.Real())
	id, err := m.CreateAgent(context.Background(), testSpec())
	require.NoError(t, err)

	require.NoError(t, m.StopAgent(context.Background(), id, StopOptions{Graceful: true, TimeoutMs: 100}))
	agent, err := store.GetAgent(id)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStopped, agent.Status)

	// stopping again is a no-op, not an error
	require.NoError(t, m.StopAgent(context.Background(), id, StopOptions{Graceful: true, TimeoutMs: 100}))
}

func TestManagerSendTaskUnknownAgent(t *testing.T) {
	m := NewManager(newFakeRuntime(), storage.NewMemStore(), nil, clock.Real())
	err := m.SendTask("does-not-exist", `{"type":"task"}`)
	require.Error(t, err)
}

func TestManagerUnexpectedExitMarksError(t *testing.T) {
	rt := newFakeRuntime()
	store := storage.NewMemStore()
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	m := NewManager(rt, store, bus, clock.Real())
	id, err := m.CreateAgent(context.Background(), testSpec())
	require.NoError(t, err)

	m.mu.Lock()
	la := m.live[id]
	m.mu.Unlock()

	rt.exit(la.handle, assertErr{})

	require.Eventually(t, func() bool {
		agent, err := store.GetAgent(id)
		return err == nil && agent.Status == types.AgentError
	}, time.Second, 10*time.Millisecond)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
