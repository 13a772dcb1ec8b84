package apm

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/cuemby/agentswarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("os/exec shell scripting assumptions target unix shells")
	}
}

func TestProcessRuntimeSpawnAndExchangeLines(t *testing.T) {
	skipIfWindows(t)

	rt := NewProcessRuntime()
	spec := AgentSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", `while read line; do echo '{"type":"pong"}'; done`},
	}

	h, err := rt.Spawn(context.Background(), spec)
	require.NoError(t, err)
	require.Greater(t, h.PID, 0)

	require.NoError(t, h.WriteLine(pingLine))

	select {
	case line := <-h.Lines():
		assert.True(t, isPong(line))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}

	require.NoError(t, rt.Stop(context.Background(), h, StopOptions{Graceful: true, TimeoutMs: 500}))

	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
}

func TestProcessRuntimeSpawnBadCommand(t *testing.T) {
	skipIfWindows(t)

	rt := NewProcessRuntime()
	_, err := rt.Spawn(context.Background(), AgentSpec{Command: "/no/such/executable-xyz"})
	require.Error(t, err)
}

func TestProcessRuntimeWallTimeout(t *testing.T) {
	skipIfWindows(t)

	rt := NewProcessRuntime()
	spec := AgentSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
		Caps:    types.ResourceCaps{WallTimeoutMs: 100},
	}

	h, err := rt.Spawn(context.Background(), spec)
	require.NoError(t, err)

	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("wall timeout did not kill the process")
	}
}
