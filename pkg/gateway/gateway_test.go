package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentswarm/pkg/apm"
	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/coordinator"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
)

// fakeDispatcher stands in for *apm.Manager the same way
// coordinator_test.go's does, so the gateway tests never spawn a real
// subprocess.
type fakeDispatcher struct {
	store storage.Store
	clk   clock.Clock
	seq   int
}

func (f *fakeDispatcher) CreateAgent(ctx context.Context, spec apm.AgentSpec) (string, error) {
	f.seq++
	id := "agent-" + strconv.Itoa(f.seq)
	now := f.clk.Now()
	agent := &types.Agent{ID: id, Name: spec.Name, Type: spec.Type, Status: types.AgentIdle, CreatedAt: now, UpdatedAt: now}
	return id, f.store.PutAgent(agent)
}

func (f *fakeDispatcher) StopAgent(ctx context.Context, id string, opts apm.StopOptions) error {
	return f.store.DeleteAgent(id)
}

func (f *fakeDispatcher) SendTask(id string, envelope string) error { return nil }

// fakeScaler stands in for *autoscaler.Scaler, satisfying the
// gateway's narrow scaler interface without a real metrics ring or
// agent directory.
type fakeScaler struct {
	scaleByCalls []int
	policy       *types.ScalingPolicy
}

func (f *fakeScaler) ScaleBy(ctx context.Context, n int) error {
	f.scaleByCalls = append(f.scaleByCalls, n)
	return nil
}

func (f *fakeScaler) SetPolicy(p *types.ScalingPolicy) error {
	f.policy = p
	return nil
}

func newTestGateway(t *testing.T, authToken string, maxConnections int) (*httptest.Server, *Server, *fakeScaler) {
	t.Helper()
	store := storage.NewMemStore()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	disp := &fakeDispatcher{store: store, clk: fc}
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	coord := coordinator.NewCoordinator(store, bus, fc, disp)
	fs := &fakeScaler{}

	gw := NewServer(store, coord, fs, bus, fc, authToken, maxConnections)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, gw, fs
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWelcomeAutoAuthenticatesWhenAuthDisabled(t *testing.T) {
	srv, _, _ := newTestGateway(t, "", 10)
	conn := dial(t, srv)

	welcome := readFrame(t, conn)
	assert.Equal(t, frameWelcome, welcome.Type)
	assert.True(t, welcome.Authenticated)
}

func TestExecuteCommandRejectedBeforeAuthenticateWhenAuthEnabled(t *testing.T) {
	srv, _, _ := newTestGateway(t, "secret-token", 10)
	conn := dial(t, srv)

	welcome := readFrame(t, conn)
	assert.False(t, welcome.Authenticated, "auth enabled: connection starts unauthenticated")

	require.NoError(t, conn.WriteJSON(frame{Type: frameExecuteCmd, ID: "1", Command: "agent_spawn", Data: json.RawMessage(`{"type":"general"}`)}))

	reply := readFrame(t, conn)
	assert.Equal(t, frameCommandError, reply.Type)
	assert.Equal(t, "1", reply.ID)
	assert.NotEmpty(t, reply.Error)

	// Confirm the spawn never actually happened: authenticate then list.
	require.NoError(t, conn.WriteJSON(frame{Type: frameAuthenticate, Token: "secret-token"}))
	_ = readFrame(t, conn) // auth_success

	require.NoError(t, conn.WriteJSON(frame{Type: frameExecuteCmd, ID: "2", Command: "agent_list"}))
	listReply := readFrame(t, conn)
	require.Equal(t, frameCommandResult, listReply.Type)
	if agents, ok := listReply.Result.([]any); ok {
		assert.Empty(t, agents, "the pre-auth agent_spawn must not have executed")
	} else {
		assert.Nil(t, listReply.Result, "an empty agent list serializes as null or []")
	}
}

func TestGatewayCommandRoundTrip(t *testing.T) {
	srv, _, _ := newTestGateway(t, "", 10)
	conn := dial(t, srv)
	_ = readFrame(t, conn) // welcome, auto-authenticated

	require.NoError(t, conn.WriteJSON(frame{Type: frameExecuteCmd, ID: "42", Command: "agent_list"}))
	reply := readFrame(t, conn)
	assert.Equal(t, frameCommandResult, reply.Type)
	assert.Equal(t, "42", reply.ID)
}

func TestExecuteCommandsCompleteInFIFOOrder(t *testing.T) {
	srv, _, _ := newTestGateway(t, "", 10)
	conn := dial(t, srv)
	_ = readFrame(t, conn) // welcome

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(frame{
			Type: frameExecuteCmd, ID: strconv.Itoa(i), Command: "agent_list",
		}))
	}

	for i := 0; i < 5; i++ {
		reply := readFrame(t, conn)
		require.Equal(t, frameCommandResult, reply.Type)
		assert.Equal(t, strconv.Itoa(i), reply.ID, "results arrive in the order requests were enqueued")
	}
}

func TestMaxConnectionsClosesExtraConnectionAfterWelcome(t *testing.T) {
	srv, _, _ := newTestGateway(t, "", 1)

	first := dial(t, srv)
	_ = readFrame(t, first) // welcome, counts against the cap

	second, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer second.Close()

	welcome := readFrame(t, second)
	assert.Equal(t, frameWelcome, welcome.Type)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestScaleUpCommandReachesScaler(t *testing.T) {
	srv, _, fs := newTestGateway(t, "", 10)
	conn := dial(t, srv)
	_ = readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(frame{Type: frameExecuteCmd, ID: "1", Command: "scale_up", Data: json.RawMessage(`{"n":2}`)}))
	reply := readFrame(t, conn)
	require.Equal(t, frameCommandResult, reply.Type)
	require.Len(t, fs.scaleByCalls, 1)
	assert.Equal(t, 2, fs.scaleByCalls[0])
}

func TestHTTPExecuteRequiresBearerTokenWhenConfigured(t *testing.T) {
	srv, _, _ := newTestGateway(t, "secret-token", 10)

	body := strings.NewReader(`{"op":"agent_list"}`)
	resp, err := http.Post(srv.URL+"/execute", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/execute", strings.NewReader(`{"op":"agent_list"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestHealthReportsConnectionCount(t *testing.T) {
	srv, _, _ := newTestGateway(t, "", 10)
	conn := dial(t, srv)
	_ = readFrame(t, conn)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "ok", got["status"])
	assert.EqualValues(t, 1, got["connections"])
}
