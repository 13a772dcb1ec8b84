package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/agentswarm/pkg/coordinator"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/metrics"
	"github.com/cuemby/agentswarm/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// cmdQueueDepth bounds the per-connection execute_command backlog; the
// concurrency cap itself (one outstanding command at a time) comes from
// a single worker goroutine draining this queue serially, not from the
// buffer size.
const cmdQueueDepth = 256

// connection is one /ws client's session state: the websocket plus the
// authenticated/subscriptions bookkeeping spec.md §4.6 describes.
type connection struct {
	id     string
	server *Server
	conn   *websocket.Conn

	connectedAt time.Time
	writeMu     sync.Mutex

	authenticated atomic.Bool

	mu             sync.Mutex
	subscriptions  map[string]bool
	lastActivityAt time.Time

	sub      events.Subscriber
	cmdQueue chan *frame
}

func (s *Server) newConnection(conn *websocket.Conn) *connection {
	now := s.clk.Now()
	return &connection{
		id:             s.nextConnectionID(),
		server:         s,
		conn:           conn,
		connectedAt:    now,
		lastActivityAt: now,
		subscriptions:  make(map[string]bool),
		cmdQueue:       make(chan *frame, cmdQueueDepth),
	}
}

func (s *Server) registerConnection(c *connection) {
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
	metrics.GatewayConnectionsActive.Inc()
}

func (s *Server) unregisterConnection(c *connection) {
	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()
	metrics.GatewayConnectionsActive.Dec()
}

func (c *connection) snapshot() *types.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make(map[string]bool, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	return &types.Connection{
		ID:             c.id,
		Authenticated:  c.authenticated.Load(),
		ConnectedAt:    c.connectedAt,
		LastActivityAt: c.lastActivityAt,
		Subscriptions:  subs,
	}
}

func (c *connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivityAt = now
	c.mu.Unlock()
}

func (c *connection) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// handleWS upgrades the request to a websocket connection, enforcing
// the global max_connections cap: a connection past the cap still gets
// its welcome frame, then is closed with a policy-violation code, per
// spec.md §4.6.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed", err)
		return
	}

	if s.connectionCount() >= s.maxConnections {
		id := s.nextConnectionID()
		_ = conn.WriteJSON(frame{Type: frameWelcome, ConnectionID: id, ServerTime: s.clk.Now().UnixMilli()})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "max_connections reached"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := s.newConnection(conn)
	s.registerConnection(c)
	defer s.unregisterConnection(c)
	defer conn.Close()

	c.run(r.Context(), s)
}

func (c *connection) run(ctx context.Context, s *Server) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.bus != nil {
		c.sub = s.bus.Subscribe()
		defer s.bus.Unsubscribe(c.sub)
		go c.forwardEvents(ctx, c.sub)
	}

	go c.worker(ctx, s)
	defer close(c.cmdQueue)

	if err := c.writeFrame(frame{
		Type:          frameWelcome,
		ConnectionID:  c.id,
		ServerTime:    s.clk.Now().UnixMilli(),
		Authenticated: s.authToken == "",
	}); err != nil {
		return
	}
	if s.authToken == "" {
		c.authenticated.Store(true)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch(s.clk.Now())

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		c.handleFrame(ctx, s, &f)
	}
}

func (c *connection) handleFrame(ctx context.Context, s *Server, f *frame) {
	switch f.Type {
	case frameAuthenticate:
		if s.authToken == "" || f.Token == s.authToken {
			c.authenticated.Store(true)
			_ = c.writeFrame(frame{Type: frameAuthSuccess, ID: f.ID})
		} else {
			_ = c.writeFrame(frame{Type: frameAuthFailed, ID: f.ID})
		}

	case framePing:
		_ = c.writeFrame(frame{Type: framePong, ID: f.ID, TS: s.clk.Now().UnixMilli()})

	case frameSubscribe:
		c.mu.Lock()
		for _, ev := range f.Events {
			c.subscriptions[ev] = true
		}
		c.mu.Unlock()
		if s.bus != nil && c.sub != nil {
			topics := make([]events.EventType, len(f.Events))
			for i, ev := range f.Events {
				topics[i] = events.EventType(ev)
			}
			s.bus.Topics(c.sub, topics...)
		}

	case frameExecuteCmd:
		if s.authToken != "" && !c.authenticated.Load() {
			_ = c.writeFrame(frame{Type: frameCommandError, ID: f.ID, Error: errs.CodeUnauthenticated})
			return
		}
		select {
		case c.cmdQueue <- f:
		case <-ctx.Done():
		}

	default:
		// Unknown frame types log-and-drop rather than close the
		// connection, per the tagged-variant handling pattern.
		log.Debug("dropping unknown gateway frame type: " + f.Type)
	}
}

// worker drains cmdQueue one frame at a time, giving every connection
// exactly one outstanding execute_command at once while later requests
// wait in FIFO order on the channel itself.
func (c *connection) worker(ctx context.Context, s *Server) {
	for f := range c.cmdQueue {
		cmd := coordinator.Command{Op: f.Command, Data: f.Data}

		timer := metrics.NewTimer()
		result, err := s.exec.Execute(ctx, cmd)
		timer.ObserveDurationVec(metrics.CommandDuration, cmd.Op)

		if err != nil {
			_ = c.writeFrame(frame{Type: frameCommandError, ID: f.ID, Error: errs.CodeOf(err), Message: err.Error()})
			continue
		}
		_ = c.writeFrame(frame{Type: frameCommandResult, ID: f.ID, Result: result})
	}
}

// forwardEvents pushes broker events onto the connection as event
// frames, but only once the connection is authenticated; the broker
// itself only ever delivers topics this connection subscribed to, per
// "broadcasts domain events to subscribed, authenticated connections."
func (c *connection) forwardEvents(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !c.authenticated.Load() {
				continue
			}
			_ = c.writeFrame(frame{
				Type:      frameEvent,
				EventType: string(ev.Type),
				Message:   ev.Message,
				TS:        ev.Timestamp.UnixMilli(),
			})
		case <-ctx.Done():
			return
		}
	}
}
