package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/coordinator"
	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/idgen"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/metrics"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
)

// Server is the Console Gateway (C7).
type Server struct {
	store storage.Store
	coord *coordinator.Coordinator
	exec  *executor
	bus   *events.Broker
	clk   clock.Clock

	authToken      string
	maxConnections int
	startedAt      time.Time

	router     chi.Router
	httpServer *http.Server

	connsMu sync.RWMutex
	conns   map[string]*connection
}

// NewServer wires a Console Gateway over the coordinator (C3/C4 ops)
// and scaler (C6 ops) command surface. clk may be nil for the real
// wall clock.
func NewServer(store storage.Store, coord *coordinator.Coordinator, as scaler, bus *events.Broker, clk clock.Clock, authToken string, maxConnections int) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	if maxConnections <= 0 {
		maxConnections = 100
	}
	s := &Server{
		store:          store,
		coord:          coord,
		exec:           newExecutor(coord, as),
		bus:            bus,
		clk:            clk,
		authToken:      authToken,
		maxConnections: maxConnections,
		startedAt:      clk.Now(),
		conns:          make(map[string]*connection),
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/execute", s.handleExecute)
	r.Get("/connections", s.handleConnections)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/ws", s.handleWS)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start binds addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.httpServer.Shutdown(context.Background())
	}
}

// Serve runs the gateway on an already-bound listener, for tests that
// need a random port.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.httpServer = &http.Server{Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(lis) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.httpServer.Shutdown(context.Background())
	}
}

func (s *Server) connectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime_ms":   s.clk.Now().Sub(s.startedAt).Milliseconds(),
		"connections": s.connectionCount(),
	})
	metrics.GatewayRequestsTotal.WithLabelValues("/health", "200").Inc()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.GetStatus(s.startedAt)
	if err != nil {
		s.writeHTTPError(w, "/status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
	metrics.GatewayRequestsTotal.WithLabelValues("/status", "200").Inc()
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.connsMu.RLock()
	snapshots := make([]*types.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		snapshots = append(snapshots, c.snapshot())
	}
	s.connsMu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ConnectedAt.Before(snapshots[j].ConnectedAt) })
	writeJSON(w, http.StatusOK, snapshots)
	metrics.GatewayRequestsTotal.WithLabelValues("/connections", "200").Inc()
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.httpAuthorized(r) {
		s.writeHTTPError(w, "/execute", errs.New(errs.Invalid, errs.CodeUnauthenticated, "missing or invalid bearer token"))
		return
	}

	var cmd coordinator.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeHTTPError(w, "/execute", errs.Invalidf(errs.CodeInvalidType, "malformed command body: %v", err))
		return
	}

	timer := metrics.NewTimer()
	result, err := s.exec.Execute(r.Context(), cmd)
	timer.ObserveDurationVec(metrics.CommandDuration, cmd.Op)
	if err != nil {
		s.writeHTTPError(w, "/execute", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
	metrics.GatewayRequestsTotal.WithLabelValues("/execute", "200").Inc()
}

// httpAuthorized reports whether r carries the configured bearer token.
// When no token is configured, every request is authorized.
func (s *Server) httpAuthorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == s.authToken
}

func (s *Server) writeHTTPError(w http.ResponseWriter, route string, err error) {
	status := httpStatusFor(errs.KindOf(err))
	writeJSON(w, status, map[string]any{"error": errs.CodeOf(err), "message": err.Error()})
	metrics.GatewayRequestsTotal.WithLabelValues(route, statusLabel(status)).Inc()
}

func httpStatusFor(kind errs.Kind) int {
	switch kind {
	case errs.Invalid:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict:
		return http.StatusConflict
	case errs.Exhausted:
		return http.StatusTooManyRequests
	case errs.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func statusLabel(status int) string {
	switch status {
	case http.StatusOK:
		return "200"
	case http.StatusBadRequest:
		return "400"
	case http.StatusNotFound:
		return "404"
	case http.StatusConflict:
		return "409"
	case http.StatusTooManyRequests:
		return "429"
	case http.StatusServiceUnavailable:
		return "503"
	default:
		return "500"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode gateway response", err)
	}
}

func (s *Server) nextConnectionID() string {
	return idgen.NewID()
}
