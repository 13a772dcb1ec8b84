// Command agentswarmd is the control-plane daemon: it wires the
// persistence port, agent process manager, swarm coordinator, metrics
// sampler, auto-scaler, and console gateway into one process and runs
// until signalled, per spec.md §6's environment-driven entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/agentswarm/pkg/apm"
	"github.com/cuemby/agentswarm/pkg/autoscaler"
	"github.com/cuemby/agentswarm/pkg/clock"
	"github.com/cuemby/agentswarm/pkg/config"
	"github.com/cuemby/agentswarm/pkg/coordinator"
	"github.com/cuemby/agentswarm/pkg/events"
	"github.com/cuemby/agentswarm/pkg/gateway"
	"github.com/cuemby/agentswarm/pkg/idgen"
	"github.com/cuemby/agentswarm/pkg/log"
	"github.com/cuemby/agentswarm/pkg/metrics"
	"github.com/cuemby/agentswarm/pkg/storage"
	"github.com/cuemby/agentswarm/pkg/types"
)

// exit codes per spec.md §6.
const (
	exitOK         = 0
	exitStartupErr = 1
	exitBadConfig  = 2
	exitInterrupt  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad configuration: %v\n", err)
		return exitBadConfig
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	for _, key := range config.WarnUnknown(config.DeclaredKeys()) {
		log.Logger.Warn().Str("key", key).Msg("unknown environment variable ignored")
	}

	store, err := storage.NewBoltStore(cfg.DataPath)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to open persistence store")
		return exitStartupErr
	}
	defer store.Close()

	if err := ensureDefaultPolicy(store, cfg); err != nil {
		log.Logger.Error().Err(err).Msg("failed to seed default scaling policy")
		return exitStartupErr
	}

	clk := clock.Real()
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	runtime := apm.NewProcessRuntime()
	procMgr := apm.NewManager(runtime, store, bus, clk)

	coord := coordinator.NewCoordinator(store, bus, clk, procMgr)

	// Wire the APM's line/down callbacks to the coordinator now, before
	// anything can spawn an agent: without this, task_result frames and
	// agent-crash notifications are read and silently discarded, and no
	// submitted task can ever reach a terminal state.
	procMgr.OnLine = coord.HandleAgentLine
	procMgr.OnAgentDown = coord.HandleAgentDown

	sampler := metrics.NewSampler(coord, store, clk, time.Duration(cfg.MetricsIntervalMs)*time.Millisecond)

	scaler := autoscaler.NewScaler(store, coord, sampler.Ring(), bus, clk,
		autoscaler.WithInterval(time.Duration(cfg.ScaleIntervalMs)*time.Millisecond),
		autoscaler.WithAgentTemplate(defaultAgentTemplate()),
	)

	gw := gateway.NewServer(store, coord, scaler, bus, clk, cfg.AuthToken, cfg.MaxConnections)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coord.Run(ctx)
	sampler.Start(ctx)
	scaler.Start(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	log.Logger.Info().Str("addr", addr).Msg("agentswarmd started")

	// Start blocks until ctx is cancelled (signal received) or the
	// listener itself fails; either way it returns once the HTTP server
	// has been shut down.
	gwErr := gw.Start(ctx, addr)
	interrupted := ctx.Err() != nil
	if gwErr != nil && !interrupted {
		log.Logger.Error().Err(gwErr).Msg("console gateway exited")
	}

	scaler.Stop()
	sampler.Stop()
	coord.Stop()

	log.Logger.Info().Msg("agentswarmd stopped")
	if interrupted {
		return exitInterrupt
	}
	if gwErr != nil {
		return exitStartupErr
	}
	return exitOK
}

// ensureDefaultPolicy seeds a conservative scaling policy on first run
// so the auto-scaler has something to read before an operator issues
// `scale policy set`. It never overwrites an existing policy.
func ensureDefaultPolicy(store storage.Store, cfg *config.Config) error {
	if _, err := store.GetCurrentPolicy(); err == nil {
		return nil
	}

	policy := &types.ScalingPolicy{
		ID:                 idgen.NewID(),
		Name:               "default",
		Type:               types.PolicyAuto,
		MinAgents:          1,
		MaxAgents:          cfg.MaxAgents,
		TargetUtilization:  70,
		ScaleUpThreshold:   80,
		ScaleDownThreshold: 60,
		CooldownSeconds:    60,
		Enabled:            true,
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	return store.PutScalingPolicy(policy)
}

// defaultAgentTemplate is the spawn spec the auto-scaler uses for
// agents it creates on scale-up. The agent subprocess itself is out of
// scope (spec.md §1's "black box"); the template runs an executable
// named agent-runner, looked up on PATH, and no configuration option
// overrides it.
func defaultAgentTemplate() apm.AgentSpec {
	return apm.AgentSpec{
		Type:    types.AgentTypeGeneral,
		Command: "agent-runner",
	}
}
