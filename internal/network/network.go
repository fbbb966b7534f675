// Package network implements the façade that owns everything: topology,
// router, queues, the mod pipeline, and the bound transports. It drives
// startup and shutdown ordering and answers the reserved system.* events.
package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/events"
	"github.com/openagents/openagents/internal/events/bus"
	"github.com/openagents/openagents/internal/mod"
	"github.com/openagents/openagents/internal/queue"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/internal/transport"
	"github.com/openagents/openagents/internal/transport/a2a"
	"github.com/openagents/openagents/internal/transport/httppoll"
	"github.com/openagents/openagents/internal/transport/stream"
)

// ErrBindFailure wraps a transport's failure to bind its address so the
// launcher can exit with the dedicated code.
var ErrBindFailure = errors.New("transport bind failure")

// Network is the single-process orchestrator.
type Network struct {
	descriptor *config.Descriptor
	cfg        *config.Config
	log        *logger.Logger

	bus        bus.Bus
	busCleanup func()
	topo       *topology.Topology
	queues     *queue.Manager
	pipeline   *mod.Pipeline
	router     *router.Router
	transports []transport.Transport

	modContexts map[string]mod.Context
	workspace   string
}

// New wires a network from its descriptor and server config. Mods are
// instantiated through the loader in declared order; transports through
// the default registry.
func New(descriptor *config.Descriptor, cfg *config.Config, loader *mod.Loader, log *logger.Logger) (*Network, error) {
	log = log.WithFields(zap.String("network", descriptor.Name))

	b, busCleanup, err := events.Provide(cfg.Bus, log)
	if err != nil {
		return nil, err
	}

	n := &Network{
		descriptor:  descriptor,
		cfg:         cfg,
		log:         log,
		bus:         b,
		busCleanup:  busCleanup,
		topo:        topology.New(cfg.Topology, b, log),
		queues:      queue.NewManager(cfg.Queue, log),
		modContexts: make(map[string]mod.Context),
		workspace:   descriptor.Workspace,
	}

	mods := make([]mod.Mod, 0, len(descriptor.Mods))
	for _, spec := range descriptor.Mods {
		m, err := loader.Load(spec.ID)
		if err != nil {
			return nil, fmt.Errorf("loading mods: %w", err)
		}
		mods = append(mods, m)
		n.modContexts[m.ID()] = mod.Context{
			ModID:   m.ID(),
			Config:  spec.Config,
			Network: n,
			Logger:  log,
		}
	}
	n.pipeline = mod.NewPipeline(mods, log)
	n.router = router.New(cfg.Router, n.topo, n.pipeline, log)

	registry := transport.NewRegistry()
	stream.Register(registry, descriptor.Host)
	httppoll.Register(registry, descriptor.Host)
	a2a.Register(registry, descriptor.Host)
	n.transports, err = registry.Build(descriptor.Transports)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Topology exposes the agent registry, for tests and embedding callers.
func (n *Network) Topology() *topology.Topology { return n.topo }

// Router exposes the event router.
func (n *Network) Router() *router.Router { return n.router }

// Queues exposes the poll queue manager.
func (n *Network) Queues() *queue.Manager { return n.queues }

// Pipeline exposes the mod pipeline.
func (n *Network) Pipeline() *mod.Pipeline { return n.pipeline }

// Start brings the network up: workspace directories, mods in declared
// order, the router, and transports last. A mod initialization failure
// aborts startup; a transport bind failure aborts with ErrBindFailure.
func (n *Network) Start(ctx context.Context) error {
	for id, mc := range n.modContexts {
		dir := filepath.Join(n.workspace, "mods", id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating mod state dir %s: %w", dir, err)
		}
		mc.StateDir = dir
		n.modContexts[id] = mc
	}

	if err := n.pipeline.Initialize(ctx, n.modContexts); err != nil {
		return err
	}
	for _, m := range n.pipeline.Mods() {
		n.publishMod(events.ModInitialized, m.ID())
	}
	n.router.Start()
	n.pipeline.StartTicker()
	n.topo.StartSweeper(func(agentID string) {
		n.queues.Close(agentID)
		n.pipeline.OnUnregisterAgent(agentID)
	})

	deps := transport.Deps{
		Router:   n.router,
		Topology: n.topo,
		Queues:   n.queues,
		Core:     n,
		Pipeline: n.pipeline,
		Config:   n.cfg,
		Network:  transport.NetworkInfo{Name: n.descriptor.Name, Host: n.descriptor.Host},
		Log:      n.log,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range n.transports {
		t.Bind(deps)
		t := t
		g.Go(func() error {
			if err := t.Start(gctx); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrBindFailure, t.Name(), err)
			}
			n.router.RegisterDeliverer(t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		n.stopTransports(false)
		return err
	}

	n.publish(events.NetworkStarted)
	n.log.Info("network started",
		zap.String("workspace", n.workspace),
		zap.Int("transports", len(n.transports)),
		zap.Int("mods", len(n.pipeline.Mods())))
	return nil
}

// Stop tears the network down in reverse order: transports first, then the
// router drains, then mods shut down in reverse declared order.
func (n *Network) Stop(ctx context.Context) {
	n.publish(events.NetworkStopped)

	n.stopTransports(true)
	n.router.Drain(n.cfg.Router.DrainTimeoutDuration())
	n.topo.StopSweeper()
	n.pipeline.StopTicker()
	n.pipeline.Shutdown(ctx)
	for _, m := range n.pipeline.Mods() {
		n.publishMod(events.ModShutdown, m.ID())
	}
	n.queues.CloseAll()
	if n.busCleanup != nil {
		n.busCleanup()
	}
	n.log.Info("network stopped")
}

func (n *Network) stopTransports(graceful bool) {
	timeout := n.cfg.Router.DrainTimeoutDuration()
	for i := len(n.transports) - 1; i >= 0; i-- {
		t := n.transports[i]
		if err := t.Stop(graceful, timeout); err != nil {
			n.log.Error("transport stop failed", zap.String("transport", t.Name()), zap.Error(err))
		}
	}
}

// RegisterAgent implements transport.Core: topology record plus mod
// fan-out.
func (n *Network) RegisterAgent(reg topology.Registration, subscriptions []string) error {
	if err := n.topo.RegisterAgent(reg); err != nil {
		return err
	}
	if len(subscriptions) > 0 {
		if err := n.topo.UpdateSubscriptions(reg.AgentID, subscriptions); err != nil {
			n.log.Warn("subscription seed failed", zap.String("agent_id", reg.AgentID), zap.Error(err))
		}
	}
	n.pipeline.OnRegisterAgent(reg.AgentID, reg.Metadata)
	return nil
}

// UnregisterAgent implements transport.Core. Idempotent.
func (n *Network) UnregisterAgent(agentID string) {
	n.topo.UnregisterAgent(agentID)
	n.pipeline.OnUnregisterAgent(agentID)
}

// EmitEvent implements mod.NetworkHandle: mod emissions are scheduled on
// the router's emission queue.
func (n *Network) EmitEvent(ev *event.Event) error {
	return n.router.Emit(ev)
}

// JoinChannel implements mod.NetworkHandle.
func (n *Network) JoinChannel(channel, agentID string) {
	n.topo.JoinChannel(channel, agentID)
}

// ChannelMembers implements mod.NetworkHandle.
func (n *Network) ChannelMembers(channel string) []string {
	return n.topo.ChannelMembers(channel)
}

// AgentIDs implements mod.NetworkHandle.
func (n *Network) AgentIDs() []string {
	agents := n.topo.ListAgents(topology.Filter{IncludeLocal: true, IncludeRemote: true})
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.AgentID
	}
	return ids
}

func (n *Network) publish(subject string) {
	n.publishData(subject, map[string]any{"name": n.descriptor.Name})
}

func (n *Network) publishMod(subject, modID string) {
	n.publishData(subject, map[string]any{"name": n.descriptor.Name, "mod_id": modID})
}

func (n *Network) publishData(subject string, data map[string]any) {
	if n.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "network", data)
	if err := n.bus.Publish(context.Background(), subject, ev); err != nil {
		n.log.Warn("bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
