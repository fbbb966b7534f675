// Package transport defines the interface every wire transport implements
// and the registry that builds transports from network descriptor entries.
// A transport accepts frames from remote agents, normalizes them to Events
// for the router, and delivers outbound Events to its connected agents.
package transport

import (
	"context"
	"time"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
	"github.com/openagents/openagents/internal/queue"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
)

// Core is the network surface transports call into: system.* events
// answered outside the mod pipeline, and agent lifecycle with its fan-out
// to mods.
type Core interface {
	// HandleSystem answers a reserved system.* event directly.
	HandleSystem(ctx context.Context, ev *event.Event, auth router.AuthInfo) *event.Response

	// RegisterAgent creates the topology record and notifies mods.
	RegisterAgent(reg topology.Registration, subscriptions []string) error

	// UnregisterAgent removes the record and notifies mods. Idempotent.
	UnregisterAgent(agentID string)
}

// Deps is everything a transport binds to. The network fills it before
// Start.
type Deps struct {
	Router   *router.Router
	Topology *topology.Topology
	Queues   *queue.Manager
	Core     Core
	Pipeline *mod.Pipeline
	Config   *config.Config
	Network  NetworkInfo
	Log      *logger.Logger
}

// NetworkInfo is the descriptor-level identity transports expose on their
// wire (agent cards, registration acks).
type NetworkInfo struct {
	Name string
	Host string
}

// Transport is one wire protocol implementation.
type Transport interface {
	// Name identifies the transport; bindings carry it so the router can
	// find the transport that owns an agent's session.
	Name() string

	// Bind wires the transport to the network's components. Called once
	// before Start.
	Bind(deps Deps)

	// Start begins listening. A failure to bind the address is fatal to
	// network startup.
	Start(ctx context.Context) error

	// Deliver pushes an event to a connected agent. Non-blocking;
	// best-effort.
	Deliver(ev *event.Event, binding topology.Binding) error

	// Stop closes all sessions. When graceful, in-flight requests get up
	// to timeout to finish.
	Stop(graceful bool, timeout time.Duration) error
}
