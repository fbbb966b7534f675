// Package events defines the subjects published on the internal bus.
package events

// Subjects for agent liveness changes.
const (
	AgentRegistered   = "topology.agent.registered"
	AgentUnregistered = "topology.agent.unregistered"
	AgentEvicted      = "topology.agent.evicted"
)

// Subjects for network lifecycle.
const (
	NetworkStarted = "network.started"
	NetworkStopped = "network.stopped"
)

// Subjects for mod lifecycle.
const (
	ModInitialized = "mod.initialized"
	ModShutdown    = "mod.shutdown"
)
