// Package mod defines the mod interface and the pipeline that runs mods in
// declared order against every routed event. Mods are in-process domain
// handlers (threaded chat, shared documents, wiki, forum, task delegation)
// that observe, transform, absorb, or answer events.
package mod

import (
	"context"
	"time"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
)

// VerdictKind is a mod's decision about an event.
type VerdictKind int

const (
	// Pass hands the (possibly mutated) event to the next mod and then to
	// agent recipients.
	Pass VerdictKind = iota
	// Absorb stops the pipeline; the event reaches no later mod and no
	// agent.
	Absorb
	// Respond stops the pipeline and answers the event.
	Respond
)

// Verdict is returned by ProcessEvent.
type Verdict struct {
	Kind     VerdictKind
	Response *event.Response
}

// PassVerdict lets the event continue.
func PassVerdict() Verdict { return Verdict{Kind: Pass} }

// AbsorbVerdict swallows the event.
func AbsorbVerdict() Verdict { return Verdict{Kind: Absorb} }

// RespondVerdict swallows the event and answers it.
func RespondVerdict(r *event.Response) Verdict {
	return Verdict{Kind: Respond, Response: r}
}

// NetworkHandle is the narrow view of the network a mod can act through.
// Emitted events are scheduled after the current event finishes routing, so
// a mod never re-enters the pipeline from inside ProcessEvent.
type NetworkHandle interface {
	EmitEvent(ev *event.Event) error

	// JoinChannel adds an agent to a channel's recipient set.
	JoinChannel(channel, agentID string)
	// ChannelMembers lists a channel's live members in registration order.
	ChannelMembers(channel string) []string
	// AgentIDs lists all live agents in registration order.
	AgentIDs() []string
}

// Context carries everything a mod receives at initialization time.
type Context struct {
	ModID string
	// Config is the free-form block from the network descriptor.
	Config config.ModeMap
	// StateDir is the mod's exclusive persistence directory,
	// <workspace>/mods/<mod_id>/. It exists before Initialize runs.
	StateDir string
	Network  NetworkHandle
	Logger   *logger.Logger
}

// Manifest describes a mod for system.list_mods / system.get_mod_manifest.
type Manifest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description,omitempty"`
	EventPrefixes []string `json:"event_prefixes,omitempty"`
	Operations    []string `json:"operations,omitempty"`
}

// Mod is implemented by every domain handler. The pipeline serializes
// ProcessEvent and Tick per mod; a mod only needs to guard state it shares
// with goroutines of its own making.
type Mod interface {
	ID() string
	Manifest() Manifest

	Initialize(ctx context.Context, mc Context) error
	Shutdown(ctx context.Context) error

	OnRegisterAgent(agentID string, metadata map[string]any)
	OnUnregisterAgent(agentID string)

	// ProcessEvent receives a clone of the routed event; mutations before
	// Pass propagate to later mods and recipients.
	ProcessEvent(ev *event.Event) Verdict

	// Tick runs periodically (default 1 Hz) for timeouts and background
	// maintenance.
	Tick(now time.Time)
}
