package network

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/internal/transport"
)

// HandleSystem answers a reserved system.* event directly, without
// invoking the mod pipeline. It always produces a response; system events
// are implicit requests.
func (n *Network) HandleSystem(ctx context.Context, ev *event.Event, auth router.AuthInfo) *event.Response {
	switch ev.Name {
	case event.SystemListAgents:
		return n.systemListAgents(ev)
	case event.SystemListMods:
		return n.systemListMods()
	case event.SystemGetModManifest:
		return n.systemGetModManifest(ev)
	case event.SystemPingAgent:
		return n.systemPingAgent(ev)
	case event.SystemClaimAgentID:
		return n.systemClaimAgentID(ev)
	case event.SystemValidateCertificate:
		return n.systemValidateCertificate(ev)
	case event.SystemPollMessages:
		return n.systemPollMessages(ctx, ev, auth)
	case event.SystemHeartbeat:
		return n.systemHeartbeat(auth)
	case event.SystemSubscribe:
		return n.systemSubscribe(ev, auth)
	case event.SystemAnnounceSkills:
		return n.systemAnnounceSkills(ev, auth)
	case event.SystemRegister:
		// Registration needs a live session; each transport handles it on
		// its own surface before calling RegisterAgent.
		return event.Errorf(event.CodeInvalidEvent, "system.register must be sent on a transport registration surface")
	case event.SystemUnregister:
		n.UnregisterAgent(auth.AgentID)
		return event.OK(nil)
	default:
		return event.Errorf(event.CodeInvalidEvent, "unknown system event %q", ev.Name)
	}
}

func (n *Network) systemListAgents(ev *event.Event) *event.Response {
	filter := topology.Filter{IncludeLocal: true, IncludeRemote: true}
	if v, ok := ev.Payload["include_local"].(bool); ok {
		filter.IncludeLocal = v
	}
	if v, ok := ev.Payload["include_remote"].(bool); ok {
		filter.IncludeRemote = v
	}
	if v, ok := ev.Payload["capability"].(string); ok {
		filter.Capability = v
	}
	if v, ok := ev.Payload["pattern"].(string); ok {
		filter.Pattern = v
	}
	agents := n.topo.ListAgents(filter)
	items := make([]any, len(agents))
	for i, a := range agents {
		items[i] = a
	}
	return event.OK(map[string]any{"agents": items, "count": len(items)})
}

func (n *Network) systemListMods() *event.Response {
	mods := n.pipeline.Mods()
	items := make([]any, len(mods))
	for i, m := range mods {
		items[i] = m.Manifest()
	}
	return event.OK(map[string]any{"mods": items, "count": len(items)})
}

func (n *Network) systemGetModManifest(ev *event.Event) *event.Response {
	modID, _ := ev.Payload["mod_id"].(string)
	if modID == "" {
		modID = ev.RelevantMod
	}
	m, ok := n.pipeline.Get(modID)
	if !ok {
		return event.Errorf(event.CodeModRejected, "unknown mod %q", modID)
	}
	return event.OK(map[string]any{"manifest": m.Manifest()})
}

func (n *Network) systemPingAgent(ev *event.Event) *event.Response {
	agentID, _ := ev.Payload["agent_id"].(string)
	rec, ok := n.topo.Get(agentID)
	if !ok {
		return event.Errorf(event.CodeUnknownAgent, "agent %q not found", agentID)
	}
	return event.OK(map[string]any{
		"agent_id":  rec.AgentID,
		"alive":     true,
		"last_seen": float64(rec.LastSeen.UnixNano()) / 1e9,
	})
}

func (n *Network) systemClaimAgentID(ev *event.Event) *event.Response {
	agentID, _ := ev.Payload["agent_id"].(string)
	if agentID == "" {
		return event.Errorf(event.CodeInvalidEvent, "agent_id is required")
	}
	if err := n.topo.ClaimAgentID(agentID, n.cfg.Topology.ClaimTTLDuration()); err != nil {
		return event.Errorf(event.CodeUnknownAgent, "claim rejected: %v", err)
	}
	return event.OK(map[string]any{
		"agent_id":    agentID,
		"ttl_seconds": n.cfg.Topology.ClaimTTL,
	})
}

// systemValidateCertificate echoes the presented fingerprint. There is no
// PKI in a single-node network; the hook exists for wire compatibility.
func (n *Network) systemValidateCertificate(ev *event.Event) *event.Response {
	data := map[string]any{"valid": true}
	if fp, ok := ev.Payload["fingerprint"].(string); ok {
		data["fingerprint"] = fp
	}
	return event.OK(data)
}

func (n *Network) systemPollMessages(ctx context.Context, ev *event.Event, auth router.AuthInfo) *event.Response {
	agentID, _ := ev.Payload["agent_id"].(string)
	if agentID == "" {
		agentID = auth.AgentID
	}
	max := intField(ev.Payload, "max")
	waitMS := intField(ev.Payload, "wait_ms")

	evs, err := n.queues.Poll(ctx, agentID, max, time.Duration(waitMS)*time.Millisecond)
	if err != nil {
		return event.Errorf(event.CodeUnknownAgent, "%v", err)
	}
	messages := make([]any, len(evs))
	for i, e := range evs {
		messages[i] = e.ToMap()
	}
	return event.OK(map[string]any{"messages": messages, "count": len(messages)})
}

func (n *Network) systemHeartbeat(auth router.AuthInfo) *event.Response {
	if err := n.topo.MarkHeartbeat(auth.AgentID, time.Now()); err != nil {
		return event.Errorf(event.CodeUnknownAgent, "%v", err)
	}
	return event.OK(nil)
}

func (n *Network) systemSubscribe(ev *event.Event, auth router.AuthInfo) *event.Response {
	patterns := stringSlice(ev.Payload["patterns"])
	if len(patterns) == 0 {
		return event.Errorf(event.CodeInvalidEvent, "patterns is required")
	}
	agentID := auth.AgentID
	if agentID == "" {
		agentID = ev.SourceID
	}
	if err := n.topo.UpdateSubscriptions(agentID, patterns); err != nil {
		return event.Errorf(event.CodeUnknownAgent, "%v", err)
	}
	return event.OK(map[string]any{"subscribed": patterns})
}

func (n *Network) systemAnnounceSkills(ev *event.Event, auth router.AuthInfo) *event.Response {
	items, _ := ev.Payload["skills"].([]any)
	skills := make([]topology.Skill, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		skill := topology.Skill{}
		skill.ID, _ = m["id"].(string)
		skill.Name, _ = m["name"].(string)
		skill.Description, _ = m["description"].(string)
		if skill.ID != "" {
			skills = append(skills, skill)
		}
	}
	agentID := auth.AgentID
	if agentID == "" {
		agentID = ev.SourceID
	}
	if err := n.topo.AnnounceSkills(agentID, skills); err != nil {
		return event.Errorf(event.CodeUnknownAgent, "%v", err)
	}
	n.log.Debug("skills announced", zap.String("agent_id", agentID), zap.Int("count", len(skills)))
	return event.OK(map[string]any{"announced": len(skills)})
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func stringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ensure interface satisfaction at compile time.
var (
	_ mod.NetworkHandle = (*Network)(nil)
	_ transport.Core    = (*Network)(nil)
)
