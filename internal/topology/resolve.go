package topology

import (
	"github.com/openagents/openagents/internal/event"
)

// ResolveRecipients computes the ordered agent recipient set for an event:
// the destination set first, then any other live agents whose subscriptions
// match the event name, each filtered by visibility. The source never
// receives its own event unless allowed_agents opts it in. A mod destination
// yields no agent recipients at all.
func (t *Topology) ResolveRecipients(ev *event.Event) []string {
	dest := event.ParseDestination(ev.DestinationID)
	if dest.Kind == event.DestMod {
		return nil
	}

	t.mu.RLock()
	records := make([]*AgentRecord, 0, len(t.agents))
	for _, rec := range t.agents {
		records = append(records, rec)
	}
	var channelMembers map[string]bool
	if dest.Kind == event.DestChannel {
		channelMembers = copySet(t.channels[dest.Target])
	} else if ev.Visibility == event.VisibilityChannel && ev.DestinationID == "" {
		// Channel-visible events without a channel destination have no
		// membership to check against; nobody receives them.
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	sortBySeq(records)

	seen := make(map[string]bool)
	var out []string
	add := func(rec *AgentRecord) {
		if seen[rec.AgentID] {
			return
		}
		if !t.visible(ev, dest, rec.AgentID, channelMembers) {
			return
		}
		seen[rec.AgentID] = true
		out = append(out, rec.AgentID)
	}

	// Destination set.
	switch dest.Kind {
	case event.DestAgent:
		for _, rec := range records {
			if rec.AgentID == dest.Target {
				add(rec)
			}
		}
	case event.DestBroadcast:
		for _, rec := range records {
			add(rec)
		}
	case event.DestChannel:
		for _, rec := range records {
			if channelMembers[rec.AgentID] {
				add(rec)
			}
		}
	}

	// Union with subscription matches.
	for _, rec := range records {
		if event.MatchAny(rec.Subscriptions, ev.Name) {
			add(rec)
		}
	}
	return out
}

// visible applies the visibility and self-delivery rules for one candidate
// recipient.
func (t *Topology) visible(ev *event.Event, dest event.Destination, agentID string, channelMembers map[string]bool) bool {
	if agentID == ev.SourceID && !ev.AllowsAgent(agentID) {
		return false
	}
	switch ev.Visibility {
	case event.VisibilityNone:
		return false
	case event.VisibilityPrivate:
		return ev.AllowsAgent(agentID)
	case event.VisibilityChannel:
		if dest.Kind == event.DestChannel {
			return channelMembers[agentID]
		}
		return true
	default:
		return true
	}
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
