package event

import "strings"

// Destination prefixes understood by the router.
const (
	BroadcastDestination = "agent:broadcast"
	agentPrefix          = "agent:"
	channelPrefix        = "channel:"
	modPrefix            = "mod:"
)

// DestKind classifies a destination_id.
type DestKind int

const (
	DestNone      DestKind = iota // no destination: route by subscription
	DestAgent                     // a single agent
	DestBroadcast                 // every live agent except the source
	DestChannel                   // members of a channel
	DestMod                       // one mod; never any agent recipients
)

// Destination is a parsed destination_id.
type Destination struct {
	Kind   DestKind
	Target string // agent id, channel name, or mod id; empty for none/broadcast
}

// ParseDestination classifies a destination_id. A bare identifier with no
// prefix is treated as an agent id for backward compatibility.
func ParseDestination(dest string) Destination {
	switch {
	case dest == "":
		return Destination{Kind: DestNone}
	case dest == BroadcastDestination:
		return Destination{Kind: DestBroadcast}
	case strings.HasPrefix(dest, agentPrefix):
		return Destination{Kind: DestAgent, Target: dest[len(agentPrefix):]}
	case strings.HasPrefix(dest, channelPrefix):
		return Destination{Kind: DestChannel, Target: dest[len(channelPrefix):]}
	case strings.HasPrefix(dest, modPrefix):
		return Destination{Kind: DestMod, Target: dest[len(modPrefix):]}
	default:
		return Destination{Kind: DestAgent, Target: dest}
	}
}

// AgentDestination formats an agent-targeted destination_id.
func AgentDestination(agentID string) string {
	return agentPrefix + agentID
}

// ChannelDestination formats a channel-targeted destination_id.
func ChannelDestination(channel string) string {
	return channelPrefix + channel
}

// ModDestination formats a mod-targeted destination_id.
func ModDestination(modID string) string {
	return modPrefix + modID
}
