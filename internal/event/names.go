package event

import "strings"

// System event names. Events whose name starts with "system." are answered
// by the network directly and never enter the mod pipeline.
const (
	SystemRegister            = "system.register"
	SystemUnregister          = "system.unregister"
	SystemListAgents          = "system.list_agents"
	SystemListMods            = "system.list_mods"
	SystemGetModManifest      = "system.get_mod_manifest"
	SystemPingAgent           = "system.ping_agent"
	SystemClaimAgentID        = "system.claim_agent_id"
	SystemValidateCertificate = "system.validate_certificate"
	SystemPollMessages        = "system.poll_messages"
	SystemHeartbeat           = "system.heartbeat"
	SystemSubscribe           = "system.subscribe"
	SystemAnnounceSkills      = "system.announce_skills"
)

const systemPrefix = "system."

// IsSystem reports whether an event name belongs to the reserved system set.
func IsSystem(name string) bool {
	return strings.HasPrefix(name, systemPrefix)
}

// Names of events the JSON-RPC transport synthesizes for inbound messages.
const (
	UserMessage = "user.message"
)
