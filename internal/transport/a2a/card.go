package a2a

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openagents/openagents/internal/topology"
)

// AgentCard is the discovery document served at /.well-known/agent.json
// and by the agent/card method.
type AgentCard struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	URL             string           `json:"url"`
	Version         string           `json:"version"`
	Skills          []topology.Skill `json:"skills,omitempty"`
}

// Version is the implementation version advertised on the card.
const Version = "1.0.0"

func (t *Transport) agentCard() AgentCard {
	skills := t.deps.Topology.AllSkills()
	for _, m := range t.deps.Pipeline.Mods() {
		manifest := m.Manifest()
		skills = append(skills, topology.Skill{
			ID:          manifest.ID,
			Name:        manifest.Name,
			Description: manifest.Description,
		})
	}
	return AgentCard{
		ProtocolVersion: ProtocolVersion,
		Name:            t.deps.Network.Name,
		Description:     "OpenAgents network",
		URL:             t.baseURL(),
		Version:         Version,
		Skills:          skills,
	}
}

func (t *Transport) baseURL() string {
	host := t.host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/a2a", host, t.port)
}

func (t *Transport) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, t.agentCard())
}
