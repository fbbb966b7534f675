// Package topology maintains the in-memory registry of connected agents:
// their transport bindings, metadata, capabilities, subscriptions, channel
// membership, and liveness. The router consults it to resolve an event's
// recipient set; transports mutate it as agents come and go.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/events"
	"github.com/openagents/openagents/internal/events/bus"
)

var (
	// ErrAgentExists is returned when registering a duplicate live agent id
	// without the reclaim flag.
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentNotFound is returned when no live record exists for an agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrIDClaimed is returned when an agent id is reserved by a pending claim.
	ErrIDClaimed = errors.New("agent id claimed")
)

// Liveness is the lifecycle state of an agent record.
type Liveness string

const (
	LivenessConnected Liveness = "connected"
	LivenessDraining  Liveness = "draining"
	LivenessDead      Liveness = "dead"
)

// Binding is the opaque per-transport session handle stored with each agent
// record. Transports own the concrete type; the topology only needs to know
// which transport to hand an event to.
type Binding interface {
	TransportName() string
}

// BindingCloser is implemented by bindings that can be told to close, used
// when a reclaim registration evicts a previous session.
type BindingCloser interface {
	CloseBinding()
}

// AgentRecord describes one live agent.
type AgentRecord struct {
	AgentID       string
	Metadata      map[string]any
	Capabilities  []string
	Skills        []Skill
	IsRemote      bool
	Binding       Binding
	Subscriptions []string
	LastSeen      time.Time
	Liveness      Liveness
	registeredAt  time.Time
	seq           uint64
}

// Skill is a capability advertisement carried on the agent card.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Summary is the read-only view of an agent returned by ListAgents.
type Summary struct {
	AgentID       string         `json:"agent_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Skills        []Skill        `json:"skills,omitempty"`
	IsRemote      bool           `json:"is_remote"`
	Transport     string         `json:"transport,omitempty"`
	Subscriptions []string       `json:"subscriptions,omitempty"`
	LastSeen      float64        `json:"last_seen"`
}

// Filter selects agents in ListAgents.
type Filter struct {
	IncludeLocal  bool
	IncludeRemote bool
	Capability    string
	Pattern       string // event-name pattern any subscription must match
}

// Registration carries the inputs to RegisterAgent.
type Registration struct {
	AgentID      string
	Metadata     map[string]any
	Capabilities []string
	IsRemote     bool
	Binding      Binding
	// Reclaim evicts a previous live record with the same id instead of
	// rejecting, closing its binding.
	Reclaim bool
}

// Topology is the registry. All methods are safe for concurrent use.
type Topology struct {
	mu       sync.RWMutex
	agents   map[string]*AgentRecord
	channels map[string]map[string]bool // channel name -> member set
	claims   map[string]time.Time       // agent id -> claim expiry
	seq      uint64

	cfg config.TopologyConfig
	bus bus.Bus
	log *logger.Logger

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates an empty topology. The bus may be nil; liveness notifications
// are then skipped.
func New(cfg config.TopologyConfig, b bus.Bus, log *logger.Logger) *Topology {
	return &Topology{
		agents:   make(map[string]*AgentRecord),
		channels: make(map[string]map[string]bool),
		claims:   make(map[string]time.Time),
		cfg:      cfg,
		bus:      b,
		log:      log.WithFields(zap.String("component", "topology")),
	}
}

// RegisterAgent creates a live record for an agent. A duplicate live id is
// rejected with ErrAgentExists unless the registration reclaims it, in which
// case the previous binding is closed.
func (t *Topology) RegisterAgent(reg Registration) error {
	if reg.AgentID == "" {
		return fmt.Errorf("%w: empty agent id", ErrAgentNotFound)
	}

	var evicted Binding
	t.mu.Lock()
	if expiry, ok := t.claims[reg.AgentID]; ok {
		if time.Now().Before(expiry) {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrIDClaimed, reg.AgentID)
		}
		delete(t.claims, reg.AgentID)
	}
	if prev, ok := t.agents[reg.AgentID]; ok {
		if !reg.Reclaim {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAgentExists, reg.AgentID)
		}
		evicted = prev.Binding
	}
	t.seq++
	now := time.Now()
	t.agents[reg.AgentID] = &AgentRecord{
		AgentID:      reg.AgentID,
		Metadata:     copyMeta(reg.Metadata),
		Capabilities: append([]string(nil), reg.Capabilities...),
		IsRemote:     reg.IsRemote,
		Binding:      reg.Binding,
		LastSeen:     now,
		Liveness:     LivenessConnected,
		registeredAt: now,
		seq:          t.seq,
	}
	t.mu.Unlock()

	if closer, ok := evicted.(BindingCloser); ok {
		closer.CloseBinding()
	}

	t.log.Info("agent registered",
		zap.String("agent_id", reg.AgentID),
		zap.Bool("remote", reg.IsRemote),
		zap.Bool("reclaim", reg.Reclaim))
	t.publish(events.AgentRegistered, reg.AgentID)
	return nil
}

// UnregisterAgent removes an agent record. Idempotent: unknown ids are a
// no-op.
func (t *Topology) UnregisterAgent(agentID string) {
	t.mu.Lock()
	_, existed := t.agents[agentID]
	delete(t.agents, agentID)
	for _, members := range t.channels {
		delete(members, agentID)
	}
	t.mu.Unlock()

	if existed {
		t.log.Info("agent unregistered", zap.String("agent_id", agentID))
		t.publish(events.AgentUnregistered, agentID)
	}
}

// ClaimAgentID reserves an id for ttl so a cooperating process can register
// it. A live record or an unexpired claim rejects the request.
func (t *Topology) ClaimAgentID(agentID string, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.agents[agentID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}
	if expiry, ok := t.claims[agentID]; ok && time.Now().Before(expiry) {
		return fmt.Errorf("%w: %s", ErrIDClaimed, agentID)
	}
	t.claims[agentID] = time.Now().Add(ttl)
	return nil
}

// Get returns a snapshot of the agent record.
func (t *Topology) Get(agentID string) (*AgentRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.agents[agentID]
	if !ok {
		return nil, false
	}
	return rec.snapshot(), true
}

// Binding returns the transport binding for a live agent.
func (t *Topology) Binding(agentID string) (Binding, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return rec.Binding, nil
}

// UpdateMetadata merges keys into the agent's metadata, last writer wins.
func (t *Topology) UpdateMetadata(agentID string, md map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		rec.Metadata[k] = v
	}
	return nil
}

// UpdateSubscriptions merges event-name patterns into the agent's
// subscription set, deduplicating.
func (t *Topology) UpdateSubscriptions(agentID string, patterns []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	existing := make(map[string]bool, len(rec.Subscriptions))
	for _, p := range rec.Subscriptions {
		existing[p] = true
	}
	for _, p := range patterns {
		if p == "" || existing[p] {
			continue
		}
		existing[p] = true
		rec.Subscriptions = append(rec.Subscriptions, p)
	}
	return nil
}

// AnnounceSkills merges skill advertisements, last writer wins per skill id.
func (t *Topology) AnnounceSkills(agentID string, skills []Skill) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	for _, s := range skills {
		replaced := false
		for i, old := range rec.Skills {
			if old.ID == s.ID {
				rec.Skills[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			rec.Skills = append(rec.Skills, s)
		}
	}
	return nil
}

// MarkHeartbeat refreshes the agent's last-seen timestamp.
func (t *Topology) MarkHeartbeat(agentID string, ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if ts.After(rec.LastSeen) {
		rec.LastSeen = ts
	}
	return nil
}

// ListAgents returns summaries of agents matching the filter, in
// registration order.
func (t *Topology) ListAgents(f Filter) []Summary {
	t.mu.RLock()
	records := make([]*AgentRecord, 0, len(t.agents))
	for _, rec := range t.agents {
		records = append(records, rec)
	}
	t.mu.RUnlock()

	sortBySeq(records)
	out := make([]Summary, 0, len(records))
	for _, rec := range records {
		if rec.IsRemote && !f.IncludeRemote {
			continue
		}
		if !rec.IsRemote && !f.IncludeLocal {
			continue
		}
		if f.Capability != "" && !contains(rec.Capabilities, f.Capability) {
			continue
		}
		if f.Pattern != "" && !event.MatchAny(rec.Subscriptions, f.Pattern) {
			continue
		}
		out = append(out, rec.summary())
	}
	return out
}

// AllSkills returns the union of skills advertised by live agents, in
// registration order.
func (t *Topology) AllSkills() []Skill {
	t.mu.RLock()
	records := make([]*AgentRecord, 0, len(t.agents))
	for _, rec := range t.agents {
		records = append(records, rec)
	}
	t.mu.RUnlock()

	sortBySeq(records)
	var out []Skill
	for _, rec := range records {
		out = append(out, rec.Skills...)
	}
	return out
}

// Count returns the number of live agents.
func (t *Topology) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}

func (t *Topology) publish(subject, agentID string) {
	if t.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "topology", map[string]any{"agent_id": agentID})
	if err := t.bus.Publish(context.Background(), subject, ev); err != nil {
		t.log.Warn("liveness publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (r *AgentRecord) snapshot() *AgentRecord {
	out := *r
	out.Metadata = copyMeta(r.Metadata)
	out.Capabilities = append([]string(nil), r.Capabilities...)
	out.Skills = append([]Skill(nil), r.Skills...)
	out.Subscriptions = append([]string(nil), r.Subscriptions...)
	return &out
}

func (r *AgentRecord) summary() Summary {
	transport := ""
	if r.Binding != nil {
		transport = r.Binding.TransportName()
	}
	return Summary{
		AgentID:       r.AgentID,
		Metadata:      copyMeta(r.Metadata),
		Capabilities:  append([]string(nil), r.Capabilities...),
		Skills:        append([]Skill(nil), r.Skills...),
		IsRemote:      r.IsRemote,
		Transport:     transport,
		Subscriptions: append([]string(nil), r.Subscriptions...),
		LastSeen:      float64(r.LastSeen.UnixNano()) / 1e9,
	}
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func sortBySeq(records []*AgentRecord) {
	// Insertion sort keeps resolution deterministic; live agent counts are
	// small enough that asymptotics do not matter here.
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j-1].seq > records[j].seq; j-- {
			records[j-1], records[j] = records[j], records[j-1]
		}
	}
}
