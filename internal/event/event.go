// Package event defines the Event and Response value types exchanged between
// agents, transports, mods, and the router, together with the one
// subscription-pattern rule used for routing.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned when an event fails schema or visibility
// validation.
var ErrInvalidEvent = errors.New("invalid event")

// SourceType identifies what kind of participant produced an event.
type SourceType string

const (
	SourceAgent   SourceType = "agent"
	SourceNetwork SourceType = "network"
	SourceMod     SourceType = "mod"
)

// Visibility controls which agents may receive an event.
type Visibility string

const (
	VisibilityNetwork Visibility = "network" // any subscriber (default)
	VisibilityChannel Visibility = "channel" // channel members only
	VisibilityPrivate Visibility = "private" // allowed_agents only
	VisibilityNone    Visibility = "none"    // no agent recipients
)

// Event is the unit of communication. All transports normalize their wire
// format to this type at the boundary; mods and the router only ever see
// Events.
type Event struct {
	ID               string         `json:"event_id"`
	Name             string         `json:"event_name"`
	SourceID         string         `json:"source_id"`
	SourceType       SourceType     `json:"source_type,omitempty"`
	DestinationID    string         `json:"destination_id,omitempty"`
	Payload          map[string]any `json:"payload"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Visibility       Visibility     `json:"visibility,omitempty"`
	AllowedAgents    []string       `json:"allowed_agents,omitempty"`
	Timestamp        float64        `json:"timestamp,omitempty"`
	RelevantMod      string         `json:"relevant_mod,omitempty"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	ResponseTo       string         `json:"response_to,omitempty"`
}

// Option mutates an Event under construction.
type Option func(*Event)

// WithSourceType sets the source type (default SourceAgent).
func WithSourceType(st SourceType) Option {
	return func(e *Event) { e.SourceType = st }
}

// WithDestination sets the destination id (agent:<id>, agent:broadcast,
// channel:<name>, mod:<id>, or a bare agent id).
func WithDestination(dest string) Option {
	return func(e *Event) { e.DestinationID = dest }
}

// WithPayload sets the payload map.
func WithPayload(payload map[string]any) Option {
	return func(e *Event) { e.Payload = payload }
}

// WithMetadata sets the metadata map.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) { e.Metadata = md }
}

// WithVisibility sets the visibility.
func WithVisibility(v Visibility) Option {
	return func(e *Event) { e.Visibility = v }
}

// WithAllowedAgents sets the allowed-agents set (honoured when visibility is
// private; also opts a source into self-delivery).
func WithAllowedAgents(ids ...string) Option {
	return func(e *Event) { e.AllowedAgents = ids }
}

// WithRequiresResponse marks the event as a request expecting exactly one
// Response.
func WithRequiresResponse() Option {
	return func(e *Event) { e.RequiresResponse = true }
}

// WithRelevantMod scopes the event to a mod.
func WithRelevantMod(modID string) Option {
	return func(e *Event) { e.RelevantMod = modID }
}

// WithResponseTo marks the event as a reply to another event id.
func WithResponseTo(eventID string) Option {
	return func(e *Event) { e.ResponseTo = eventID }
}

// WithTimestamp overrides the wall-clock stamp (seconds).
func WithTimestamp(ts float64) Option {
	return func(e *Event) { e.Timestamp = ts }
}

// WithID overrides the generated event id.
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// New constructs a validated Event with a fresh UUID and timestamp.
func New(name, sourceID string, opts ...Option) (*Event, error) {
	e := &Event{
		ID:         uuid.NewString(),
		Name:       name,
		SourceID:   sourceID,
		SourceType: SourceAgent,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Now returns the current wall clock in seconds, the Event timestamp unit.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Normalize fills defaults and applies the visibility coercion rules:
// a channel destination forces channel visibility, a missing visibility
// defaults to network, a missing timestamp is stamped.
func (e *Event) Normalize() {
	if e.SourceType == "" {
		e.SourceType = SourceAgent
	}
	if e.Visibility == "" {
		e.Visibility = VisibilityNetwork
	}
	if ParseDestination(e.DestinationID).Kind == DestChannel {
		e.Visibility = VisibilityChannel
	}
	if e.Timestamp == 0 {
		e.Timestamp = Now()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
}

// Validate checks the event schema. Normalize should run first.
func (e *Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: event_name is required", ErrInvalidEvent)
	}
	if e.SourceID == "" {
		return fmt.Errorf("%w: source_id is required", ErrInvalidEvent)
	}
	switch e.SourceType {
	case SourceAgent, SourceNetwork, SourceMod:
	default:
		return fmt.Errorf("%w: unknown source_type %q", ErrInvalidEvent, e.SourceType)
	}
	switch e.Visibility {
	case VisibilityNetwork, VisibilityChannel, VisibilityPrivate, VisibilityNone:
	default:
		return fmt.Errorf("%w: unknown visibility %q", ErrInvalidEvent, e.Visibility)
	}
	if e.Visibility == VisibilityPrivate && len(e.AllowedAgents) == 0 {
		return fmt.Errorf("%w: private visibility requires allowed_agents", ErrInvalidEvent)
	}
	return nil
}

// AllowsAgent reports whether the allowed-agents set contains id.
func (e *Event) AllowsAgent(id string) bool {
	for _, a := range e.AllowedAgents {
		if a == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Mods receive clones so a mutation before Pass
// never aliases the router's copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = copyMap(e.Payload)
	out.Metadata = copyMap(e.Metadata)
	if e.AllowedAgents != nil {
		out.AllowedAgents = append([]string(nil), e.AllowedAgents...)
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// ToMap serializes the event to the flat wire object shared by the HTTP and
// JSON-RPC transports.
func (e *Event) ToMap() map[string]any {
	m := map[string]any{
		"event_id":   e.ID,
		"event_name": e.Name,
		"source_id":  e.SourceID,
		"payload":    copyMap(e.Payload),
	}
	if e.SourceType != "" {
		m["source_type"] = string(e.SourceType)
	}
	if e.DestinationID != "" {
		m["destination_id"] = e.DestinationID
	}
	if e.Metadata != nil {
		m["metadata"] = copyMap(e.Metadata)
	}
	if e.Visibility != "" {
		m["visibility"] = string(e.Visibility)
	}
	if len(e.AllowedAgents) > 0 {
		m["allowed_agents"] = append([]string(nil), e.AllowedAgents...)
	}
	if e.Timestamp != 0 {
		m["timestamp"] = e.Timestamp
	}
	if e.RelevantMod != "" {
		m["relevant_mod"] = e.RelevantMod
	}
	if e.RequiresResponse {
		m["requires_response"] = true
	}
	if e.ResponseTo != "" {
		m["response_to"] = e.ResponseTo
	}
	return m
}

// FromMap parses the flat wire object into an Event, tolerating the scalar
// types JSON decoding produces. Unknown keys are ignored.
func FromMap(m map[string]any) (*Event, error) {
	e := &Event{}
	e.ID = stringField(m, "event_id")
	e.Name = stringField(m, "event_name")
	e.SourceID = stringField(m, "source_id")
	e.SourceType = SourceType(stringField(m, "source_type"))
	e.DestinationID = stringField(m, "destination_id")
	e.Visibility = Visibility(stringField(m, "visibility"))
	e.RelevantMod = stringField(m, "relevant_mod")
	e.ResponseTo = stringField(m, "response_to")

	if v, ok := m["payload"].(map[string]any); ok {
		e.Payload = copyMap(v)
	}
	if v, ok := m["metadata"].(map[string]any); ok {
		e.Metadata = copyMap(v)
	}
	if v, ok := m["requires_response"].(bool); ok {
		e.RequiresResponse = v
	}
	switch ts := m["timestamp"].(type) {
	case float64:
		e.Timestamp = ts
	case int:
		e.Timestamp = float64(ts)
	case int64:
		e.Timestamp = float64(ts)
	}
	switch allowed := m["allowed_agents"].(type) {
	case []string:
		e.AllowedAgents = append([]string(nil), allowed...)
	case []any:
		for _, item := range allowed {
			if s, ok := item.(string); ok {
				e.AllowedAgents = append(e.AllowedAgents, s)
			}
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
