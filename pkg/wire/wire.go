// Package wire defines the JSON bodies shared between the network's
// transports and remote agents: the stream frame, and the request/response
// shapes of the HTTP poll API.
package wire

// Frame types exchanged on the streaming transport. One JSON frame per
// WebSocket message.
const (
	FrameEvent     = "event"
	FrameResponse  = "response"
	FrameHeartbeat = "heartbeat"
)

// Frame is the streaming transport envelope. Exactly one of Event or
// Response is set, according to Type; heartbeat frames carry neither.
type Frame struct {
	Type string `json:"type"`
	// Event is the flat event object (see the event package wire format).
	Event map[string]any `json:"event,omitempty"`
	// Response answers an event sent with requires_response; ResponseTo
	// correlates it to the event id.
	Response   *Response `json:"response,omitempty"`
	ResponseTo string    `json:"response_to,omitempty"`
}

// Response mirrors event.Response on the wire.
type Response struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	AgentID      string         `json:"agent_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	// Subscriptions seeds the agent's event-name patterns at registration.
	Subscriptions []string `json:"subscriptions,omitempty"`
	// Reclaim evicts a previous session holding the same agent id.
	Reclaim bool `json:"reclaim,omitempty"`
}

// UnregisterRequest is the body of POST /api/unregister.
type UnregisterRequest struct {
	AgentID string `json:"agent_id"`
}

// SendResult is the body returned by POST /api/send_event. Data and
// ErrorCode carry the EventResponse when the event required one.
type SendResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

// PollResult is the body returned by GET /api/poll.
type PollResult struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message,omitempty"`
	Messages []map[string]any `json:"messages"`
}

// Ack is the minimal success/message body shared by register and
// unregister.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
