package event

import "fmt"

// Response error codes carried on the wire. Transports translate these to
// their own error shapes (HTTP status, JSON-RPC error data).
const (
	CodeInvalidEvent        = "invalid_event"
	CodeUnknownAgent        = "unknown_agent"
	CodeQueueFull           = "queue_full"
	CodeNotAuthorized       = "auth_required"
	CodeModRejected         = "mod_rejected"
	CodeTaskNotFound        = "task_not_found"
	CodeTaskNotCancellable  = "task_not_cancellable"
	CodeUnavailable         = "unavailable"
	CodeThreadDepthExceeded = "thread_depth_exceeded"
)

// Response is the at-most-one synchronous reply to an event that was sent
// with requires_response. Produced by a mod, or by the router as a default.
type Response struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

// OK returns a success response carrying data (which may be nil).
func OK(data map[string]any) *Response {
	return &Response{Success: true, Data: data}
}

// OKMessage returns a success response with a human-readable message.
func OKMessage(format string, args ...any) *Response {
	return &Response{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Errorf returns a failure response with an error code and message.
func Errorf(code, format string, args ...any) *Response {
	return &Response{
		Success:   false,
		Message:   fmt.Sprintf(format, args...),
		ErrorCode: code,
	}
}

// WithData attaches data to the response and returns it.
func (r *Response) WithData(data map[string]any) *Response {
	r.Data = data
	return r
}
