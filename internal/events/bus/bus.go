// Package bus provides the internal event bus the network publishes lifecycle
// notifications on (agent liveness, mod lifecycle, network start/stop). It is
// distinct from the routed Event fabric: bus events never reach agents.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
)

// Event is one message on the internal bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds a bus event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one bus event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus carries lifecycle notifications between network components. Subjects
// are dotted names with NATS-style wildcards: `*` matches one token, `>`
// matches the rest.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// New selects a bus implementation from configuration: NATS when a URL is
// configured, the in-memory bus otherwise.
func New(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL != "" {
		return NewNATSBus(cfg, log)
	}
	return NewMemoryBus(log), nil
}
