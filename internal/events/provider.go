package events

import (
	"fmt"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/events/bus"
)

// Provide builds the configured internal bus implementation and a cleanup
// function: NATS when a URL is configured, the in-memory bus otherwise.
func Provide(cfg config.BusConfig, log *logger.Logger) (bus.Bus, func(), error) {
	b, err := bus.New(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	return b, b.Close, nil
}
