package mod

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
)

// Base supplies no-op defaults and context plumbing so concrete mods only
// implement the hooks they care about. Embed it by value.
type Base struct {
	ctx Context
}

// Bind stores the mod context. Concrete mods call it from Initialize.
func (b *Base) Bind(mc Context) {
	b.ctx = mc
	if b.ctx.Logger == nil {
		b.ctx.Logger = logger.Default()
	}
	b.ctx.Logger = b.ctx.Logger.WithModID(mc.ModID)
}

// ModContext returns the bound context.
func (b *Base) ModContext() Context { return b.ctx }

// Log returns the mod-scoped logger.
func (b *Base) Log() *logger.Logger {
	if b.ctx.Logger == nil {
		return logger.Default()
	}
	return b.ctx.Logger
}

// Emit sends a new event into the router, scheduled after the current event
// finishes. Failures are logged, not returned: mod emissions are
// best-effort notifications.
func (b *Base) Emit(ev *event.Event) {
	if b.ctx.Network == nil {
		return
	}
	if ev.SourceType == "" || ev.SourceType == event.SourceAgent {
		ev.SourceType = event.SourceMod
	}
	if err := b.ctx.Network.EmitEvent(ev); err != nil {
		b.Log().Warn("mod emission rejected", zap.String("event_name", ev.Name), zap.Error(err))
	}
}

// Shutdown is a no-op by default.
func (b *Base) Shutdown(ctx context.Context) error { return nil }

// OnRegisterAgent is a no-op by default.
func (b *Base) OnRegisterAgent(agentID string, metadata map[string]any) {}

// OnUnregisterAgent is a no-op by default.
func (b *Base) OnUnregisterAgent(agentID string) {}

// Tick is a no-op by default.
func (b *Base) Tick(now time.Time) {}
