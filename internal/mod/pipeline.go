package mod

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
)

// TickInterval is how often the pipeline invokes each mod's Tick.
const TickInterval = time.Second

// entry wraps one mod with the mutex serializing its hooks.
type entry struct {
	mod Mod
	mu  sync.Mutex
}

// Pipeline runs mods in declared order. The first Absorb or Respond stops
// the chain. Panics inside a mod are recovered and converted per the router
// failure semantics: a response-requiring event gets a failure response,
// anything else continues with the next mod.
type Pipeline struct {
	entries []*entry
	byID    map[string]*entry
	log     *logger.Logger

	tickCancel context.CancelFunc
	tickDone   chan struct{}
}

// NewPipeline creates a pipeline over mods in declared order.
func NewPipeline(mods []Mod, log *logger.Logger) *Pipeline {
	p := &Pipeline{
		byID: make(map[string]*entry, len(mods)),
		log:  log.WithFields(zap.String("component", "pipeline")),
	}
	for _, m := range mods {
		e := &entry{mod: m}
		p.entries = append(p.entries, e)
		p.byID[m.ID()] = e
	}
	return p
}

// Mods returns the mods in declared order.
func (p *Pipeline) Mods() []Mod {
	out := make([]Mod, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.mod
	}
	return out
}

// Get returns the mod with the given id.
func (p *Pipeline) Get(modID string) (Mod, bool) {
	e, ok := p.byID[modID]
	if !ok {
		return nil, false
	}
	return e.mod, true
}

// Process runs the event through the pipeline and reports the first
// non-Pass verdict. Each mod sees a clone; a mutation before Pass is copied
// forward so later mods and recipients observe it. An event destined to
// mod:<id> is shown only to that mod.
func (p *Pipeline) Process(ev *event.Event) (*event.Event, Verdict) {
	dest := event.ParseDestination(ev.DestinationID)
	if dest.Kind == event.DestMod {
		e, ok := p.byID[dest.Target]
		if !ok {
			if ev.RequiresResponse {
				return ev, RespondVerdict(event.Errorf(event.CodeModRejected, "unknown mod %q", dest.Target))
			}
			return ev, AbsorbVerdict()
		}
		_, v := p.processOne(e, ev)
		if v.Kind == Pass {
			// A mod-targeted event never reaches agents.
			v = AbsorbVerdict()
		}
		return ev, v
	}

	current := ev
	for _, e := range p.entries {
		mutated, v := p.processOne(e, current)
		switch v.Kind {
		case Pass:
			current = mutated
		default:
			return current, v
		}
	}
	return current, PassVerdict()
}

// processOne invokes one mod under its mutex with panic recovery.
func (p *Pipeline) processOne(e *entry, ev *event.Event) (mutated *event.Event, v Verdict) {
	clone := ev.Clone()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("mod panicked in ProcessEvent",
				zap.String("mod_id", e.mod.ID()),
				zap.String("event_name", ev.Name),
				zap.Any("panic", r))
			mutated = ev
			if ev.RequiresResponse {
				v = RespondVerdict(event.Errorf(event.CodeModRejected, "mod %s failed: %v", e.mod.ID(), r))
			} else {
				v = PassVerdict()
			}
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	v = e.mod.ProcessEvent(clone)
	return clone, v
}

// OnRegisterAgent notifies every mod of a new agent.
func (p *Pipeline) OnRegisterAgent(agentID string, metadata map[string]any) {
	for _, e := range p.entries {
		p.notify(e, func(m Mod) { m.OnRegisterAgent(agentID, metadata) })
	}
}

// OnUnregisterAgent notifies every mod of a departed agent.
func (p *Pipeline) OnUnregisterAgent(agentID string) {
	for _, e := range p.entries {
		p.notify(e, func(m Mod) { m.OnUnregisterAgent(agentID) })
	}
}

func (p *Pipeline) notify(e *entry, fn func(Mod)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("mod panicked in lifecycle hook",
				zap.String("mod_id", e.mod.ID()),
				zap.Any("panic", r))
		}
	}()
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.mod)
}

// StartTicker launches the background loop invoking each mod's Tick at
// TickInterval. Tick panics are logged and the mod keeps ticking.
func (p *Pipeline) StartTicker() {
	ctx, cancel := context.WithCancel(context.Background())
	p.tickCancel = cancel
	p.tickDone = make(chan struct{})

	go func() {
		defer close(p.tickDone)
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, e := range p.entries {
					p.notify(e, func(m Mod) { m.Tick(now) })
				}
			}
		}
	}()
}

// StopTicker stops the tick loop and waits for it to exit.
func (p *Pipeline) StopTicker() {
	if p.tickCancel == nil {
		return
	}
	p.tickCancel()
	<-p.tickDone
	p.tickCancel = nil
}

// Initialize runs every mod's Initialize in declared order. The first
// failure aborts startup.
func (p *Pipeline) Initialize(ctx context.Context, contexts map[string]Context) error {
	for _, e := range p.entries {
		mc, ok := contexts[e.mod.ID()]
		if !ok {
			return fmt.Errorf("no context for mod %s", e.mod.ID())
		}
		if err := e.mod.Initialize(ctx, mc); err != nil {
			return fmt.Errorf("mod %s initialize: %w", e.mod.ID(), err)
		}
		p.log.Info("mod initialized", zap.String("mod_id", e.mod.ID()))
	}
	return nil
}

// Shutdown runs every mod's Shutdown in reverse declared order. Failures
// are logged; shutdown continues.
func (p *Pipeline) Shutdown(ctx context.Context) {
	for i := len(p.entries) - 1; i >= 0; i-- {
		e := p.entries[i]
		if err := e.mod.Shutdown(ctx); err != nil {
			p.log.Error("mod shutdown failed", zap.String("mod_id", e.mod.ID()), zap.Error(err))
		} else {
			p.log.Info("mod shut down", zap.String("mod_id", e.mod.ID()))
		}
	}
}
