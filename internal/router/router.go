// Package router implements the event-routing algorithm: validate, run the
// mod pipeline, resolve recipients through the topology, deliver via each
// recipient's transport, and produce the at-most-one synchronous response
// when the event asked for one.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/common/tracing"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
	"github.com/openagents/openagents/internal/topology"
)

var (
	// ErrUnavailable is returned for events arriving during shutdown.
	ErrUnavailable = errors.New("router unavailable")
	// ErrNotAuthorized is returned when an agent event's source id does not
	// match the transport's authenticated agent id.
	ErrNotAuthorized = errors.New("source id does not match authenticated agent")
)

// AuthInfo identifies the authenticated origin of an inbound event.
// Transports fill it from their session state; the zero value means the
// event was synthesized by the network or a mod.
type AuthInfo struct {
	AgentID   string
	Transport string
}

// Deliverer pushes an event to one connected agent. Each transport
// implements it; the router looks the transport up by the binding's name.
type Deliverer interface {
	Name() string
	Deliver(ev *event.Event, binding topology.Binding) error
}

// Router is purely reactive: running or draining, no other states.
type Router struct {
	topo     *topology.Topology
	pipeline *mod.Pipeline
	log      *logger.Logger
	cfg      config.RouterConfig

	mu         sync.RWMutex
	deliverers map[string]Deliverer

	draining atomic.Bool
	inflight sync.WaitGroup

	emitCh     chan *event.Event
	emitCancel context.CancelFunc
	emitDone   chan struct{}
}

// New creates a router over the topology and mod pipeline.
func New(cfg config.RouterConfig, topo *topology.Topology, pipeline *mod.Pipeline, log *logger.Logger) *Router {
	return &Router{
		topo:       topo,
		pipeline:   pipeline,
		log:        log.WithFields(zap.String("component", "router")),
		cfg:        cfg,
		deliverers: make(map[string]Deliverer),
		emitCh:     make(chan *event.Event, cfg.EmitBuffer),
	}
}

// RegisterDeliverer makes a transport available for recipient delivery.
func (r *Router) RegisterDeliverer(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverers[d.Name()] = d
}

// Route runs the full algorithm for one inbound event. It returns the
// response when the event required one (never nil in that case), or nil.
// The returned error covers conditions the transport reports on its own
// wire: validation, authorization, unavailability.
func (r *Router) Route(ctx context.Context, ev *event.Event, auth AuthInfo) (*event.Response, error) {
	if r.draining.Load() {
		return nil, ErrUnavailable
	}
	r.inflight.Add(1)
	defer r.inflight.Done()

	ctx, span := tracing.Tracer("router").Start(ctx, "router.route", trace.WithAttributes(
		attribute.String("event.name", ev.Name),
		attribute.String("event.source", ev.SourceID),
	))
	defer span.End()

	// Step 1: normalize and validate.
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	// Step 2: an agent event must come from the agent the transport
	// authenticated.
	if ev.SourceType == event.SourceAgent && auth.AgentID != "" && ev.SourceID != auth.AgentID {
		return nil, fmt.Errorf("%w: claimed %q, authenticated %q", ErrNotAuthorized, ev.SourceID, auth.AgentID)
	}

	// Step 3: the mod pipeline. System events never enter it.
	routed := ev
	if !event.IsSystem(ev.Name) {
		mutated, verdict := r.pipeline.Process(ev)
		switch verdict.Kind {
		case mod.Respond:
			if ev.RequiresResponse {
				return verdict.Response, nil
			}
			return nil, nil
		case mod.Absorb:
			if ev.RequiresResponse {
				return event.OK(map[string]any{"absorbed": true}), nil
			}
			return nil, nil
		}
		routed = mutated
	}

	// Steps 4-5: resolve and deliver.
	recipients := r.topo.ResolveRecipients(routed)
	delivered := 0
	for _, agentID := range recipients {
		if err := r.deliverTo(agentID, routed); err != nil {
			r.log.Warn("delivery failed",
				zap.String("agent_id", agentID),
				zap.String("event_name", routed.Name),
				zap.Error(err))
			continue
		}
		delivered++
	}
	span.SetAttributes(attribute.Int("event.recipients", delivered))

	// Step 6: default response when no mod answered.
	if ev.RequiresResponse {
		return event.OK(map[string]any{"recipients": delivered}), nil
	}
	return nil, nil
}

// deliverTo looks up the recipient's binding and hands the event to its
// transport.
func (r *Router) deliverTo(agentID string, ev *event.Event) error {
	binding, err := r.topo.Binding(agentID)
	if err != nil {
		return err
	}
	if binding == nil {
		return fmt.Errorf("agent %s has no transport binding", agentID)
	}
	r.mu.RLock()
	d, ok := r.deliverers[binding.TransportName()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no transport %q for agent %s", binding.TransportName(), agentID)
	}
	return d.Deliver(ev, binding)
}

// Emit schedules a mod- or network-synthesized event for routing after the
// current event finishes. Non-blocking: a full emission queue rejects.
func (r *Router) Emit(ev *event.Event) error {
	if r.draining.Load() {
		return ErrUnavailable
	}
	select {
	case r.emitCh <- ev:
		return nil
	default:
		return fmt.Errorf("emission queue full (cap %d)", r.cfg.EmitBuffer)
	}
}

// Start launches the emission dispatcher.
func (r *Router) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.emitCancel = cancel
	r.emitDone = make(chan struct{})
	go func() {
		defer close(r.emitDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.emitCh:
				if _, err := r.Route(context.Background(), ev, AuthInfo{}); err != nil {
					r.log.Warn("emitted event rejected",
						zap.String("event_name", ev.Name),
						zap.Error(err))
				}
			}
		}
	}()
}

// Drain stops accepting new events, waits for in-flight routing to finish
// up to the timeout, and stops the emission dispatcher.
func (r *Router) Drain(timeout time.Duration) {
	if r.draining.Swap(true) {
		return
	}
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.log.Warn("drain timeout with events still in flight", zap.Duration("timeout", timeout))
	}
	if r.emitCancel != nil {
		r.emitCancel()
		<-r.emitDone
	}
}
