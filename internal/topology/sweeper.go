package topology

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/events"
)

// Evictor is notified when the sweeper removes a stale agent, so transports
// can tear down queues and sessions. Registered by the network at wiring
// time.
type Evictor func(agentID string)

// StartSweeper launches the background loop that evicts agents whose last
// heartbeat is older than the configured timeout. StopSweeper stops it.
func (t *Topology) StartSweeper(onEvict Evictor) {
	ctx, cancel := context.WithCancel(context.Background())
	t.sweepCancel = cancel
	t.sweepDone = make(chan struct{})

	interval := t.cfg.SweepIntervalDuration()
	timeout := t.cfg.HeartbeatTimeoutDuration()

	go func() {
		defer close(t.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.sweep(now, timeout, onEvict)
			}
		}
	}()
}

// StopSweeper stops the background eviction loop and waits for it to exit.
func (t *Topology) StopSweeper() {
	if t.sweepCancel == nil {
		return
	}
	t.sweepCancel()
	<-t.sweepDone
	t.sweepCancel = nil
}

func (t *Topology) sweep(now time.Time, timeout time.Duration, onEvict Evictor) {
	cutoff := now.Add(-timeout)

	t.mu.Lock()
	var stale []string
	var bindings []Binding
	for id, rec := range t.agents {
		// Remote peers announced over A2A do not heartbeat; they are
		// withdrawn explicitly.
		if rec.IsRemote {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			rec.Liveness = LivenessDead
			stale = append(stale, id)
			bindings = append(bindings, rec.Binding)
		}
	}
	for _, id := range stale {
		delete(t.agents, id)
		for _, members := range t.channels {
			delete(members, id)
		}
	}
	for id, expiry := range t.claims {
		if now.After(expiry) {
			delete(t.claims, id)
		}
	}
	t.mu.Unlock()

	for i, id := range stale {
		t.log.Warn("agent evicted after heartbeat timeout", zap.String("agent_id", id))
		if closer, ok := bindings[i].(BindingCloser); ok {
			closer.CloseBinding()
		}
		if onEvict != nil {
			onEvict(id)
		}
		t.publish(events.AgentEvicted, id)
	}
}
