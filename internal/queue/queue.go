// Package queue implements the per-agent bounded outbound queues used by
// poll-mode transports. Each queue is strict FIFO, drops its oldest entry on
// overflow, and supports at most one long-poll waiter at a time.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
)

var (
	// ErrAgentNotFound is returned when no queue exists for an agent id.
	ErrAgentNotFound = errors.New("no queue for agent")
	// ErrPollBusy is returned when a second poll arrives while one is
	// already waiting on the same queue.
	ErrPollBusy = errors.New("poll already in progress")
	// ErrQueueClosed is returned when enqueueing onto a closed queue.
	ErrQueueClosed = errors.New("queue closed")
)

// Stats is a point-in-time view of one agent queue.
type Stats struct {
	Depth   int   `json:"depth"`
	Dropped int64 `json:"dropped"`
}

// agentQueue is one bounded FIFO. Producers are the router and mod
// emissions; the single consumer is the agent's poller.
type agentQueue struct {
	mu      sync.Mutex
	items   []*event.Event
	cap     int
	dropped atomic.Int64
	waiter  chan struct{} // non-nil while a poll is blocked
	polling bool
	closed  bool
}

// Manager owns the queues, keyed by agent id.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*agentQueue
	cfg    config.QueueConfig
	log    *logger.Logger
}

// NewManager creates an empty queue manager.
func NewManager(cfg config.QueueConfig, log *logger.Logger) *Manager {
	return &Manager{
		queues: make(map[string]*agentQueue),
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "queue")),
	}
}

// Ensure creates the agent's queue if it does not exist yet.
func (m *Manager) Ensure(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[agentID]; !ok {
		m.queues[agentID] = &agentQueue{cap: m.cfg.Capacity}
	}
}

// Has reports whether a queue exists for the agent.
func (m *Manager) Has(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.queues[agentID]
	return ok
}

// Enqueue appends an event to the agent's queue. When the queue is at
// capacity the oldest entry is dropped and the dropped counter incremented;
// delivery is best-effort by design.
func (m *Manager) Enqueue(agentID string, ev *event.Event) error {
	m.mu.RLock()
	q, ok := m.queues[agentID]
	m.mu.RUnlock()
	if !ok {
		return ErrAgentNotFound
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.cap > 0 && len(q.items) >= q.cap {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped.Add(1)
		m.log.Warn("queue overflow, dropped oldest event",
			zap.String("agent_id", agentID),
			zap.Int64("dropped_total", q.dropped.Load()))
	}
	q.items = append(q.items, ev)
	waiter := q.waiter
	q.waiter = nil
	q.mu.Unlock()

	if waiter != nil {
		close(waiter)
	}
	return nil
}

// Poll returns up to max events from the agent's queue, waiting up to wait
// for at least one to arrive. It returns as soon as any event is available.
// A second concurrent poll on the same agent fails with ErrPollBusy.
func (m *Manager) Poll(ctx context.Context, agentID string, max int, wait time.Duration) ([]*event.Event, error) {
	m.mu.RLock()
	q, ok := m.queues[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAgentNotFound
	}

	if max <= 0 {
		max = m.cfg.PollMax
	}
	if max > m.cfg.PollMaxLimit {
		max = m.cfg.PollMaxLimit
	}
	if limit := m.cfg.PollWaitLimitDuration(); wait > limit {
		wait = limit
	}

	q.mu.Lock()
	if q.polling {
		q.mu.Unlock()
		return nil, ErrPollBusy
	}
	if batch := q.take(max); len(batch) > 0 || wait <= 0 {
		q.mu.Unlock()
		return batch, nil
	}
	q.polling = true
	waiter := make(chan struct{})
	q.waiter = waiter
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-waiter:
	case <-timer.C:
	case <-ctx.Done():
	}

	q.mu.Lock()
	q.polling = false
	if q.waiter == waiter {
		q.waiter = nil
	}
	batch := q.take(max)
	q.mu.Unlock()
	return batch, nil
}

// take pops up to max events. Caller holds q.mu.
func (q *agentQueue) take(max int) []*event.Event {
	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if n > max {
		n = max
	}
	batch := make([]*event.Event, n)
	copy(batch, q.items[:n])
	remaining := copy(q.items, q.items[n:])
	for i := remaining; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:remaining]
	return batch
}

// Close destroys the agent's queue, waking any blocked poller with an empty
// result. Idempotent.
func (m *Manager) Close(agentID string) {
	m.mu.Lock()
	q, ok := m.queues[agentID]
	delete(m.queues, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	q.closed = true
	q.items = nil
	waiter := q.waiter
	q.waiter = nil
	q.mu.Unlock()

	if waiter != nil {
		close(waiter)
	}
}

// CloseAll destroys every queue.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[string]*agentQueue)
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		waiter := q.waiter
		q.waiter = nil
		q.mu.Unlock()
		if waiter != nil {
			close(waiter)
		}
	}
}

// Stats returns per-agent queue statistics.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.queues))
	for id, q := range m.queues {
		q.mu.Lock()
		depth := len(q.items)
		q.mu.Unlock()
		out[id] = Stats{Depth: depth, Dropped: q.dropped.Load()}
	}
	return out
}
