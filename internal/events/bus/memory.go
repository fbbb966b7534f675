package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/logger"
)

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// MemoryBus implements Bus in process. Handlers run synchronously on the
// publisher's goroutine, so a single publisher observes strict FIFO delivery;
// handlers must not block and must not (un)subscribe from inside a handler.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // nil when the subject has no wildcards
	handler Handler

	mu     sync.Mutex
	active bool
}

// NewMemoryBus creates the in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{logger: log}
}

// Publish delivers the event to every subscription whose subject matches.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Snapshot matches under the read lock; dispatch after releasing it so a
	// handler may publish back into the bus.
	var targets []*memorySub
	for _, sub := range b.subs {
		if sub.matches(subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Bus handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     b,
		subject: subject,
		pattern: compileSubject(subject),
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close deactivates every subscription and rejects further operations.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
}

// IsConnected reports whether the bus accepts traffic.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) matches(subject string) bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return false
	}
	if s.pattern != nil {
		return s.pattern.MatchString(subject)
	}
	return subject == s.subject
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid implements Subscription.
func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// compileSubject turns a subject pattern into a regexp, or nil when the
// subject is literal. `*` matches one dot-delimited token, `>` the rest.
func compileSubject(subject string) *regexp.Regexp {
	if !strings.ContainsAny(subject, "*>") {
		return nil
	}
	expr := regexp.QuoteMeta(subject)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil
	}
	return re
}
