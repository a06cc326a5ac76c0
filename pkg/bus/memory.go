package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// Memory is an in-process Bus used in embedded mode and in tests. Delivery
// is synchronous: handlers run inside Publish, in subscription order.
type Memory struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{}
}

type memorySub struct {
	bus     *Memory
	pattern string
	handler Handler
}

func (s *memorySub) Unsubscribe() error {
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

func (m *Memory) Publish(ctx context.Context, topic string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", topic, err)
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("bus closed: %w", errdefs.ErrDependencyUnavailable)
	}
	subs := make([]*memorySub, len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()

	for _, sub := range subs {
		if MatchTopic(sub.pattern, topic) {
			sub.handler(topic, data)
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("bus closed: %w", errdefs.ErrDependencyUnavailable)
	}
	sub := &memorySub{bus: m, pattern: topic, handler: h}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = nil
	return nil
}
