package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/domain"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events
// are dropped on the floor (at-most-once delivery).
const subscriberBuffer = 64

type subscriber struct {
	sessionID uuid.UUID
	topics    map[string]struct{}
	ch        chan domain.ChangeEvent
	// done releases the context watcher when the subscription ends first.
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		close(s.done)
	})
}

func (s *subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Memory is an in-process Bus. A single mutex orders publishes, which
// yields FIFO delivery per topic from a given publisher; events to a
// subscriber with a full buffer are dropped rather than blocking the
// publisher.
type Memory struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[uuid.UUID]*subscriber)}
}

func (m *Memory) Publish(_ context.Context, event domain.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		// The originating session already holds the result; only other
		// sessions need the invalidation.
		if sub.sessionID == event.OriginSessionID {
			continue
		}
		if !sub.wants(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			log.Debug().
				Str("session_id", sub.sessionID.String()).
				Str("topic", event.Topic).
				Msg("bus: subscriber buffer full, event dropped")
		}
	}

	return nil
}

func (m *Memory) Subscribe(ctx context.Context, sessionID uuid.UUID, topics []string) (<-chan domain.ChangeEvent, func(), error) {
	topicSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	sub := &subscriber{
		sessionID: sessionID,
		topics:    topicSet,
		ch:        make(chan domain.ChangeEvent, subscriberBuffer),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if prev, ok := m.subs[sessionID]; ok {
		prev.close()
	}
	m.subs[sessionID] = sub
	m.mu.Unlock()

	stop := func() { m.remove(sessionID, sub) }

	go func() {
		select {
		case <-ctx.Done():
			m.remove(sessionID, sub)
		case <-sub.done:
		}
	}()

	return sub.ch, stop, nil
}

func (m *Memory) Unsubscribe(sessionID uuid.UUID) {
	m.mu.Lock()
	sub, ok := m.subs[sessionID]
	if ok {
		delete(m.subs, sessionID)
	}
	m.mu.Unlock()

	if ok {
		sub.close()
	}
}

// remove drops a specific subscriber, leaving any replacement that was
// registered for the same session in place.
func (m *Memory) remove(sessionID uuid.UUID, sub *subscriber) {
	m.mu.Lock()
	if current, ok := m.subs[sessionID]; ok && current == sub {
		delete(m.subs, sessionID)
	}
	m.mu.Unlock()

	sub.close()
}
