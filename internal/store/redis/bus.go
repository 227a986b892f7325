package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/domain"
)

// Bus is the Redis pub/sub-backed sync bus. Redis pub/sub has no replay:
// delivery is at-most-once per subscriber, which matches the bus contract
// — staleness after a missed event is bounded by cache TTL.
type Bus struct {
	client *Client

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewBus creates the sync bus on a shared client.
func NewBus(client *Client) *Bus {
	return &Bus{
		client:  client,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

func eventChannel(topic string) string {
	return "koord:events:" + topic
}

func (b *Bus) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis.Bus.Publish: marshal: %w", err)
	}

	if err := b.client.rdb.Publish(ctx, eventChannel(event.Topic), payload).Err(); err != nil {
		return fmt.Errorf("redis.Bus.Publish: %w: %w", domain.ErrBusUnavailable, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, sessionID uuid.UUID, topics []string) (<-chan domain.ChangeEvent, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	var channels []string
	if len(topics) == 0 {
		channels = []string{eventChannel("*")}
	} else {
		channels = make([]string, len(topics))
		for i, t := range topics {
			channels[i] = eventChannel(t)
		}
	}

	sub := b.client.rdb.PSubscribe(subCtx, channels...)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.Bus.Subscribe: receive confirmation: %w: %w", domain.ErrBusUnavailable, err)
	}

	b.mu.Lock()
	if prev, ok := b.cancels[sessionID]; ok {
		prev()
	}
	b.cancels[sessionID] = cancel
	b.mu.Unlock()

	out := make(chan domain.ChangeEvent, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				var event domain.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("bus: dropping malformed event")
					continue
				}
				// The originating session already holds the result.
				if event.OriginSessionID == sessionID {
					continue
				}
				select {
				case out <- event:
				default:
					log.Debug().Str("session_id", sessionID.String()).Msg("bus: subscriber buffer full, event dropped")
				}
			}
		}
	}()

	stop := func() { b.Unsubscribe(sessionID) }

	return out, stop, nil
}

func (b *Bus) Unsubscribe(sessionID uuid.UUID) {
	b.mu.Lock()
	cancel, ok := b.cancels[sessionID]
	if ok {
		delete(b.cancels, sessionID)
	}
	b.mu.Unlock()

	if ok {
		cancel()
	}
}
