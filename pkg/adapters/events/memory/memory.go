package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"go.uber.org/zap"
)

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("event bus closed")

type subscriber struct {
	id      uint64
	handler ports.EventHandler
}

// InMemoryEventBus implements ports.EventBus using in-process handlers.
// Handlers run asynchronously, one goroutine per delivery.
type InMemoryEventBus struct {
	subscribers map[string][]subscriber
	nextID      uint64
	closed      bool
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscriber),
		logger:      logger,
	}
}

// Publish publishes an event to all subscribers of a topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]subscriber, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.mu.RUnlock()

	// Handlers must not hold up the publisher
	deliverCtx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		go func(s subscriber) {
			if err := s.handler(deliverCtx, event); err != nil {
				e.logger.Warn("event handler failed",
					zap.String("topic", topic),
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}(sub)
	}

	return nil
}

// Subscribe registers handler on topic until ctx is cancelled or the topic
// is unsubscribed
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscriber{id: id, handler: handler})

	// Clean up subscription on context cancellation
	go func() {
		<-ctx.Done()
		e.unsubscribe(topic, id)
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic
func (e *InMemoryEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers, topic)
	return nil
}

// Close closes the event bus and drops all subscribers
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.subscribers = make(map[string][]subscriber)
	return nil
}

// SubscriberCount returns the number of handlers on a topic
func (e *InMemoryEventBus) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}

// unsubscribe removes one handler from a topic
func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, s := range subs {
		if s.id == id {
			e.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}
