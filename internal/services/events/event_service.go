package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/interfaces"
)

// Service is the in-process pub/sub bus between the registry, the pipeline
// orchestrator and the dashboard handlers. Handlers run concurrently;
// ordering holds within one publish call, never across events.
type Service struct {
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates an empty bus.
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	s.subscribers[eventType] = append(s.subscribers[eventType], handler)
	count := len(s.subscribers[eventType])
	s.mu.Unlock()

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", count).
		Msg("Event handler subscribed")

	return nil
}

// Unsubscribe removes a previously subscribed handler. Handlers are matched
// by function pointer, so the same func value given to Subscribe must be
// passed here.
func (s *Service) Unsubscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := reflect.ValueOf(handler).Pointer()
	handlers := s.subscribers[eventType]
	for i, h := range handlers {
		if reflect.ValueOf(h).Pointer() == target {
			s.subscribers[eventType] = append(handlers[:i], handlers[i+1:]...)
			s.logger.Debug().
				Str("event_type", string(eventType)).
				Msg("Event handler unsubscribed")
			return nil
		}
	}

	return fmt.Errorf("handler not found for event type: %s", eventType)
}

// snapshot copies the handler list so publishing never holds the lock while
// handlers run.
func (s *Service) snapshot(eventType interfaces.EventType) []interfaces.EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handlers := s.subscribers[eventType]
	if len(handlers) == 0 {
		return nil
	}
	out := make([]interfaces.EventHandler, len(handlers))
	copy(out, handlers)
	return out
}

// dispatch runs one handler and logs its failure.
func (s *Service) dispatch(ctx context.Context, event interfaces.Event, handler interfaces.EventHandler) error {
	err := handler(ctx, event)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("event_type", string(event.Type)).
			Msg("Event handler failed")
	}
	return err
}

// Publish delivers the event to all subscribers without waiting for them.
// Job updates arrive at stream rate, so publishing logs at debug only.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	handlers := s.snapshot(event.Type)
	if handlers == nil {
		return nil
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Int("subscriber_count", len(handlers)).
		Msg("Publishing event")

	for _, handler := range handlers {
		go func() {
			_ = s.dispatch(ctx, event, handler)
		}()
	}

	return nil
}

// PublishSync delivers the event and waits for every handler to finish.
// Handler errors are collected and reported as a count; the event still
// reached every other subscriber.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers := s.snapshot(event.Type)
	if handlers == nil {
		return nil
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Int("subscriber_count", len(handlers)).
		Msg("Publishing event synchronously")

	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.dispatch(ctx, event, handler); err != nil {
				errChan <- err
			}
		}()
	}

	wg.Wait()
	close(errChan)

	failed := 0
	for range errChan {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}

	return nil
}

// Close drops all subscriptions. In-flight async handlers finish on their own.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.logger.Info().Msg("Event service closed")

	return nil
}
