package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
)

// Service implements EventService with in-process pub/sub and fan-out to external transports.
// Delivery is best-effort: handler and transport failures are logged, never returned by Publish.
type Service struct {
	subscribers map[models.EventType][]interfaces.EventHandler
	transports  []interfaces.EventTransport
	throttle    *ProgressThrottle
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closed      bool
	logger      arbor.ILogger
}

// NewService creates a new event service. throttle may be nil.
func NewService(logger arbor.ILogger, throttle *ProgressThrottle, transports ...interfaces.EventTransport) *Service {
	return &Service{
		subscribers: make(map[models.EventType][]interfaces.EventHandler),
		transports:  transports,
		throttle:    throttle,
		logger:      logger,
	}
}

var _ interfaces.EventService = (*Service)(nil)

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType models.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return nil
}

// AddTransport attaches an external transport
func (s *Service) AddTransport(transport interfaces.EventTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports = append(s.transports, transport)
}

// prepare stamps the event and applies throttling. ok is false when the event is dropped.
func (s *Service) prepare(event models.Event) (models.Event, []interfaces.EventHandler, []interfaces.EventTransport, bool) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if s.throttle != nil && !s.throttle.Allow(event) {
		return event, nil, nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return event, nil, nil, false
	}
	handlers := append([]interfaces.EventHandler(nil), s.subscribers[event.Type]...)
	transports := append([]interfaces.EventTransport(nil), s.transports...)
	return event, handlers, transports, true
}

// Publish sends an event to all subscribers and transports asynchronously
func (s *Service) Publish(ctx context.Context, event models.Event) error {
	event, handlers, transports, ok := s.prepare(event)
	if !ok {
		return nil
	}

	for _, handler := range handlers {
		h := handler
		common.SafeGoTracked(&s.wg, s.logger, "event-handler-"+string(event.Type), func() {
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
			}
		})
	}

	if len(transports) == 0 {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}
	for _, transport := range transports {
		t := transport
		common.SafeGoTracked(&s.wg, s.logger, "event-transport-"+t.Name(), func() {
			if err := t.Publish(ctx, string(event.Type), data); err != nil {
				s.logger.Warn().
					Err(err).
					Str("transport", t.Name()).
					Str("event_type", string(event.Type)).
					Msg("Event transport publish failed")
			}
		})
	}
	return nil
}

// PublishSync sends an event to all subscribers and transports and waits for them
func (s *Service) PublishSync(ctx context.Context, event models.Event) error {
	event, handlers, transports, ok := s.prepare(event)
	if !ok {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers)+len(transports))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer wg.Done()
			if err := common.RunSafely(s.logger, "event-handler", func() error { return h(ctx, event) }); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
				errChan <- err
			}
		}(handler)
	}

	if len(transports) > 0 {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
		}
		for _, transport := range transports {
			wg.Add(1)
			go func(t interfaces.EventTransport) {
				defer wg.Done()
				if err := t.Publish(ctx, string(event.Type), data); err != nil {
					errChan <- fmt.Errorf("%s: %w", t.Name(), err)
				}
			}(transport)
		}
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("event delivery failed: %d errors: %w", len(errs), errs[0])
	}

	return nil
}

// Close waits for in-flight deliveries and closes every transport
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subscribers = make(map[models.EventType][]interfaces.EventHandler)
	transports := s.transports
	s.mu.Unlock()

	s.wg.Wait()

	for _, transport := range transports {
		if err := transport.Close(); err != nil {
			s.logger.Warn().Err(err).Str("transport", transport.Name()).Msg("Failed to close event transport")
		}
	}

	s.logger.Info().Msg("Event service closed")
	return nil
}
