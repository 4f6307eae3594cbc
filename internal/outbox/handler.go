package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EventHandler performs the side effect of one outbox message. It returns
// true when the effect happened. Returning false with a nil error reports a
// declined attempt; either way the dispatcher schedules a retry.
type EventHandler func(ctx context.Context, message *OutboxMessage) (bool, error)

// HandlerRegistry stores event handlers by event type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[EventType]EventHandler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[EventType]EventHandler{}}
}

// Register binds handler to eventType. Each type may be registered once.
func (registry *HandlerRegistry) Register(eventType EventType, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if !eventType.IsValid() {
		return fmt.Errorf("%w: %q", ErrEventTypeInvalid, eventType)
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[EventType]EventHandler)
	}

	if _, exists := registry.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, eventType)
	}

	registry.handlers[eventType] = handler

	return nil
}

// Handle runs the handler registered for message.EventType. Unknown types
// fail closed with ErrHandlerNotRegistered.
func (registry *HandlerRegistry) Handle(ctx context.Context, message *OutboxMessage) (bool, error) {
	if registry == nil {
		return false, ErrHandlerRegistryRequired
	}

	if message == nil {
		return false, ErrOutboxMessageRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[message.EventType]
	registry.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, message.EventType)
	}

	return handler(ctx, message)
}

// EventTypes lists the registered event types in a stable order.
func (registry *HandlerRegistry) EventTypes() []EventType {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]EventType, 0, len(registry.handlers))
	for eventType := range registry.handlers {
		types = append(types, eventType)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}
