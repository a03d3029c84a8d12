package eventhandler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/evilkost/copr/internal/vmm"
)

// HandlerFunc processes one lifecycle event.
type HandlerFunc func(ctx context.Context, event vmm.Event) error

// Registry routes events to the handler of their topic
type Registry struct {
	handlers map[vmm.Topic]HandlerFunc
	logger   *slog.Logger
}

// NewRegistry creates a new event registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[vmm.Topic]HandlerFunc),
		logger:   logger,
	}
}

// Register adds a handler for a topic
func (r *Registry) Register(topic vmm.Topic, handler HandlerFunc) error {
	if _, exists := r.handlers[topic]; exists {
		return fmt.Errorf("handler already registered for topic: %s", topic)
	}

	r.handlers[topic] = handler
	r.logger.Debug("Registered event handler", "topic", topic)
	return nil
}

// MustRegister registers a handler and panics on error
func (r *Registry) MustRegister(topic vmm.Topic, handler HandlerFunc) {
	lo.Must0(r.Register(topic, handler))
}

// Topics returns all registered topics
func (r *Registry) Topics() []vmm.Topic {
	return lo.Keys(r.handlers)
}

// HandleEvent routes an event to the handler of its topic
func (r *Registry) HandleEvent(ctx context.Context, event vmm.Event) error {
	handler, exists := r.handlers[event.Topic]
	if !exists {
		return fmt.Errorf("no handler registered for topic: %s", event.Topic)
	}

	r.logger.Debug("Routing event to handler", "topic", event.Topic, "vm_name", event.VMName)
	return handler(ctx, event)
}
