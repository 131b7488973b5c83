package agent

import (
	"context"
	"fmt"

	"courier/internal/bus"
)

// Submitter starts agent work for a conversation. Response fragments are not
// returned here; the engine announces them on the event bus.
type Submitter interface {
	Submit(ctx context.Context, sessionID, conversationID, text string) error
	CreateConversation(ctx context.Context, model ModelConfig, source, name string) (string, error)
	Confirm(ctx context.Context, conversationID, callID string, value bool) error
	ClearContext(ctx context.Context, sessionID string) error
}

// BusService adapts a bus-publishing engine to the callback-style
// ConversationService contract. It subscribes for the conversation's events,
// submits the prompt, and forwards fragments to onEvent until the engine
// publishes a Done event.
type BusService struct {
	engine Submitter
	events *bus.Bus
}

// NewBusService wires an engine and the process event bus together.
func NewBusService(engine Submitter, events *bus.Bus) *BusService {
	return &BusService{engine: engine, events: events}
}

func (s *BusService) CreateConversation(ctx context.Context, model ModelConfig, source, name string) (string, error) {
	return s.engine.CreateConversation(ctx, model, source, name)
}

func (s *BusService) Confirm(ctx context.Context, conversationID, callID string, value bool) error {
	return s.engine.Confirm(ctx, conversationID, callID, value)
}

func (s *BusService) ClearContext(ctx context.Context, sessionID string) error {
	return s.engine.ClearContext(ctx, sessionID)
}

// SendMessage subscribes before submitting so no fragment published during
// submission is missed. Fan-out is synchronous, so forwarding preserves the
// engine's publish order.
func (s *BusService) SendMessage(ctx context.Context, sessionID, conversationID, text string, onEvent EventFunc) error {
	done := make(chan struct{})

	unsubscribe := s.events.Subscribe(func(e bus.Event) {
		if e.ConversationID != conversationID {
			return
		}
		if e.Done {
			select {
			case <-done:
			default:
				close(done)
			}
			return
		}
		onEvent(e.Content, e.IsNewMessage)
	})
	defer unsubscribe()

	if err := s.engine.Submit(ctx, sessionID, conversationID, text); err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
