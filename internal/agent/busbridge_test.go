package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/bus"
)

// fakeEngine publishes a scripted stream of events when Submit is called.
type fakeEngine struct {
	events  *bus.Bus
	script  []bus.Event
	submits []string
}

func (f *fakeEngine) Submit(ctx context.Context, sessionID, conversationID, text string) error {
	f.submits = append(f.submits, text)
	go func() {
		for _, e := range f.script {
			f.events.Publish(e)
		}
	}()
	return nil
}

func (f *fakeEngine) CreateConversation(ctx context.Context, model ModelConfig, source, name string) (string, error) {
	return "conv-1", nil
}

func (f *fakeEngine) Confirm(ctx context.Context, conversationID, callID string, value bool) error {
	return nil
}

func (f *fakeEngine) ClearContext(ctx context.Context, sessionID string) error {
	return nil
}

func TestBusServiceForwardsFragmentsInOrder(t *testing.T) {
	events := bus.New()
	engine := &fakeEngine{
		events: events,
		script: []bus.Event{
			{ConversationID: "conv-1", Content: "Thinking", IsNewMessage: true},
			{ConversationID: "conv-1", Content: "Thinking about it"},
			{ConversationID: "other", Content: "must be filtered"},
			{ConversationID: "conv-1", Done: true},
		},
	}
	svc := NewBusService(engine, events)

	var got []string
	err := svc.SendMessage(context.Background(), "sess", "conv-1", "hello", func(content string, isNew bool) {
		got = append(got, content)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Thinking", "Thinking about it"}, got)
	assert.Equal(t, []string{"hello"}, engine.submits)
	assert.Equal(t, 0, events.SubscriberCount(), "subscription must be released")
}

func TestBusServiceHonorsContextCancellation(t *testing.T) {
	events := bus.New()
	// Engine that never publishes Done.
	engine := &fakeEngine{events: events}
	svc := NewBusService(engine, events)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := svc.SendMessage(ctx, "sess", "conv-1", "hello", func(string, bool) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
