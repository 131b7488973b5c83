// Package agent defines the contracts the gateway consumes from the agent
// execution layer. The concrete engines live elsewhere; the gateway treats
// them as a black box that accepts a prompt and streams rendered fragments.
package agent

import "context"

// ModelConfig selects a provider/model pair for a conversation.
type ModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// EventFunc is invoked for each streamed response fragment. content is the
// full rendered message so far; isNew marks the start of a new message.
type EventFunc func(content string, isNew bool)

// ConversationService is the agent-conversation collaborator the executor
// drives. Implementations must invoke the event callback in stream order.
type ConversationService interface {
	// CreateConversation opens a new conversation and returns its id.
	CreateConversation(ctx context.Context, model ModelConfig, source, name string) (string, error)

	// SendMessage submits text to the conversation and streams response
	// fragments through onEvent until the stream completes or fails.
	SendMessage(ctx context.Context, sessionID, conversationID, text string, onEvent EventFunc) error

	// Confirm answers a tool-confirmation prompt raised mid-stream.
	Confirm(ctx context.Context, conversationID, callID string, value bool) error

	// ClearContext drops any cached agent state for the session.
	ClearContext(ctx context.Context, sessionID string) error
}

// ModelResolver supplies a model configuration when none is chosen.
type ModelResolver interface {
	DefaultModel() (ModelConfig, error)
}

// StaticResolver is a ModelResolver that always returns one config.
type StaticResolver struct {
	Config ModelConfig
}

func (r StaticResolver) DefaultModel() (ModelConfig, error) {
	return r.Config, nil
}
