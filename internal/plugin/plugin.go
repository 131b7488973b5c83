// Package plugin defines the contract every platform connector satisfies and
// the manager that owns running connector instances.
package plugin

import (
	"context"

	"courier/internal/store"
	"courier/pkg/protocol"
)

// MessageHandler receives unified inbound messages from a connector. It is
// invoked fire-and-forget; a connector never waits for it to finish.
type MessageHandler func(pluginID string, msg *protocol.IncomingMessage)

// ConfirmEvent is a tool-confirmation answer decoded by a connector.
type ConfirmEvent struct {
	Platform protocol.Platform
	ChatID   string
	User     protocol.User
	CallID   string
	Approved bool
}

// ConfirmHandler receives tool-confirmation answers from a connector.
type ConfirmHandler func(pluginID string, ev ConfirmEvent)

// Plugin is the lifecycle and send/edit contract of one platform connector.
// Connectors emit inbound events only through the registered callbacks and
// never call application logic directly.
type Plugin interface {
	// Initialize prepares the connector from its persisted config. Legal
	// only once, from the created state.
	Initialize(cfg *store.PluginConfig) error

	// Start begins receiving platform events. Legal from ready or stopped.
	Start(ctx context.Context) error

	// Stop halts the connector and waits for its receive loop to exit, so
	// the shared handlers are never invoked after Stop returns. No-op
	// unless running or errored.
	Stop() error

	// SendMessage delivers an outgoing message and returns the platform
	// message id for later edits.
	SendMessage(ctx context.Context, chatID string, msg *protocol.OutgoingMessage) (string, error)

	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, chatID, messageID string, msg *protocol.OutgoingMessage) error

	// ActiveUserCount reports how many distinct chats this connector has
	// seen since starting.
	ActiveUserCount() int

	// BotInfo returns the connected bot identity, nil before connection.
	BotInfo() *protocol.BotInfo

	// State returns the current lifecycle state.
	State() State

	// OnMessage registers the inbound-message callback.
	OnMessage(handler MessageHandler)

	// OnConfirm registers the tool-confirmation callback.
	OnConfirm(handler ConfirmHandler)
}

// Constructor creates an uninitialized connector instance.
type Constructor func() Plugin

// TestConnectionFunc validates raw credentials against the platform without
// starting a connector, returning the bot identity on success.
type TestConnectionFunc func(ctx context.Context, token string) (*protocol.BotInfo, error)

// Entry describes one registered plugin type.
type Entry struct {
	New            Constructor
	TestConnection TestConnectionFunc
}
