package protocol

import (
	"encoding/json"
	"time"
)

// Platform identifies a messaging platform a plugin connects to.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
	PlatformDiscord  Platform = "discord"
)

// Valid reports whether the platform is one the gateway knows about.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTelegram, PlatformSlack, PlatformDiscord:
		return true
	}
	return false
}

// ContentType classifies the payload of an incoming message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentPhoto    ContentType = "photo"
	ContentDocument ContentType = "document"
	ContentVoice    ContentType = "voice"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentSticker  ContentType = "sticker"
	ContentAction   ContentType = "action"
	ContentCommand  ContentType = "command"
)

// User is the platform-neutral identity attached to an incoming message.
// ID is the platform-assigned user id, not a gateway user id.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// ActionCategory groups registered actions by who owns their semantics.
type ActionCategory string

const (
	CategoryPlatform ActionCategory = "platform"
	CategorySystem   ActionCategory = "system"
	CategoryChat     ActionCategory = "chat"
)

// Action is a decoded, named operation carried by an incoming message,
// typically from a button press or a slash command.
type Action struct {
	Name     string            `json:"name"`
	Category ActionCategory    `json:"category"`
	Params   map[string]string `json:"params,omitempty"`
}

// Attachment describes a file carried by an incoming message. FileID is the
// platform's opaque handle; only the owning plugin can resolve it.
type Attachment struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// IncomingMessage is the unified shape every plugin produces for inbound
// platform events. Raw holds the original platform payload for adapter-only
// use; the gateway never inspects it.
type IncomingMessage struct {
	Platform    Platform        `json:"platform"`
	ChatID      string          `json:"chat_id"`
	User        User            `json:"user"`
	Content     ContentType     `json:"content"`
	Text        string          `json:"text,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Action      *Action         `json:"action,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Raw         json.RawMessage `json:"-"`
}

// OutgoingType selects how a plugin renders an outgoing message.
type OutgoingType string

const (
	OutgoingText    OutgoingType = "text"
	OutgoingImage   OutgoingType = "image"
	OutgoingFile    OutgoingType = "file"
	OutgoingButtons OutgoingType = "buttons"
)

// MarkupMode hints how Text should be parsed by the platform.
type MarkupMode string

const (
	MarkupNone     MarkupMode = ""
	MarkupMarkdown MarkupMode = "markdown"
	MarkupHTML     MarkupMode = "html"
)

// Button is one cell of an inline button grid. Data is returned verbatim as
// an encoded action when the button is pressed.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// OutgoingMessage is the unified shape the gateway hands to a plugin for
// delivery. Only the plugin translates it into wire format.
type OutgoingMessage struct {
	Type    OutgoingType `json:"type"`
	Text    string       `json:"text,omitempty"`
	Markup  MarkupMode   `json:"markup,omitempty"`
	Buttons [][]Button   `json:"buttons,omitempty"`
	ReplyTo string       `json:"reply_to,omitempty"`
	Silent  bool         `json:"silent,omitempty"`
}

// TextMessage builds a plain outgoing text message.
func TextMessage(text string) *OutgoingMessage {
	return &OutgoingMessage{Type: OutgoingText, Text: text}
}

// BotInfo describes the bot identity a plugin is connected as.
type BotInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// ActionResult is returned by action handlers. Message, when set, has
// already been delivered (or is ready for delivery) to the user.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}
