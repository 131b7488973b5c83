package telegram

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/plugin"
	"courier/internal/store"
	"courier/pkg/protocol"
)

// mockBot stands in for the Telegram API.
type mockBot struct {
	mu        sync.Mutex
	sent      []*bot.SendMessageParams
	edits     []*bot.EditMessageTextParams
	answered  []string
	commands  int
	nextID    int
	failParse bool
	editErr   error
}

func (m *mockBot) Start(ctx context.Context) {
	<-ctx.Done()
}

func (m *mockBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failParse && params.ParseMode != "" {
		return nil, fmt.Errorf("Bad Request: can't parse entities")
	}
	m.sent = append(m.sent, params)
	m.nextID++
	return &models.Message{ID: m.nextID}, nil
}

func (m *mockBot) EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edits = append(m.edits, params)
	return &models.Message{ID: params.MessageID}, nil
}

func (m *mockBot) GetMe(ctx context.Context) (*models.User, error) {
	return &models.User{ID: 7, Username: "courierbot", FirstName: "Courier"}, nil
}

func (m *mockBot) AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answered = append(m.answered, params.CallbackQueryID)
	return true, nil
}

func (m *mockBot) SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = len(params.Commands)
	return true, nil
}

func (m *mockBot) lastSent() *bot.SendMessageParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func startedPlugin(t *testing.T) (*Plugin, *mockBot) {
	t.Helper()

	mock := &mockBot{}
	p := New().(*Plugin)
	p.newBot = func(token string, handler bot.HandlerFunc) (botAPI, error) {
		return mock, nil
	}

	require.NoError(t, p.Initialize(&store.PluginConfig{
		ID:          "tg-1",
		Type:        protocol.PlatformTelegram,
		Credentials: "123:token",
	}))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })

	return p, mock
}

func TestInitializeRequiresToken(t *testing.T) {
	p := New().(*Plugin)

	err := p.Initialize(&store.PluginConfig{ID: "tg-1", Type: protocol.PlatformTelegram})
	require.Error(t, err)
	assert.Equal(t, plugin.StateError, p.State())
}

func TestStartConnectsAndStopWaitsForLoop(t *testing.T) {
	p, mock := startedPlugin(t)

	assert.Equal(t, plugin.StateRunning, p.State())

	info := p.BotInfo()
	require.NotNil(t, info)
	assert.Equal(t, "courierbot", info.Username)
	assert.Equal(t, 5, mock.commands, "slash commands registered on start")

	require.NoError(t, p.Stop())
	assert.Equal(t, plugin.StateStopped, p.State())

	// Stopping again is a no-op.
	require.NoError(t, p.Stop())
}

func TestSendMessageReturnsPlatformID(t *testing.T) {
	p, mock := startedPlugin(t)

	id, err := p.SendMessage(context.Background(), "42", protocol.TextMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	sent := mock.lastSent()
	require.NotNil(t, sent)
	assert.Equal(t, "hello", sent.Text)
}

func TestSendMessageMarkdownFallback(t *testing.T) {
	p, mock := startedPlugin(t)
	mock.failParse = true

	msg := &protocol.OutgoingMessage{
		Type:   protocol.OutgoingText,
		Text:   "some *broken markdown",
		Markup: protocol.MarkupMarkdown,
	}
	_, err := p.SendMessage(context.Background(), "42", msg)
	require.NoError(t, err)

	sent := mock.lastSent()
	require.NotNil(t, sent)
	assert.Empty(t, string(sent.ParseMode), "fallback must drop the parse mode")
	assert.Equal(t, "some *broken markdown", sent.Text)
}

func TestSendMessageWithButtons(t *testing.T) {
	p, mock := startedPlugin(t)

	msg := &protocol.OutgoingMessage{
		Type: protocol.OutgoingButtons,
		Text: "pick one",
		Buttons: [][]protocol.Button{
			{{Label: "Yes", Data: "confirm:yes:c1"}, {Label: "No", Data: "confirm:no:c1"}},
		},
	}
	_, err := p.SendMessage(context.Background(), "42", msg)
	require.NoError(t, err)

	sent := mock.lastSent()
	markup, ok := sent.ReplyMarkup.(*models.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 1)
	assert.Equal(t, "confirm:yes:c1", markup.InlineKeyboard[0][0].CallbackData)
}

func TestEditMessageToleratesNotModified(t *testing.T) {
	p, mock := startedPlugin(t)
	mock.editErr = fmt.Errorf("Bad Request: message is not modified")

	err := p.EditMessage(context.Background(), "42", "9", protocol.TextMessage("same"))
	assert.NoError(t, err)
}

func TestInvalidChatID(t *testing.T) {
	p, _ := startedPlugin(t)

	_, err := p.SendMessage(context.Background(), "not-a-number", protocol.TextMessage("x"))
	assert.Error(t, err)
}

func waitForMessage(t *testing.T, ch <-chan *protocol.IncomingMessage) *protocol.IncomingMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message emitted")
		return nil
	}
}

func TestHandleUpdateTranslatesText(t *testing.T) {
	p, _ := startedPlugin(t)

	received := make(chan *protocol.IncomingMessage, 1)
	p.OnMessage(func(pluginID string, msg *protocol.IncomingMessage) {
		received <- msg
	})

	p.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:   7,
			Chat: models.Chat{ID: 42},
			From: &models.User{ID: 100, FirstName: "Ada", LastName: "Lovelace", Username: "ada"},
			Text: "hello there",
		},
	})

	msg := waitForMessage(t, received)
	assert.Equal(t, protocol.PlatformTelegram, msg.Platform)
	assert.Equal(t, "42", msg.ChatID)
	assert.Equal(t, "100", msg.User.ID)
	assert.Equal(t, "Ada Lovelace", msg.User.DisplayName)
	assert.Equal(t, protocol.ContentText, msg.Content)
	assert.Equal(t, "hello there", msg.Text)

	assert.Equal(t, 1, p.ActiveUserCount())
}

func TestHandleUpdateClassifiesCommand(t *testing.T) {
	p, _ := startedPlugin(t)

	received := make(chan *protocol.IncomingMessage, 1)
	p.OnMessage(func(pluginID string, msg *protocol.IncomingMessage) {
		received <- msg
	})

	p.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			Chat: models.Chat{ID: 42},
			From: &models.User{ID: 100},
			Text: "/start",
		},
	})

	msg := waitForMessage(t, received)
	assert.Equal(t, protocol.ContentCommand, msg.Content)
	assert.Equal(t, "/start", msg.Text)
}

func TestHandleUpdateTranslatesPhoto(t *testing.T) {
	p, _ := startedPlugin(t)

	received := make(chan *protocol.IncomingMessage, 1)
	p.OnMessage(func(pluginID string, msg *protocol.IncomingMessage) {
		received <- msg
	})

	p.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			Chat:    models.Chat{ID: 42},
			From:    &models.User{ID: 100},
			Caption: "look at this",
			Photo: []models.PhotoSize{
				{FileID: "small", FileSize: 100},
				{FileID: "large", FileSize: 9000},
			},
		},
	})

	msg := waitForMessage(t, received)
	assert.Equal(t, protocol.ContentPhoto, msg.Content)
	assert.Equal(t, "look at this", msg.Text)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "large", msg.Attachments[0].FileID, "largest rendition wins")
}

func TestHandleCallbackEmitsAction(t *testing.T) {
	p, mock := startedPlugin(t)

	received := make(chan *protocol.IncomingMessage, 1)
	p.OnMessage(func(pluginID string, msg *protocol.IncomingMessage) {
		received <- msg
	})

	p.handleUpdate(context.Background(), nil, &models.Update{
		CallbackQuery: &models.CallbackQuery{
			ID:   "cb-1",
			From: models.User{ID: 100, Username: "ada"},
			Data: "session.new",
			Message: models.MaybeInaccessibleMessage{
				Message: &models.Message{Chat: models.Chat{ID: 42}},
			},
		},
	})

	msg := waitForMessage(t, received)
	assert.Equal(t, protocol.ContentAction, msg.Content)
	assert.Equal(t, "session.new", msg.Text)
	assert.Equal(t, "42", msg.ChatID)

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, []string{"cb-1"}, mock.answered, "callback must be answered")
}

func TestHandleCallbackEmitsConfirm(t *testing.T) {
	p, _ := startedPlugin(t)

	confirms := make(chan plugin.ConfirmEvent, 1)
	p.OnConfirm(func(pluginID string, ev plugin.ConfirmEvent) {
		confirms <- ev
	})

	p.handleUpdate(context.Background(), nil, &models.Update{
		CallbackQuery: &models.CallbackQuery{
			ID:   "cb-2",
			From: models.User{ID: 100},
			Data: "confirm:yes:call-77",
		},
	})

	select {
	case ev := <-confirms:
		assert.True(t, ev.Approved)
		assert.Equal(t, "call-77", ev.CallID)
		assert.Equal(t, "100", ev.ChatID)
	case <-time.After(time.Second):
		t.Fatal("no confirm event emitted")
	}
}

func TestParseConfirm(t *testing.T) {
	approved, callID, ok := parseConfirm("confirm:yes:abc")
	assert.True(t, ok)
	assert.True(t, approved)
	assert.Equal(t, "abc", callID)

	approved, callID, ok = parseConfirm("confirm:no:xyz")
	assert.True(t, ok)
	assert.False(t, approved)
	assert.Equal(t, "xyz", callID)

	_, _, ok = parseConfirm("confirm:maybe:abc")
	assert.False(t, ok)

	_, _, ok = parseConfirm("confirm:yes:")
	assert.False(t, ok)
}

func TestConvertToTelegramMarkdown(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"**bold** text", "*bold* text"},
		{"# Heading\nbody", "*Heading*\nbody"},
		{"[link](https://example.com)", "link (https://example.com)"},
		{"a\n\n\n\nb", "a\n\nb"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, convertToTelegramMarkdown(tc.in), "input %q", tc.in)
	}
}
