// Package telegram implements the Telegram connector over long polling.
package telegram

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"courier/internal/plugin"
	"courier/internal/store"
	"courier/pkg/protocol"
)

const (
	// confirmPrefix marks callback data that answers a tool confirmation:
	// confirm:<yes|no>:<callID>.
	confirmPrefix = "confirm:"

	stopTimeout    = 10 * time.Second
	maxReconnects  = 6
	initialBackoff = 2 * time.Second
	maxBackoff     = 2 * time.Minute
)

// botAPI abstracts the Telegram bot methods the connector uses, enabling
// testing with mocks.
type botAPI interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	GetMe(ctx context.Context) (*models.User, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
}

// Plugin is the Telegram connector.
type Plugin struct {
	plugin.Base

	mu      sync.Mutex
	token   string
	bot     botAPI
	info    *protocol.BotInfo
	chats   map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	// newBot is swappable in tests.
	newBot func(token string, handler bot.HandlerFunc) (botAPI, error)
}

// New creates an uninitialized Telegram connector.
func New() plugin.Plugin {
	p := &Plugin{
		Base:  plugin.NewBase(""),
		chats: make(map[string]struct{}),
	}
	p.newBot = func(token string, handler bot.HandlerFunc) (botAPI, error) {
		return bot.New(token, bot.WithDefaultHandler(handler), bot.WithSkipGetMe())
	}
	return p
}

// Entry returns the registration entry for the plugin manager.
func Entry() plugin.Entry {
	return plugin.Entry{New: New, TestConnection: TestConnection}
}

// TestConnection validates a bot token against the Telegram API without
// starting a connector.
func TestConnection(ctx context.Context, token string) (*protocol.BotInfo, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram client: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("token rejected by Telegram: %w", err)
	}

	return botInfoFromUser(me), nil
}

// Initialize prepares the connector from its persisted config. The store
// hands over credentials already decrypted.
func (p *Plugin) Initialize(cfg *store.PluginConfig) error {
	if err := p.BeginInitialize(); err != nil {
		return err
	}
	p.SetPluginID(cfg.ID)

	token := strings.TrimSpace(cfg.Credentials)
	if token == "" {
		err := fmt.Errorf("telegram plugin %s has no bot token", cfg.ID)
		p.Fail(err)
		return err
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()

	p.Transition(plugin.StateReady)
	return nil
}

// Start connects to Telegram and begins long polling in the background.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.BeginStart(); err != nil {
		return err
	}

	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	b, err := p.newBot(token, p.handleUpdate)
	if err != nil {
		err = fmt.Errorf("failed to create Telegram bot: %w", err)
		p.Fail(err)
		return err
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		err = fmt.Errorf("failed to verify Telegram token: %w", err)
		p.Fail(err)
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.bot = b
	p.info = botInfoFromUser(me)
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.registerCommands(ctx, b)

	go p.poll(pollCtx, b, done)

	p.Transition(plugin.StateRunning)
	log.Printf("[Telegram] Connected as @%s (plugin %s)", me.Username, p.PluginID())
	return nil
}

// poll runs the long-polling loop, reconnecting with capped exponential
// backoff and jitter. Exhausting the retries puts the plugin in the error
// state; it stays down until explicitly restarted.
func (p *Plugin) poll(ctx context.Context, b botAPI, done chan struct{}) {
	defer close(done)

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		b.Start(ctx)
		if ctx.Err() != nil {
			return
		}

		if attempt >= maxReconnects {
			p.Fail(fmt.Errorf("telegram polling died after %d reconnect attempts", maxReconnects))
			return
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter
		log.Printf("[Telegram] Polling stopped unexpectedly, reconnecting in %s (attempt %d/%d)",
			wait.Round(time.Second), attempt+1, maxReconnects)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop cancels polling and waits for the loop to exit, so the shared
// handlers are never invoked after it returns.
func (p *Plugin) Stop() error {
	if err := p.BeginStop(); err != nil {
		if plugin.IsStopNoop(err) {
			return nil
		}
		return err
	}

	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			log.Printf("[Telegram] Polling loop did not exit within %s", stopTimeout)
		}
	}

	p.Transition(plugin.StateStopped)
	log.Printf("[Telegram] Stopped plugin %s", p.PluginID())
	return nil
}

// SendMessage delivers an outgoing message, converting markdown to
// Telegram's dialect and falling back to plain text when the platform
// rejects the formatting.
func (p *Plugin) SendMessage(ctx context.Context, chatID string, msg *protocol.OutgoingMessage) (string, error) {
	b, err := p.api()
	if err != nil {
		return "", err
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	params := &bot.SendMessageParams{
		ChatID:              id,
		Text:                renderText(msg),
		ParseMode:           parseMode(msg),
		DisableNotification: msg.Silent,
	}
	if msg.ReplyTo != "" {
		if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyID}
		}
	}
	if markup := buildKeyboard(msg); markup != nil {
		params.ReplyMarkup = markup
	}

	sent, err := b.SendMessage(ctx, params)
	if err != nil && isParseError(err) {
		// Telegram rejected the markdown; resend unformatted.
		log.Printf("[Telegram] Markdown rejected, retrying as plain text: %v", err)
		params.ParseMode = ""
		params.Text = msg.Text
		sent, err = b.SendMessage(ctx, params)
	}
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	return strconv.Itoa(sent.ID), nil
}

// EditMessage replaces a previously sent message's content. An edit that
// changes nothing is not an error.
func (p *Plugin) EditMessage(ctx context.Context, chatID, messageID string, msg *protocol.OutgoingMessage) error {
	b, err := p.api()
	if err != nil {
		return err
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id: %s", messageID)
	}

	params := &bot.EditMessageTextParams{
		ChatID:    id,
		MessageID: msgID,
		Text:      renderText(msg),
		ParseMode: parseMode(msg),
	}
	if markup := buildKeyboard(msg); markup != nil {
		params.ReplyMarkup = markup
	}

	_, err = b.EditMessageText(ctx, params)
	if err != nil && isParseError(err) {
		params.ParseMode = ""
		params.Text = msg.Text
		_, err = b.EditMessageText(ctx, params)
	}
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("failed to edit message: %w", err)
	}

	return nil
}

// ActiveUserCount reports how many distinct chats have been seen since the
// connector started.
func (p *Plugin) ActiveUserCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chats)
}

// BotInfo returns the connected bot identity, nil before connection.
func (p *Plugin) BotInfo() *protocol.BotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Plugin) api() (botAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bot == nil {
		return nil, fmt.Errorf("telegram bot not started")
	}
	return p.bot, nil
}

// handleUpdate translates one Telegram update into the unified shape and
// emits it. It never blocks the polling loop.
func (p *Plugin) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message != nil {
		p.handleMessage(update.Message)
	}
	if update.CallbackQuery != nil {
		p.handleCallback(ctx, update.CallbackQuery)
	}
}

func (p *Plugin) handleMessage(m *models.Message) {
	if m.From == nil {
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	p.trackChat(chatID)

	msg := &protocol.IncomingMessage{
		Platform:  protocol.PlatformTelegram,
		ChatID:    chatID,
		User:      userFrom(m.From),
		Timestamp: time.Now(),
	}

	switch {
	case m.Text != "" && strings.HasPrefix(m.Text, "/"):
		msg.Content = protocol.ContentCommand
		msg.Text = m.Text
	case m.Text != "":
		msg.Content = protocol.ContentText
		msg.Text = m.Text
	case len(m.Photo) > 0:
		msg.Content = protocol.ContentPhoto
		msg.Text = m.Caption
		// The last PhotoSize is the largest rendition.
		largest := m.Photo[len(m.Photo)-1]
		msg.Attachments = []protocol.Attachment{{
			FileID: largest.FileID,
			Size:   int64(largest.FileSize),
		}}
	case m.Document != nil:
		msg.Content = protocol.ContentDocument
		msg.Text = m.Caption
		msg.Attachments = []protocol.Attachment{{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			Size:     m.Document.FileSize,
		}}
	case m.Voice != nil:
		msg.Content = protocol.ContentVoice
		msg.Attachments = []protocol.Attachment{{
			FileID:   m.Voice.FileID,
			MimeType: m.Voice.MimeType,
			Size:     m.Voice.FileSize,
		}}
	case m.Audio != nil:
		msg.Content = protocol.ContentAudio
		msg.Attachments = []protocol.Attachment{{
			FileID:   m.Audio.FileID,
			MimeType: m.Audio.MimeType,
			Size:     m.Audio.FileSize,
		}}
	case m.Video != nil:
		msg.Content = protocol.ContentVideo
		msg.Text = m.Caption
		msg.Attachments = []protocol.Attachment{{
			FileID:   m.Video.FileID,
			MimeType: m.Video.MimeType,
			Size:     m.Video.FileSize,
		}}
	case m.Sticker != nil:
		msg.Content = protocol.ContentSticker
	default:
		log.Printf("[Telegram] Ignoring unsupported message in chat %s", chatID)
		return
	}

	log.Printf("[Telegram] Received %s from chat %s (%d chars)", msg.Content, chatID, len(msg.Text))
	p.EmitMessage(msg)
}

func (p *Plugin) handleCallback(ctx context.Context, cq *models.CallbackQuery) {
	// Always answer so the client drops its loading spinner.
	defer func() {
		if b, err := p.api(); err == nil {
			if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
				log.Printf("[Telegram] Failed to answer callback query: %v", err)
			}
		}
	}()

	chatID := strconv.FormatInt(cq.From.ID, 10)
	if cq.Message.Message != nil {
		chatID = strconv.FormatInt(cq.Message.Message.Chat.ID, 10)
	}
	p.trackChat(chatID)

	if strings.HasPrefix(cq.Data, confirmPrefix) {
		answer, callID, ok := parseConfirm(cq.Data)
		if !ok {
			log.Printf("[Telegram] Malformed confirmation callback: %q", cq.Data)
			return
		}
		p.EmitConfirm(plugin.ConfirmEvent{
			Platform: protocol.PlatformTelegram,
			ChatID:   chatID,
			User:     userFrom(&cq.From),
			CallID:   callID,
			Approved: answer,
		})
		return
	}

	p.EmitMessage(&protocol.IncomingMessage{
		Platform:  protocol.PlatformTelegram,
		ChatID:    chatID,
		User:      userFrom(&cq.From),
		Content:   protocol.ContentAction,
		Text:      cq.Data,
		Timestamp: time.Now(),
	})
}

func (p *Plugin) trackChat(chatID string) {
	p.mu.Lock()
	p.chats[chatID] = struct{}{}
	p.mu.Unlock()
}

func (p *Plugin) registerCommands(ctx context.Context, b botAPI) {
	commands := []models.BotCommand{
		{Command: "start", Description: "Pair this chat with the desktop app"},
		{Command: "new", Description: "Start a fresh conversation"},
		{Command: "status", Description: "Show your current session"},
		{Command: "agent", Description: "Switch to a different agent"},
		{Command: "help", Description: "List available commands"},
	}

	if _, err := b.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: commands}); err != nil {
		log.Printf("[Telegram] Failed to register commands: %v", err)
	}
}

// parseConfirm decodes "confirm:<yes|no>:<callID>".
func parseConfirm(data string) (approved bool, callID string, ok bool) {
	rest := strings.TrimPrefix(data, confirmPrefix)
	answer, callID, found := strings.Cut(rest, ":")
	if !found || callID == "" {
		return false, "", false
	}

	switch answer {
	case "yes":
		return true, callID, true
	case "no":
		return false, callID, true
	}
	return false, "", false
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id: %s", chatID)
	}
	return id, nil
}

func userFrom(u *models.User) protocol.User {
	display := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return protocol.User{
		ID:          strconv.FormatInt(u.ID, 10),
		Username:    u.Username,
		DisplayName: display,
	}
}

func botInfoFromUser(u *models.User) *protocol.BotInfo {
	return &protocol.BotInfo{
		ID:          strconv.FormatInt(u.ID, 10),
		Username:    u.Username,
		DisplayName: u.FirstName,
	}
}

func renderText(msg *protocol.OutgoingMessage) string {
	if msg.Markup == protocol.MarkupMarkdown {
		return convertToTelegramMarkdown(msg.Text)
	}
	return msg.Text
}

func parseMode(msg *protocol.OutgoingMessage) models.ParseMode {
	switch msg.Markup {
	case protocol.MarkupMarkdown:
		return models.ParseModeMarkdownV1
	case protocol.MarkupHTML:
		return models.ParseModeHTML
	}
	return ""
}

func buildKeyboard(msg *protocol.OutgoingMessage) *models.InlineKeyboardMarkup {
	if len(msg.Buttons) == 0 {
		return nil
	}

	rows := make([][]models.InlineKeyboardButton, 0, len(msg.Buttons))
	for _, row := range msg.Buttons {
		cells := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			cells = append(cells, models.InlineKeyboardButton{Text: b.Label, CallbackData: b.Data})
		}
		rows = append(rows, cells)
	}

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
