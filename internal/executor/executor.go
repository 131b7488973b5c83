// Package executor routes every inbound platform message to exactly one
// outcome: the pairing flow, a named action, the streaming chat path, or a
// "not supported" reply.
package executor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"courier/internal/agent"
	"courier/internal/pairing"
	"courier/internal/plugin"
	"courier/internal/sessions"
	"courier/internal/store"
	"courier/pkg/protocol"
)

// placeholderText is the initial "working" message on the chat path.
const placeholderText = "..."

// PluginResolver locates the running connector that owns a platform.
type PluginResolver interface {
	GetByPlatform(platform protocol.Platform) (string, plugin.Plugin, bool)
}

// UserStore is the slice of persistence the executor needs for identity
// lookups.
type UserStore interface {
	GetChannelUserByIdentity(platformUserID string, platform protocol.Platform) (*store.ChannelUser, error)
	TouchChannelUser(id string) error
}

// Context is the immutable per-message environment handed to action
// handlers. Send and Edit are bound to the originating chat.
type Context struct {
	Platform protocol.Platform
	PluginID string
	ChatID   string
	User     protocol.User

	Send func(ctx context.Context, msg *protocol.OutgoingMessage) (string, error)
	Edit func(ctx context.Context, messageID string, msg *protocol.OutgoingMessage) error
}

// Executor is the central per-message state machine.
type Executor struct {
	plugins  PluginResolver
	pairing  *pairing.Service
	sessions *sessions.Registry
	users    UserStore
	conv     agent.ConversationService
	models   agent.ModelResolver

	actions map[string]HandlerFunc
	window  time.Duration
}

// New wires the executor and registers the built-in action set. It panics
// if the built-in registry is inconsistent, which is a programming error
// caught at startup, not at message time.
func New(plugins PluginResolver, pair *pairing.Service, reg *sessions.Registry, users UserStore, conv agent.ConversationService, models agent.ModelResolver) *Executor {
	e := &Executor{
		plugins:  plugins,
		pairing:  pair,
		sessions: reg,
		users:    users,
		conv:     conv,
		models:   models,
		actions:  make(map[string]HandlerFunc),
		window:   DefaultThrottleWindow,
	}

	e.registerBuiltins()
	return e
}

// SetThrottleWindow overrides the streaming edit interval.
func (e *Executor) SetThrottleWindow(d time.Duration) {
	if d > 0 {
		e.window = d
	}
}

// HandleMessage processes one inbound message end to end. It is installed
// as the Plugin Manager's shared message handler and must never panic out:
// a failure on the chat path becomes a generic error reply, not a dead
// receive loop.
func (e *Executor) HandleMessage(pluginID string, msg *protocol.IncomingMessage) {
	ctx := context.Background()

	mctx, ok := e.resolve(pluginID, msg)
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Executor] Panic handling message from %s/%s: %v", msg.Platform, msg.User.ID, r)
			e.reply(ctx, mctx, "Something went wrong handling that message. Please try again.")
		}
	}()

	// Authorization gates everything. The entry command always re-shows
	// the pairing state, even for an authorized user.
	if isEntryCommand(msg) || !e.pairing.IsAuthorized(msg.User.ID, msg.Platform) {
		e.showPairing(ctx, mctx)
		return
	}

	user, err := e.users.GetChannelUserByIdentity(msg.User.ID, msg.Platform)
	if err != nil {
		// Authorized per the pairing check but no user row: data got out
		// of sync. Tell the user instead of crashing the router.
		log.Printf("[Executor] Authorized identity %s/%s has no user record: %v", msg.Platform, msg.User.ID, err)
		e.reply(ctx, mctx, "Your account data is out of sync. Please pair again with /start.")
		return
	}

	sess, err := e.resolveSession(ctx, user)
	if err != nil {
		log.Printf("[Executor] Failed to resolve session for user %s: %v", user.ID, err)
		e.reply(ctx, mctx, "Could not start an agent session. Please try again.")
		return
	}

	e.sessions.Touch(user.ID)
	if err := e.users.TouchChannelUser(user.ID); err != nil {
		log.Printf("[Executor] Failed to update activity for user %s: %v", user.ID, err)
	}

	// Classification order: decoded action, action-encoded content, free
	// text, then everything else.
	switch {
	case msg.Action != nil:
		e.dispatch(ctx, mctx, user, sess, msg.Action)
	case msg.Content == protocol.ContentAction:
		e.dispatch(ctx, mctx, user, sess, decodeAction(msg.Text))
	case msg.Content == protocol.ContentCommand:
		e.dispatch(ctx, mctx, user, sess, commandAction(msg.Text))
	case msg.Content == protocol.ContentText:
		e.chat(ctx, mctx, user, sess, msg.Text)
	default:
		e.reply(ctx, mctx, fmt.Sprintf("Sorry, %s messages are not supported yet.", msg.Content))
	}
}

// HandleConfirm forwards a tool-confirmation answer to the agent layer. It
// is installed as the Plugin Manager's shared confirm handler.
func (e *Executor) HandleConfirm(pluginID string, ev plugin.ConfirmEvent) {
	ctx := context.Background()

	user, err := e.users.GetChannelUserByIdentity(ev.User.ID, ev.Platform)
	if err != nil {
		log.Printf("[Executor] Confirmation from unknown identity %s/%s dropped", ev.Platform, ev.User.ID)
		return
	}

	sess, ok := e.sessions.Get(user.ID)
	if !ok || sess.ConversationID == "" {
		log.Printf("[Executor] Confirmation from user %s without a conversation dropped", user.ID)
		return
	}

	if err := e.conv.Confirm(ctx, sess.ConversationID, ev.CallID, ev.Approved); err != nil {
		log.Printf("[Executor] Failed to deliver confirmation for call %s: %v", ev.CallID, err)
	}
}

// resolve locates the owning plugin and builds the per-message context.
// A message with no running plugin for its platform is dropped with a log
// line; there is no channel left to reply on.
func (e *Executor) resolve(pluginID string, msg *protocol.IncomingMessage) (*Context, bool) {
	id, p, ok := e.plugins.GetByPlatform(msg.Platform)
	if !ok {
		log.Printf("[Executor] Dropping message for %s: no running plugin", msg.Platform)
		return nil, false
	}
	if pluginID != "" && pluginID != id {
		log.Printf("[Executor] Dropping message from stale plugin %s (current %s)", pluginID, id)
		return nil, false
	}

	chatID := msg.ChatID
	mctx := &Context{
		Platform: msg.Platform,
		PluginID: id,
		ChatID:   chatID,
		User:     msg.User,
		Send: func(ctx context.Context, out *protocol.OutgoingMessage) (string, error) {
			return p.SendMessage(ctx, chatID, out)
		},
		Edit: func(ctx context.Context, messageID string, out *protocol.OutgoingMessage) error {
			return p.EditMessage(ctx, chatID, messageID, out)
		},
	}

	return mctx, true
}

// resolveSession returns the user's session, creating one bound to a fresh
// conversation when none exists or the cached one never got a conversation.
func (e *Executor) resolveSession(ctx context.Context, user *store.ChannelUser) (*store.Session, error) {
	cached, ok := e.sessions.Get(user.ID)
	if ok && cached.ConversationID != "" {
		return cached, nil
	}

	model, err := e.models.DefaultModel()
	if err != nil {
		return nil, fmt.Errorf("no default model available: %w", err)
	}
	// An explicit /agent switch leaves a session without a conversation;
	// honor its agent choice instead of the default provider.
	if ok && cached.AgentType != "" {
		model.Provider = cached.AgentType
	}

	name := user.DisplayName
	if name == "" {
		name = user.PlatformUserID
	}
	conversationID, err := e.conv.CreateConversation(ctx, model, string(user.Platform), name)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	if ok {
		if err := e.sessions.SetConversation(user.ID, conversationID); err != nil {
			return nil, err
		}
		return cached, nil
	}

	sess, err := e.sessions.CreateWithConversation(user.ID, model.Provider, conversationID)
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// showPairing displays the pairing code for an unauthorized identity, or a
// short confirmation for one that is already paired.
func (e *Executor) showPairing(ctx context.Context, mctx *Context) {
	if e.pairing.IsAuthorized(mctx.User.ID, mctx.Platform) {
		e.reply(ctx, mctx, "You're already paired. Send me a message to start chatting.")
		return
	}

	displayName := mctx.User.DisplayName
	if displayName == "" {
		displayName = mctx.User.Username
	}

	req, err := e.pairing.GenerateCode(mctx.User.ID, mctx.Platform, displayName)
	if err != nil {
		log.Printf("[Executor] Failed to generate pairing code for %s/%s: %v", mctx.Platform, mctx.User.ID, err)
		e.reply(ctx, mctx, "Could not create a pairing code. Please try again.")
		return
	}

	minutes := int(time.Until(req.ExpiresAt).Round(time.Minute).Minutes())
	text := fmt.Sprintf(
		"Your pairing code is *%s*\n\nEnter it in the desktop app to link this chat. The code expires in %d minutes.",
		req.Code, minutes,
	)
	out := &protocol.OutgoingMessage{
		Type:   protocol.OutgoingButtons,
		Text:   text,
		Markup: protocol.MarkupMarkdown,
		Buttons: [][]protocol.Button{
			{{Label: "New code", Data: ActionPairingRefresh}},
		},
	}
	if _, err := mctx.Send(ctx, out); err != nil {
		log.Printf("[Executor] Failed to send pairing code: %v", err)
	}
}

// dispatch runs one named action. Unknown names get an explicit reply so a
// stale button press never fails silently.
func (e *Executor) dispatch(ctx context.Context, mctx *Context, user *store.ChannelUser, sess *store.Session, action *protocol.Action) {
	if action == nil || action.Name == "" {
		e.reply(ctx, mctx, "That command was empty. Send /help for the list of commands.")
		return
	}

	handler, ok := e.actions[action.Name]
	if !ok {
		e.reply(ctx, mctx, fmt.Sprintf("Unknown action %q. Send /help for the list of commands.", action.Name))
		return
	}

	result, err := handler(ctx, &Invocation{Msg: mctx, User: user, Session: sess, Params: action.Params})
	if err != nil {
		log.Printf("[Executor] Action %s failed for user %s: %v", action.Name, user.ID, err)
		e.reply(ctx, mctx, fmt.Sprintf("Action %s failed. Please try again.", action.Name))
		return
	}
	if result != nil && result.Message != "" {
		e.reply(ctx, mctx, result.Message)
	}
}

// chat runs the streaming AI path: placeholder first, then throttled edits
// as fragments arrive, then one final full-content edit.
func (e *Executor) chat(ctx context.Context, mctx *Context, user *store.ChannelUser, sess *store.Session, text string) {
	currentID, err := mctx.Send(ctx, protocol.TextMessage(placeholderText))
	if err != nil {
		log.Printf("[Executor] Failed to send placeholder to chat %s: %v", mctx.ChatID, err)
		return
	}

	// stream guards everything the event callback touches; fragments can
	// arrive on a different goroutine than the final re-send below.
	var stream struct {
		sync.Mutex
		currentID string
		sentIDs   []string
		final     string
	}
	stream.currentID = currentID
	stream.sentIDs = []string{currentID}

	throttle := newEditThrottle(e.window, func(content string) {
		stream.Lock()
		target := stream.currentID
		stream.Unlock()

		if err := mctx.Edit(ctx, target, protocol.TextMessage(content)); err != nil {
			log.Printf("[Executor] Streaming edit failed: %v", err)
		}
	})

	onEvent := func(content string, isNew bool) {
		stream.Lock()
		stream.final = content
		if !isNew {
			stream.Unlock()
			throttle.Update(content)
			return
		}
		stream.Unlock()

		// A new message closes out the current one and opens a fresh
		// placeholder that subsequent updates will edit.
		throttle.Reset()
		id, err := mctx.Send(ctx, protocol.TextMessage(content))
		if err != nil {
			log.Printf("[Executor] Failed to send follow-up message: %v", err)
			return
		}
		stream.Lock()
		stream.currentID = id
		stream.sentIDs = append(stream.sentIDs, id)
		stream.Unlock()
	}

	err = e.conv.SendMessage(ctx, sess.ID, sess.ConversationID, text, onEvent)
	throttle.Stop()

	stream.Lock()
	final := stream.final
	target := stream.currentID
	stream.Unlock()

	if err != nil {
		log.Printf("[Executor] Chat failed for user %s: %v", user.ID, err)
		failure := protocol.TextMessage("Sorry, I couldn't process that message. Please try again.")
		if editErr := mctx.Edit(ctx, target, failure); editErr != nil {
			e.reply(ctx, mctx, failure.Text)
		}
		return
	}

	if final == "" {
		final = "(no response)"
	}

	// The closing edit always runs, even when its content matches the last
	// throttled edit, so the message ends fully rendered with its controls.
	closing := &protocol.OutgoingMessage{
		Type:   protocol.OutgoingButtons,
		Text:   final,
		Markup: protocol.MarkupMarkdown,
		Buttons: [][]protocol.Button{
			{{Label: "New session", Data: ActionSessionNew}},
		},
	}
	if err := mctx.Edit(ctx, target, closing); err != nil {
		log.Printf("[Executor] Final edit failed, sending fresh message: %v", err)
		if _, sendErr := mctx.Send(ctx, closing); sendErr != nil {
			log.Printf("[Executor] Final send failed too: %v", sendErr)
		}
	}
}

// reply sends a plain text message, logging delivery failures.
func (e *Executor) reply(ctx context.Context, mctx *Context, text string) {
	if _, err := mctx.Send(ctx, protocol.TextMessage(text)); err != nil {
		log.Printf("[Executor] Failed to reply in chat %s: %v", mctx.ChatID, err)
	}
}

// isEntryCommand reports whether the message is the platform's explicit
// pairing entry point.
func isEntryCommand(msg *protocol.IncomingMessage) bool {
	if msg.Content != protocol.ContentCommand {
		return false
	}
	cmd, _, _ := strings.Cut(strings.TrimSpace(msg.Text), " ")
	return cmd == "/start" || cmd == "/pair"
}

// commandAction translates a slash command into a registered action.
func commandAction(text string) *protocol.Action {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(text), " ")

	switch cmd {
	case "/new":
		return &protocol.Action{Name: ActionSessionNew, Category: protocol.CategorySystem}
	case "/status":
		return &protocol.Action{Name: ActionSessionStatus, Category: protocol.CategorySystem}
	case "/agent":
		return &protocol.Action{
			Name:     ActionAgentSwitch,
			Category: protocol.CategorySystem,
			Params:   map[string]string{"agent": strings.TrimSpace(rest)},
		}
	case "/help":
		return &protocol.Action{Name: ActionHelp, Category: protocol.CategorySystem}
	}

	return &protocol.Action{Name: strings.TrimPrefix(cmd, "/"), Category: protocol.CategoryPlatform}
}

// decodeAction parses button callback data of the form "name" or
// "name:argument".
func decodeAction(data string) *protocol.Action {
	name, arg, found := strings.Cut(strings.TrimSpace(data), ":")

	action := &protocol.Action{Name: name, Category: protocol.CategoryPlatform}
	if found && arg != "" {
		action.Params = map[string]string{"arg": arg}
	}
	return action
}
