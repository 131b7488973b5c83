package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"courier/internal/store"
	"courier/pkg/protocol"
)

// Registered action names. Buttons and slash commands resolve to these.
const (
	ActionPairingShow    = "pairing.show"
	ActionPairingRefresh = "pairing.refresh"
	ActionSessionNew     = "session.new"
	ActionSessionStatus  = "session.status"
	ActionAgentSwitch    = "agent.switch"
	ActionHelp           = "help"
)

// Invocation carries everything an action handler may need. Session is
// always the caller's live session; actions that replace it must go through
// the registry, never mutate it in place.
type Invocation struct {
	Msg     *Context
	User    *store.ChannelUser
	Session *store.Session
	Params  map[string]string
}

// HandlerFunc executes one named action for an authorized user. A non-nil
// result with a Message gets delivered to the chat; a returned error becomes
// a generic failure reply.
type HandlerFunc func(ctx context.Context, inv *Invocation) (*protocol.ActionResult, error)

// registerBuiltins installs the built-in action set. Called once from New;
// a duplicate name is a programming error and panics at startup.
func (e *Executor) registerBuiltins() {
	builtins := map[string]HandlerFunc{
		ActionPairingShow:    e.actionPairingShow,
		ActionPairingRefresh: e.actionPairingRefresh,
		ActionSessionNew:     e.actionSessionNew,
		ActionSessionStatus:  e.actionSessionStatus,
		ActionAgentSwitch:    e.actionAgentSwitch,
		ActionHelp:           e.actionHelp,
	}

	for name, handler := range builtins {
		if err := e.Register(name, handler); err != nil {
			panic(err)
		}
	}
}

// Register adds a named action. Names must be unique across the registry.
func (e *Executor) Register(name string, handler HandlerFunc) error {
	if name == "" || handler == nil {
		return fmt.Errorf("action registration requires a name and handler")
	}
	if _, exists := e.actions[name]; exists {
		return fmt.Errorf("action %q is already registered", name)
	}

	e.actions[name] = handler
	return nil
}

// ActionNames lists every registered action, for the management surface.
func (e *Executor) ActionNames() []string {
	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	return names
}

func (e *Executor) actionPairingShow(ctx context.Context, inv *Invocation) (*protocol.ActionResult, error) {
	e.showPairing(ctx, inv.Msg)
	return &protocol.ActionResult{Success: true}, nil
}

func (e *Executor) actionPairingRefresh(ctx context.Context, inv *Invocation) (*protocol.ActionResult, error) {
	displayName := inv.Msg.User.DisplayName
	if displayName == "" {
		displayName = inv.Msg.User.Username
	}

	req, err := e.pairing.RefreshCode(inv.Msg.User.ID, inv.Msg.Platform, displayName)
	if err != nil {
		return nil, err
	}

	return &protocol.ActionResult{
		Success: true,
		Message: fmt.Sprintf("Your new pairing code is %s.", req.Code),
		Data:    req,
	}, nil
}

// actionSessionNew drops the current session and its agent-side context.
// The next chat message starts a fresh conversation.
func (e *Executor) actionSessionNew(ctx context.Context, inv *Invocation) (*protocol.ActionResult, error) {
	removed, err := e.sessions.Clear(inv.User.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if removed != nil {
		if err := e.conv.ClearContext(ctx, removed.ID); err != nil {
			log.Printf("[Executor] Failed to clear agent context for session %s: %v", removed.ID, err)
		}
	}

	return &protocol.ActionResult{
		Success: true,
		Message: "Started fresh. Your next message opens a new conversation.",
	}, nil
}

func (e *Executor) actionSessionStatus(ctx context.Context, inv *Invocation) (*protocol.ActionResult, error) {
	sess, ok := e.sessions.Get(inv.User.ID)
	if !ok {
		return &protocol.ActionResult{
			Success: true,
			Message: "No active session. Send a message to start one.",
		}, nil
	}

	age := time.Since(sess.CreatedAt).Round(time.Minute)
	idle := time.Since(sess.LastActivityAt).Round(time.Minute)
	msg := fmt.Sprintf("Agent: %s\nSession age: %s\nLast activity: %s ago", sess.AgentType, age, idle)

	return &protocol.ActionResult{Success: true, Message: msg, Data: sess}, nil
}

// actionAgentSwitch rebinds the user to a new session on the named agent.
func (e *Executor) actionAgentSwitch(ctx context.Context, inv *Invocation) (*protocol.ActionResult, error) {
	name := inv.Params["agent"]
	if name == "" {
		name = inv.Params["arg"]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return &protocol.ActionResult{
			Success: false,
			Message: "Usage: /agent <name>",
		}, nil
	}

	if removed, err := e.sessions.Clear(inv.User.ID); err == nil && removed != nil {
		if cerr := e.conv.ClearContext(ctx, removed.ID); cerr != nil {
			log.Printf("[Executor] Failed to clear agent context for session %s: %v", removed.ID, cerr)
		}
	}

	if _, err := e.sessions.Create(inv.User.ID, name); err != nil {
		return nil, err
	}

	return &protocol.ActionResult{
		Success: true,
		Message: fmt.Sprintf("Switched to agent %s. Your next message starts a new conversation.", name),
	}, nil
}

func (e *Executor) actionHelp(ctx context.Context, inv *Invocation) (*protocol.ActionResult, error) {
	help := strings.Join([]string{
		"/start — show your pairing status",
		"/new — start a fresh conversation",
		"/status — show your current session",
		"/agent <name> — switch to a different agent",
		"/help — this message",
	}, "\n")

	return &protocol.ActionResult{Success: true, Message: help}, nil
}
