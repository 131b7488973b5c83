package plugin

import (
	"fmt"
	"log"
	"sync"

	"courier/pkg/protocol"
)

// State is the lifecycle state of a connector.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Base enforces the connector lifecycle state machine and owns the inbound
// callbacks, so individual connectors only implement platform plumbing.
// Embed it and use Transition/Begin* guards around lifecycle work.
type Base struct {
	pluginID string

	mu       sync.RWMutex
	state    State
	lastErr  string
	handler  MessageHandler
	confirm  ConfirmHandler
}

// NewBase creates a Base in the created state.
func NewBase(pluginID string) Base {
	return Base{pluginID: pluginID, state: StateCreated}
}

// PluginID returns the owning plugin's id, used for callback attribution.
func (b *Base) PluginID() string {
	return b.pluginID
}

// SetPluginID is called by Initialize once the persisted id is known.
func (b *Base) SetPluginID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pluginID = id
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// LastError returns the error text recorded by the last failed transition.
func (b *Base) LastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// OnMessage registers the inbound-message callback.
func (b *Base) OnMessage(handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// OnConfirm registers the tool-confirmation callback.
func (b *Base) OnConfirm(handler ConfirmHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirm = handler
}

// BeginInitialize moves created → initializing.
func (b *Base) BeginInitialize() error {
	return b.transitionFrom(StateInitializing, nil, StateCreated)
}

// BeginStart moves ready|stopped → starting.
func (b *Base) BeginStart() error {
	return b.transitionFrom(StateStarting, nil, StateReady, StateStopped)
}

// BeginStop moves running|error → stopping. Any other state returns
// errStopNoop, which callers treat as "nothing to do".
func (b *Base) BeginStop() error {
	return b.transitionFrom(StateStopping, errStopNoop, StateRunning, StateError)
}

var errStopNoop = fmt.Errorf("stop is a no-op in the current state")

// IsStopNoop reports whether err marks a Stop call that had nothing to do.
func IsStopNoop(err error) bool {
	return err == errStopNoop
}

// Transition moves to the target state unconditionally, logging old → new.
// Use for the success legs (ready, running, stopped).
func (b *Base) Transition(to State) {
	b.mu.Lock()
	from := b.state
	b.state = to
	if to != StateError {
		b.lastErr = ""
	}
	b.mu.Unlock()

	log.Printf("[Plugin:%s] State %s -> %s", b.pluginID, from, to)
}

// Fail moves to the error state recording the cause.
func (b *Base) Fail(err error) {
	b.mu.Lock()
	from := b.state
	b.state = StateError
	b.lastErr = err.Error()
	b.mu.Unlock()

	log.Printf("[Plugin:%s] State %s -> %s: %v", b.pluginID, from, StateError, err)
}

// EmitMessage hands an inbound message to the registered handler on a fresh
// goroutine. The receive loop never blocks on, or observes, handler results;
// a panic is logged and swallowed.
func (b *Base) EmitMessage(msg *protocol.IncomingMessage) {
	b.mu.RLock()
	handler := b.handler
	id := b.pluginID
	b.mu.RUnlock()

	if handler == nil {
		log.Printf("[Plugin:%s] Dropping inbound message: no handler registered", id)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Plugin:%s] Message handler panicked: %v", id, r)
			}
		}()
		handler(id, msg)
	}()
}

// EmitConfirm hands a tool-confirmation answer to the registered handler,
// with the same fire-and-forget contract as EmitMessage.
func (b *Base) EmitConfirm(ev ConfirmEvent) {
	b.mu.RLock()
	handler := b.confirm
	id := b.pluginID
	b.mu.RUnlock()

	if handler == nil {
		log.Printf("[Plugin:%s] Dropping confirmation: no handler registered", id)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Plugin:%s] Confirm handler panicked: %v", id, r)
			}
		}()
		handler(id, ev)
	}()
}

func (b *Base) transitionFrom(to State, noopErr error, allowed ...State) error {
	b.mu.Lock()
	from := b.state

	legal := false
	for _, s := range allowed {
		if from == s {
			legal = true
			break
		}
	}
	if !legal {
		b.mu.Unlock()
		if noopErr != nil {
			return noopErr
		}
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	b.state = to
	b.mu.Unlock()

	log.Printf("[Plugin:%s] State %s -> %s", b.pluginID, from, to)
	return nil
}
