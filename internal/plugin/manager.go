package plugin

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"courier/internal/store"
	"courier/pkg/protocol"
)

// StatusStore is the slice of persistence the manager needs to keep the
// last-known plugin status durable.
type StatusStore interface {
	UpdatePluginStatus(id, status, lastError string) error
	MarkPluginConnected(id string) error
	ListPluginConfigs() ([]*store.PluginConfig, error)
}

// StatusListener observes plugin status changes for push notification.
type StatusListener func(pluginID, status, lastError string)

// Runtime is the in-memory record of one running connector. It exists only
// while the plugin runs; the manager is its sole owner.
type Runtime struct {
	ID        string
	Plugin    Plugin
	Platform  protocol.Platform
	StartedAt time.Time
}

// Status merges a persisted plugin config with live runtime state so the
// management surface never needs direct plugin access.
type Status struct {
	Config      *store.PluginConfig `json:"config"`
	Running     bool                `json:"running"`
	State       State               `json:"state,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	ActiveUsers int                 `json:"active_users"`
	BotInfo     *protocol.BotInfo   `json:"bot_info,omitempty"`
}

// Manager owns the set of running plugin instances and their status
// transitions, and forwards inbound events to a single registered handler.
type Manager struct {
	store StatusStore

	mu         sync.Mutex
	registry   map[protocol.Platform]Entry
	runtimes   map[string]*Runtime
	pending    map[string]struct{}
	lastErrors map[string]string
	msgHandler MessageHandler
	confirm    ConfirmHandler
	listener   StatusListener
}

// NewManager creates a manager with an empty type registry.
func NewManager(statusStore StatusStore) *Manager {
	return &Manager{
		store:      statusStore,
		registry:   make(map[protocol.Platform]Entry),
		runtimes:   make(map[string]*Runtime),
		pending:    make(map[string]struct{}),
		lastErrors: make(map[string]string),
	}
}

// RegisterType registers a constructor and credential tester for a platform.
func (m *Manager) RegisterType(platform protocol.Platform, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registry[platform] = entry
	log.Printf("[PluginManager] Registered plugin type: %s", platform)
}

// SetHandlers installs the single shared message and confirmation handlers
// attached to every plugin the manager starts.
func (m *Manager) SetHandlers(msg MessageHandler, confirm ConfirmHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.msgHandler = msg
	m.confirm = confirm
}

// SetStatusListener installs the status-changed observer.
func (m *Manager) SetStatusListener(listener StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listener = listener
}

// TestConnection validates raw credentials for a platform type without
// creating or starting a plugin.
func (m *Manager) TestConnection(ctx context.Context, platform protocol.Platform, token string) (*protocol.BotInfo, error) {
	m.mu.Lock()
	entry, ok := m.registry[platform]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown plugin type: %s", platform)
	}

	return entry.TestConnection(ctx, token)
}

// StartPlugin instantiates, initializes and starts the connector for cfg.
// Already-running plugins are a no-op; an id mid-start or mid-stop returns
// an error so the caller can retry. Any failure caches the error, persists
// status error, notifies the status listener and returns the error; the
// caller decides whether to retry.
//
// The manager lock is released while the connector initializes and starts:
// those calls can do network I/O, and one slow connector must not stall
// message routing or lifecycle work for the others. The pending entry keeps
// the id reserved in the meantime.
func (m *Manager) StartPlugin(ctx context.Context, cfg *store.PluginConfig) error {
	m.mu.Lock()
	if _, running := m.runtimes[cfg.ID]; running {
		m.mu.Unlock()
		log.Printf("[PluginManager] Plugin %s already running, ignoring start", cfg.ID)
		return nil
	}
	if _, busy := m.pending[cfg.ID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s is already starting or stopping", cfg.ID)
	}

	entry, ok := m.registry[cfg.Type]
	if !ok {
		err := fmt.Errorf("unknown plugin type: %s", cfg.Type)
		m.recordFailureLocked(cfg.ID, err)
		m.mu.Unlock()
		return err
	}

	m.pending[cfg.ID] = struct{}{}
	msgHandler, confirm := m.msgHandler, m.confirm
	m.mu.Unlock()

	p := entry.New()

	if err := p.Initialize(cfg); err != nil {
		err = fmt.Errorf("failed to initialize plugin %s: %w", cfg.ID, err)
		m.failPending(cfg.ID, err)
		return err
	}

	p.OnMessage(msgHandler)
	p.OnConfirm(confirm)

	if err := p.Start(ctx); err != nil {
		err = fmt.Errorf("failed to start plugin %s: %w", cfg.ID, err)
		m.failPending(cfg.ID, err)
		return err
	}

	m.mu.Lock()
	delete(m.pending, cfg.ID)
	m.runtimes[cfg.ID] = &Runtime{
		ID:        cfg.ID,
		Plugin:    p,
		Platform:  cfg.Type,
		StartedAt: time.Now(),
	}
	delete(m.lastErrors, cfg.ID)
	m.notifyLocked(cfg.ID, store.PluginStatusRunning, "")
	m.mu.Unlock()

	if err := m.store.UpdatePluginStatus(cfg.ID, store.PluginStatusRunning, ""); err != nil {
		log.Printf("[PluginManager] Warning: failed to persist running status for %s: %v", cfg.ID, err)
	}
	if err := m.store.MarkPluginConnected(cfg.ID); err != nil {
		log.Printf("[PluginManager] Warning: failed to record connect time for %s: %v", cfg.ID, err)
	}

	log.Printf("[PluginManager] Started plugin %s (%s)", cfg.ID, cfg.Type)
	return nil
}

// failPending releases a start reservation and records the failure.
func (m *Manager) failPending(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, id)
	m.recordFailureLocked(id, err)
}

// StopPlugin stops a running plugin, removes its runtime and persists status
// stopped. Stopping an unknown or already-stopped plugin is a no-op. The id
// stays reserved until the connector's Stop returns, so a concurrent start
// for the same id cannot bring up a second connector while the old receive
// loop is still draining.
func (m *Manager) StopPlugin(id string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[id]
	if ok {
		delete(m.runtimes, id)
		m.pending[id] = struct{}{}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := rt.Plugin.Stop(); err != nil && !IsStopNoop(err) {
		log.Printf("[PluginManager] Error stopping plugin %s: %v", id, err)
	}

	if err := m.store.UpdatePluginStatus(id, store.PluginStatusStopped, ""); err != nil {
		log.Printf("[PluginManager] Warning: failed to persist stopped status for %s: %v", id, err)
	}

	m.mu.Lock()
	delete(m.pending, id)
	m.notifyLocked(id, store.PluginStatusStopped, "")
	m.mu.Unlock()

	log.Printf("[PluginManager] Stopped plugin %s", id)
	return nil
}

// StopAll stops every runtime concurrently, best-effort; one failure does
// not block the others.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StopPlugin(id); err != nil {
				log.Printf("[PluginManager] Error stopping plugin %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	log.Printf("[PluginManager] Stopped all plugins (%d)", len(ids))
}

// Get returns the running plugin for an id.
func (m *Manager) Get(id string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[id]
	if !ok {
		return nil, false
	}
	return rt.Plugin, true
}

// GetByPlatform returns the first running plugin serving a platform. The
// gateway runs at most one connector per platform, so "first" is "the".
func (m *Manager) GetByPlatform(platform protocol.Platform) (string, Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rt := range m.runtimes {
		if rt.Platform == platform {
			return id, rt.Plugin, true
		}
	}
	return "", nil, false
}

// IsRunning reports whether a runtime exists for the id.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.runtimes[id]
	return ok
}

// LastError returns the cached error for a plugin that failed to start.
func (m *Manager) LastError(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastErrors[id]
}

// Statuses merges every persisted config with live runtime state.
func (m *Manager) Statuses() ([]*Status, error) {
	configs, err := m.store.ListPluginConfigs()
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin configs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]*Status, 0, len(configs))
	for _, cfg := range configs {
		// Never expose decrypted credentials through the status query.
		redacted := *cfg
		redacted.Credentials = ""

		status := &Status{Config: &redacted, LastError: cfg.LastError}
		if cached, ok := m.lastErrors[cfg.ID]; ok {
			status.LastError = cached
		}

		if rt, ok := m.runtimes[cfg.ID]; ok {
			status.Running = true
			status.State = rt.Plugin.State()
			status.ActiveUsers = rt.Plugin.ActiveUserCount()
			status.BotInfo = rt.Plugin.BotInfo()
			if last, ok := rt.Plugin.(interface{ LastError() string }); ok {
				if msg := last.LastError(); msg != "" {
					status.LastError = msg
				}
			}
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

// recordFailureLocked caches the error, persists status error and notifies.
// Callers hold m.mu.
func (m *Manager) recordFailureLocked(id string, err error) {
	m.lastErrors[id] = err.Error()

	if perr := m.store.UpdatePluginStatus(id, store.PluginStatusError, err.Error()); perr != nil {
		log.Printf("[PluginManager] Warning: failed to persist error status for %s: %v", id, perr)
	}
	m.notifyLocked(id, store.PluginStatusError, err.Error())

	log.Printf("[PluginManager] Plugin %s failed: %v", id, err)
}

func (m *Manager) notifyLocked(id, status, lastError string) {
	if m.listener == nil {
		return
	}

	// Notify on a fresh goroutine so a slow observer cannot hold the
	// manager lock transitively.
	listener := m.listener
	go listener(id, status, lastError)
}
