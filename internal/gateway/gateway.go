// Package gateway is the composition root: it wires the store, pairing
// service, session registry, plugin manager and executor together and
// exposes the management surface the desktop UI consumes.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"courier/internal/agent"
	"courier/internal/channels/telegram"
	"courier/internal/config"
	"courier/internal/executor"
	"courier/internal/maintenance"
	"courier/internal/pairing"
	"courier/internal/plugin"
	"courier/internal/secrets"
	"courier/internal/sessions"
	"courier/internal/store"
	"courier/pkg/protocol"
)

const (
	pairingSweepSchedule = "@every 1m"
	sessionSweepSchedule = "@every 1h"
)

// Gateway owns every long-lived gateway component.
type Gateway struct {
	cfg      *config.Config
	store    *store.Store
	pairing  *pairing.Service
	sessions *sessions.Registry
	plugins  *plugin.Manager
	exec     *executor.Executor
	conv     agent.ConversationService
	sweeper  *maintenance.Sweeper
	hub      *Hub

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// New constructs the gateway and all its components. Nothing starts running
// until Initialize.
func New(cfg *config.Config, conv agent.ConversationService, models agent.ModelResolver) (*Gateway, error) {
	cipher, err := secrets.NewCipher(cfg.Database.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}

	st, err := store.NewStore(cfg.Database.Path, cipher)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reg, err := sessions.NewRegistry(st)
	if err != nil {
		st.Close()
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		store:    st,
		pairing:  pairing.NewService(st),
		sessions: reg,
		plugins:  plugin.NewManager(st),
		conv:     conv,
		sweeper:  maintenance.NewSweeper(),
		hub:      NewHub(),
	}

	g.exec = executor.New(g.plugins, g.pairing, g.sessions, st, conv, models)
	if cfg.Gateway.StreamEditIntervalMs > 0 {
		g.exec.SetThrottleWindow(time.Duration(cfg.Gateway.StreamEditIntervalMs) * time.Millisecond)
	}
	if cfg.Gateway.SessionMaxIdleHours > 0 {
		reg.SetMaxIdle(time.Duration(cfg.Gateway.SessionMaxIdleHours) * time.Hour)
	}
	if cfg.Gateway.PairingTTLMinutes > 0 {
		g.pairing.SetTTL(time.Duration(cfg.Gateway.PairingTTLMinutes) * time.Minute)
	}

	g.plugins.RegisterType(protocol.PlatformTelegram, telegram.Entry())

	return g, nil
}

// Initialize registers the shared handlers, schedules the periodic sweeps
// and starts every enabled persisted plugin. One plugin failing to start is
// logged and marked in storage; the rest still come up.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.initialized = true
	g.mu.Unlock()

	g.plugins.SetHandlers(g.exec.HandleMessage, g.exec.HandleConfirm)
	g.plugins.SetStatusListener(func(pluginID, status, lastError string) {
		g.hub.Broadcast(StatusChanged{PluginID: pluginID, Status: status, LastError: lastError})
	})
	g.pairing.SetAuthorizedHandler(func(user *store.ChannelUser) {
		g.hub.Broadcast(UserAuthorized{UserID: user.ID, Platform: string(user.Platform), DisplayName: user.DisplayName})
	})

	if err := g.sweeper.Register("pairing-sweep", pairingSweepSchedule, g.pairing.Sweep); err != nil {
		return err
	}
	if err := g.sweeper.Register("session-sweep", sessionSweepSchedule, func() {
		for _, removed := range g.sessions.SweepStale() {
			if err := g.conv.ClearContext(context.Background(), removed.ID); err != nil {
				log.Printf("[Gateway] Failed to release agent context for swept session %s: %v", removed.ID, err)
			}
		}
	}); err != nil {
		return err
	}
	g.sweeper.Start()

	configs, err := g.store.ListEnabledPluginConfigs()
	if err != nil {
		return fmt.Errorf("failed to load plugin configs: %w", err)
	}

	for _, cfg := range configs {
		if err := g.plugins.StartPlugin(ctx, cfg); err != nil {
			log.Printf("[Gateway] Plugin %s (%s) failed to start: %v", cfg.Name, cfg.ID, err)
		}
	}

	log.Printf("[Gateway] Initialized with %d enabled plugins", len(configs))
	return nil
}

// Shutdown stops everything. Safe to call more than once.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return
	}
	g.shutdown = true
	g.mu.Unlock()

	g.plugins.StopAll()
	g.sweeper.Stop()

	// Release agent-side state for every open session before the store
	// goes away.
	for _, sess := range g.sessions.List() {
		if err := g.conv.ClearContext(context.Background(), sess.ID); err != nil {
			log.Printf("[Gateway] Failed to release agent context for session %s: %v", sess.ID, err)
		}
	}

	g.hub.Close()

	if err := g.store.Close(); err != nil {
		log.Printf("[Gateway] Failed to close store: %v", err)
	}

	log.Printf("[Gateway] Shutdown complete")
}

// Hub exposes the push hub for the HTTP server.
func (g *Gateway) PushHub() *Hub {
	return g.hub
}
