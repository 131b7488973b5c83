package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"courier/internal/store"
	"courier/pkg/protocol"
)

// Result is the uniform shape every management operation returns.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// PluginStatuses merges persisted configs with live runtime state.
func (g *Gateway) PluginStatuses() Result {
	statuses, err := g.plugins.Statuses()
	if err != nil {
		return fail(err)
	}
	return ok(statuses)
}

// TestPlugin validates raw credentials without starting a connector.
func (g *Gateway) TestPlugin(ctx context.Context, platform protocol.Platform, token string) Result {
	info, err := g.plugins.TestConnection(ctx, platform, token)
	if err != nil {
		return fail(err)
	}
	return ok(info)
}

// UpsertPluginRequest describes a plugin to create or reconfigure.
type UpsertPluginRequest struct {
	ID          string            `json:"id,omitempty"`
	Type        protocol.Platform `json:"type"`
	Name        string            `json:"name"`
	Credentials string            `json:"credentials"`
	Options     map[string]string `json:"options,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// UpsertPlugin persists a plugin config, restarting the connector when it
// is already running so new credentials take effect.
func (g *Gateway) UpsertPlugin(ctx context.Context, req UpsertPluginRequest) Result {
	if !req.Type.Valid() {
		return fail(fmt.Errorf("unknown platform type %q", req.Type))
	}

	cfg := &store.PluginConfig{
		ID:          req.ID,
		Type:        req.Type,
		Name:        req.Name,
		Credentials: req.Credentials,
		Options:     req.Options,
		Enabled:     req.Enabled,
		Status:      store.PluginStatusStopped,
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
		cfg.CreatedAt = time.Now()
	} else if existing, err := g.store.GetPluginConfig(cfg.ID); err == nil {
		cfg.CreatedAt = existing.CreatedAt
		if cfg.Credentials == "" {
			// Empty credentials on update means "keep the stored ones".
			cfg.Credentials = existing.Credentials
		}
	}

	if err := g.store.SavePluginConfig(cfg); err != nil {
		return fail(err)
	}

	if g.plugins.IsRunning(cfg.ID) {
		if err := g.plugins.StopPlugin(cfg.ID); err != nil {
			log.Printf("[Gateway] Failed to stop plugin %s for reconfiguration: %v", cfg.ID, err)
		}
	}
	if cfg.Enabled {
		if err := g.plugins.StartPlugin(ctx, cfg); err != nil {
			return fail(err)
		}
	}

	redacted := *cfg
	redacted.Credentials = ""
	return ok(&redacted)
}

// EnablePlugin marks a plugin enabled and starts it.
func (g *Gateway) EnablePlugin(ctx context.Context, id string) Result {
	cfg, err := g.store.GetPluginConfig(id)
	if err != nil {
		return fail(err)
	}

	if !cfg.Enabled {
		cfg.Enabled = true
		if err := g.store.SavePluginConfig(cfg); err != nil {
			return fail(err)
		}
	}

	if err := g.plugins.StartPlugin(ctx, cfg); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// DisablePlugin stops a plugin and marks it disabled.
func (g *Gateway) DisablePlugin(id string) Result {
	cfg, err := g.store.GetPluginConfig(id)
	if err != nil {
		return fail(err)
	}

	if err := g.plugins.StopPlugin(id); err != nil {
		return fail(err)
	}

	if cfg.Enabled {
		cfg.Enabled = false
		if err := g.store.SavePluginConfig(cfg); err != nil {
			return fail(err)
		}
	}
	return ok(nil)
}

// RemovePlugin stops and deletes a plugin configuration.
func (g *Gateway) RemovePlugin(id string) Result {
	if err := g.plugins.StopPlugin(id); err != nil {
		log.Printf("[Gateway] Failed to stop plugin %s before removal: %v", id, err)
	}
	if err := g.store.DeletePluginConfig(id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// ListPairings returns live pending pairing requests.
func (g *Gateway) ListPairings() Result {
	pending, err := g.pairing.PendingRequests()
	if err != nil {
		return fail(err)
	}
	return ok(pending)
}

// ApprovePairing redeems a pending code. If the new user's conversation
// would collide with a session held by another user, the older session is
// evicted first.
func (g *Gateway) ApprovePairing(code string) Result {
	user, err := g.pairing.Approve(code)
	if err != nil {
		return fail(err)
	}
	return ok(user)
}

// RejectPairing declines a pending code.
func (g *Gateway) RejectPairing(code string) Result {
	if err := g.pairing.Reject(code); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// ListUsers returns every authorized channel user.
func (g *Gateway) ListUsers() Result {
	users, err := g.store.ListChannelUsers()
	if err != nil {
		return fail(err)
	}
	return ok(users)
}

// RevokeUser deletes an authorized user. The session row cascades away;
// agent-side context is released explicitly.
func (g *Gateway) RevokeUser(id string) Result {
	if sess, err := g.sessions.Clear(id); err == nil {
		if cerr := g.conv.ClearContext(context.Background(), sess.ID); cerr != nil {
			log.Printf("[Gateway] Failed to release agent context for session %s: %v", sess.ID, cerr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fail(err)
	}

	if err := g.store.DeleteChannelUser(id); err != nil {
		return fail(err)
	}

	log.Printf("[Gateway] Revoked user %s", id)
	return ok(nil)
}

// ListSessions returns every live session.
func (g *Gateway) ListSessions() Result {
	return ok(g.sessions.List())
}

// CleanupConversation tears down whatever session is bound to a
// conversation deleted upstream.
func (g *Gateway) CleanupConversation(conversationID string) Result {
	sess, err := g.sessions.ClearByConversation(conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ok(nil)
	}
	if err != nil {
		return fail(err)
	}

	if err := g.conv.ClearContext(context.Background(), sess.ID); err != nil {
		log.Printf("[Gateway] Failed to release agent context for session %s: %v", sess.ID, err)
	}

	log.Printf("[Gateway] Cleaned up session %s for deleted conversation %s", sess.ID, conversationID)
	return ok(sess)
}
