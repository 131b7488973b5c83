// Package sessions enforces the one-session-per-user binding between
// channel users and agent conversations.
package sessions

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/store"
)

// DefaultMaxIdle is how long a session may sit without activity before the
// staleness sweep removes it.
const DefaultMaxIdle = 72 * time.Hour

// Registry keeps an in-memory mirror of persisted sessions keyed by user id.
// The cache is loaded once at startup; every mutation writes through to the
// store under the registry mutex so delete-then-insert stays atomic per user.
type Registry struct {
	store *store.Store

	mu    sync.Mutex
	cache map[string]*store.Session

	maxIdle time.Duration
}

// NewRegistry loads all persisted sessions into memory.
func NewRegistry(st *store.Store) (*Registry, error) {
	r := &Registry{
		store:   st,
		cache:   make(map[string]*store.Session),
		maxIdle: DefaultMaxIdle,
	}

	persisted, err := st.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	for _, s := range persisted {
		r.cache[s.UserID] = s
	}

	if len(persisted) > 0 {
		log.Printf("[Sessions] Loaded %d persisted sessions", len(persisted))
	}

	return r, nil
}

// SetMaxIdle overrides the staleness cutoff used by SweepStale.
func (r *Registry) SetMaxIdle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.maxIdle = d
	}
}

// Create binds a user to a fresh session with no conversation yet. Any
// existing session for the user is replaced.
func (r *Registry) Create(userID, agentType string) (*store.Session, error) {
	return r.CreateWithConversation(userID, agentType, "")
}

// CreateWithConversation binds a user to a new session that already points
// at a conversation. The delete-then-insert pair runs under the mutex so a
// concurrent create for the same user cannot leave two rows behind.
func (r *Registry) CreateWithConversation(userID, agentType, conversationID string) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[userID]; ok {
		if err := r.store.DeleteSessionByUserID(userID); err != nil {
			return nil, fmt.Errorf("failed to replace session: %w", err)
		}
		delete(r.cache, userID)
	}

	now := time.Now()
	session := &store.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		AgentType:      agentType,
		ConversationID: conversationID,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := r.store.InsertSession(session); err != nil {
		return nil, err
	}
	r.cache[userID] = session

	log.Printf("[Sessions] Created session %s for user %s (agent %s)", session.ID, userID, agentType)
	return session, nil
}

// Get returns the cached session for a user.
func (r *Registry) Get(userID string) (*store.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.cache[userID]
	return s, ok
}

// GetByConversation returns the session bound to a conversation id.
func (r *Registry) GetByConversation(conversationID string) (*store.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.cache {
		if s.ConversationID == conversationID {
			return s, true
		}
	}
	return nil, false
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*store.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*store.Session, 0, len(r.cache))
	for _, s := range r.cache {
		out = append(out, s)
	}
	return out
}

// SetConversation binds an existing session to a conversation id.
func (r *Registry) SetConversation(userID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.cache[userID]
	if !ok {
		return fmt.Errorf("no session for user %s", userID)
	}

	if err := r.store.UpdateSessionConversation(userID, conversationID); err != nil {
		return err
	}
	session.ConversationID = conversationID
	session.LastActivityAt = time.Now()

	return nil
}

// Touch refreshes the session's activity timestamp.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.cache[userID]
	if !ok {
		return
	}

	session.LastActivityAt = time.Now()
	if err := r.store.TouchSession(userID); err != nil {
		log.Printf("[Sessions] Failed to touch session for user %s: %v", userID, err)
	}
}

// Clear removes the session for a user and returns the removed row so the
// caller can release agent-side resources bound to it.
func (r *Registry) Clear(userID string) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.clearLocked(userID)
}

// ClearByConversation removes whichever session points at the conversation.
// Used when the owning conversation is deleted upstream.
func (r *Registry) ClearByConversation(conversationID string) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, s := range r.cache {
		if s.ConversationID == conversationID {
			return r.clearLocked(userID)
		}
	}

	return nil, fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
}

// clearLocked deletes from cache and store. Callers hold r.mu.
func (r *Registry) clearLocked(userID string) (*store.Session, error) {
	session, ok := r.cache[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}

	if err := r.store.DeleteSessionByUserID(userID); err != nil {
		return nil, err
	}
	delete(r.cache, userID)

	log.Printf("[Sessions] Cleared session %s for user %s", session.ID, userID)
	return session, nil
}

// SweepStale removes sessions idle past the configured age and returns the
// removed rows.
func (r *Registry) SweepStale() []*store.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxIdle)

	var removed []*store.Session
	for userID, s := range r.cache {
		if s.LastActivityAt.After(cutoff) {
			continue
		}
		cleared, err := r.clearLocked(userID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[Sessions] Failed to sweep session for user %s: %v", userID, err)
			}
			continue
		}
		removed = append(removed, cleared)
	}

	if len(removed) > 0 {
		log.Printf("[Sessions] Sweep removed %d stale sessions", len(removed))
	}
	return removed
}
