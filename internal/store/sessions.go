package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session is the single live binding between a channel user and an agent
// conversation. The user_id column is UNIQUE; at most one row per user.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AgentType      string    `json:"agent_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Workspace      string    `json:"workspace,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// InsertSession persists a new session row.
func (s *Store) InsertSession(session *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, agent_type, conversation_id, workspace, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.UserID,
		session.AgentType,
		session.ConversationID,
		session.Workspace,
		session.CreatedAt,
		session.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	return nil
}

// GetSessionByUserID retrieves the session bound to a user, if any.
func (s *Store) GetSessionByUserID(userID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, agent_type, conversation_id, workspace, created_at, last_activity_at
		FROM sessions WHERE user_id = ?
	`, userID)

	return scanSession(row, userID)
}

// GetSessionByConversationID retrieves the session bound to a conversation.
func (s *Store) GetSessionByConversationID(conversationID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, agent_type, conversation_id, workspace, created_at, last_activity_at
		FROM sessions WHERE conversation_id = ?
	`, conversationID)

	return scanSession(row, conversationID)
}

// ListSessions returns all sessions ordered by recency.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, agent_type, conversation_id, workspace, created_at, last_activity_at
		FROM sessions ORDER BY last_activity_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var session Session
		err := rows.Scan(
			&session.ID,
			&session.UserID,
			&session.AgentType,
			&session.ConversationID,
			&session.Workspace,
			&session.CreatedAt,
			&session.LastActivityAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return sessions, nil
}

// UpdateSessionConversation binds the session to a conversation id.
func (s *Store) UpdateSessionConversation(userID, conversationID string) error {
	_, err := s.db.Exec(`
		UPDATE sessions
		SET conversation_id = ?, last_activity_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to update session conversation: %w", err)
	}

	return nil
}

// TouchSession updates the session's last-activity timestamp.
func (s *Store) TouchSession(userID string) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET last_activity_at = CURRENT_TIMESTAMP WHERE user_id = ?
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return nil
}

// DeleteSessionByUserID removes the session bound to a user. Deleting a
// missing row is not an error; callers treat it as already cleared.
func (s *Store) DeleteSessionByUserID(userID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

func scanSession(row *sql.Row, key string) (*Session, error) {
	var session Session

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.AgentType,
		&session.ConversationID,
		&session.Workspace,
		&session.CreatedAt,
		&session.LastActivityAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}
