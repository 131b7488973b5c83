package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/pkg/protocol"
)

// ChannelUser is an authorized remote identity. Rows are created only by a
// successful pairing approval and removed on revocation; deleting a user
// cascades to its session.
type ChannelUser struct {
	ID             string            `json:"id"`
	PlatformUserID string            `json:"platform_user_id"`
	Platform       protocol.Platform `json:"platform"`
	DisplayName    string            `json:"display_name"`
	AuthorizedAt   time.Time         `json:"authorized_at"`
	LastActiveAt   time.Time         `json:"last_active_at"`
}

// CreateChannelUser inserts a new authorized user for the given identity.
func (s *Store) CreateChannelUser(platformUserID string, platform protocol.Platform, displayName string) (*ChannelUser, error) {
	user := &ChannelUser{
		ID:             uuid.New().String(),
		PlatformUserID: platformUserID,
		Platform:       platform,
		DisplayName:    displayName,
		AuthorizedAt:   time.Now(),
		LastActiveAt:   time.Now(),
	}

	_, err := s.db.Exec(`
		INSERT INTO channel_users (id, platform_user_id, platform, display_name, authorized_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		user.ID,
		user.PlatformUserID,
		string(user.Platform),
		user.DisplayName,
		user.AuthorizedAt,
		user.LastActiveAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel user: %w", err)
	}

	return user, nil
}

// GetChannelUser retrieves a channel user by synthetic id.
func (s *Store) GetChannelUser(id string) (*ChannelUser, error) {
	row := s.db.QueryRow(`
		SELECT id, platform_user_id, platform, display_name, authorized_at, last_active_at
		FROM channel_users WHERE id = ?
	`, id)

	return s.scanChannelUser(row, id)
}

// GetChannelUserByIdentity retrieves a channel user by its unique
// (platformUserID, platform) pair.
func (s *Store) GetChannelUserByIdentity(platformUserID string, platform protocol.Platform) (*ChannelUser, error) {
	row := s.db.QueryRow(`
		SELECT id, platform_user_id, platform, display_name, authorized_at, last_active_at
		FROM channel_users WHERE platform_user_id = ? AND platform = ?
	`, platformUserID, string(platform))

	return s.scanChannelUser(row, platformUserID)
}

// ListChannelUsers returns every authorized user.
func (s *Store) ListChannelUsers() ([]*ChannelUser, error) {
	rows, err := s.db.Query(`
		SELECT id, platform_user_id, platform, display_name, authorized_at, last_active_at
		FROM channel_users ORDER BY authorized_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel users: %w", err)
	}
	defer rows.Close()

	var users []*ChannelUser
	for rows.Next() {
		var user ChannelUser
		var platform string

		err := rows.Scan(
			&user.ID,
			&user.PlatformUserID,
			&platform,
			&user.DisplayName,
			&user.AuthorizedAt,
			&user.LastActiveAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel user: %w", err)
		}

		user.Platform = protocol.Platform(platform)
		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return users, nil
}

// TouchChannelUser updates the user's last-active timestamp.
func (s *Store) TouchChannelUser(id string) error {
	_, err := s.db.Exec(`
		UPDATE channel_users SET last_active_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch channel user: %w", err)
	}

	return nil
}

// DeleteChannelUser revokes a user. The session row, if any, is removed by
// the foreign-key cascade.
func (s *Store) DeleteChannelUser(id string) error {
	result, err := s.db.Exec(`DELETE FROM channel_users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete channel user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("channel user %s: %w", id, ErrNotFound)
	}

	return nil
}

func (s *Store) scanChannelUser(row *sql.Row, key string) (*ChannelUser, error) {
	var user ChannelUser
	var platform string

	err := row.Scan(
		&user.ID,
		&user.PlatformUserID,
		&platform,
		&user.DisplayName,
		&user.AuthorizedAt,
		&user.LastActiveAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("channel user %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get channel user: %w", err)
	}

	user.Platform = protocol.Platform(platform)
	return &user, nil
}
