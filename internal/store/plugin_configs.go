package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"courier/pkg/protocol"
)

// Plugin status values persisted in plugin_configs.status. These track the
// coarse operational state; the fine-grained lifecycle lives in the runtime.
const (
	PluginStatusRunning = "running"
	PluginStatusStopped = "stopped"
	PluginStatusError   = "error"
)

// PluginConfig is the persisted configuration of one platform connector.
// Credentials are stored encrypted and only ever decrypted in memory.
type PluginConfig struct {
	ID              string            `json:"id"`
	Type            protocol.Platform `json:"type"`
	Name            string            `json:"name"`
	Enabled         bool              `json:"enabled"`
	Credentials     string            `json:"-"`
	Options         map[string]string `json:"options,omitempty"`
	Status          string            `json:"status"`
	LastError       string            `json:"last_error,omitempty"`
	LastConnectedAt *time.Time        `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SavePluginConfig inserts or replaces a plugin config. Credentials are
// encrypted before they touch disk.
func (s *Store) SavePluginConfig(cfg *PluginConfig) error {
	encrypted, err := s.cipher.Encrypt(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	optionsJSON, err := json.Marshal(cfg.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	cfg.UpdatedAt = time.Now()

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO plugin_configs
		(id, type, name, enabled, credentials, options, status, last_error, last_connected_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cfg.ID,
		string(cfg.Type),
		cfg.Name,
		cfg.Enabled,
		encrypted,
		string(optionsJSON),
		cfg.Status,
		cfg.LastError,
		cfg.LastConnectedAt,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save plugin config: %w", err)
	}

	return nil
}

// GetPluginConfig retrieves one plugin config by id with credentials decrypted.
func (s *Store) GetPluginConfig(id string) (*PluginConfig, error) {
	row := s.db.QueryRow(`
		SELECT id, type, name, enabled, credentials, options, status, last_error, last_connected_at, created_at, updated_at
		FROM plugin_configs WHERE id = ?
	`, id)

	cfg, err := s.scanPluginConfig(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("plugin config %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get plugin config: %w", err)
	}

	return cfg, nil
}

// ListPluginConfigs returns every persisted plugin config.
func (s *Store) ListPluginConfigs() ([]*PluginConfig, error) {
	return s.listPluginConfigs(`
		SELECT id, type, name, enabled, credentials, options, status, last_error, last_connected_at, created_at, updated_at
		FROM plugin_configs ORDER BY created_at
	`)
}

// ListEnabledPluginConfigs returns the configs the orchestrator should start.
func (s *Store) ListEnabledPluginConfigs() ([]*PluginConfig, error) {
	return s.listPluginConfigs(`
		SELECT id, type, name, enabled, credentials, options, status, last_error, last_connected_at, created_at, updated_at
		FROM plugin_configs WHERE enabled = 1 ORDER BY created_at
	`)
}

// DeletePluginConfig removes a plugin config by id.
func (s *Store) DeletePluginConfig(id string) error {
	result, err := s.db.Exec(`DELETE FROM plugin_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plugin config: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("plugin config %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdatePluginStatus persists the last-known operational status and error of
// a plugin without touching its configuration.
func (s *Store) UpdatePluginStatus(id, status, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE plugin_configs
		SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update plugin status: %w", err)
	}

	return nil
}

// MarkPluginConnected records a successful connection time for the plugin.
func (s *Store) MarkPluginConnected(id string) error {
	_, err := s.db.Exec(`
		UPDATE plugin_configs
		SET last_connected_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark plugin connected: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPluginConfig(row rowScanner) (*PluginConfig, error) {
	var cfg PluginConfig
	var typ, encrypted, optionsJSON string

	err := row.Scan(
		&cfg.ID,
		&typ,
		&cfg.Name,
		&cfg.Enabled,
		&encrypted,
		&optionsJSON,
		&cfg.Status,
		&cfg.LastError,
		&cfg.LastConnectedAt,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.Type = protocol.Platform(typ)

	cfg.Credentials, err = s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for plugin %s: %w", cfg.ID, err)
	}

	if err := json.Unmarshal([]byte(optionsJSON), &cfg.Options); err != nil {
		cfg.Options = make(map[string]string)
	}

	return &cfg, nil
}

func (s *Store) listPluginConfigs(query string) ([]*PluginConfig, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin configs: %w", err)
	}
	defer rows.Close()

	var configs []*PluginConfig
	for rows.Next() {
		cfg, err := s.scanPluginConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return configs, nil
}
