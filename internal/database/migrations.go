package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns all available migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_plugin_configs_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS plugin_configs (
					id TEXT PRIMARY KEY,
					type TEXT NOT NULL,
					name TEXT NOT NULL,
					enabled BOOLEAN DEFAULT 0,
					credentials TEXT NOT NULL DEFAULT '',
					options TEXT DEFAULT '{}',
					status TEXT DEFAULT 'stopped',
					last_error TEXT DEFAULT '',
					last_connected_at DATETIME,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_plugin_configs_type ON plugin_configs (type);
				CREATE INDEX IF NOT EXISTS idx_plugin_configs_enabled ON plugin_configs (enabled);
			`,
		},
		{
			Version: 2,
			Name:    "create_channel_users_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS channel_users (
					id TEXT PRIMARY KEY,
					platform_user_id TEXT NOT NULL,
					platform TEXT NOT NULL,
					display_name TEXT DEFAULT '',
					authorized_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (platform_user_id, platform)
				);

				CREATE INDEX IF NOT EXISTS idx_channel_users_platform ON channel_users (platform);
			`,
		},
		{
			Version: 3,
			Name:    "create_pairing_requests_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pairing_requests (
					code TEXT PRIMARY KEY,
					platform_user_id TEXT NOT NULL,
					platform TEXT NOT NULL,
					display_name TEXT DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending',
					requested_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					expires_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_pairing_requests_identity ON pairing_requests (platform_user_id, platform);
				CREATE INDEX IF NOT EXISTS idx_pairing_requests_status ON pairing_requests (status);
				CREATE INDEX IF NOT EXISTS idx_pairing_requests_expires_at ON pairing_requests (expires_at);
			`,
		},
		{
			Version: 4,
			Name:    "create_sessions_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL UNIQUE,
					agent_type TEXT NOT NULL,
					conversation_id TEXT DEFAULT '',
					workspace TEXT DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					last_activity_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (user_id) REFERENCES channel_users (id) ON DELETE CASCADE
				);

				CREATE INDEX IF NOT EXISTS idx_sessions_conversation_id ON sessions (conversation_id);
				CREATE INDEX IF NOT EXISTS idx_sessions_last_activity_at ON sessions (last_activity_at);
			`,
		},
	}
}

// RunMigrations applies all pending migrations to the database
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	migrations := GetMigrations()
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue // Already applied
		}

		if err := runMigration(db, migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

func ensureMigrationsTable(db *sql.DB) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := db.Exec(sql)
	return err
}

// getCurrentVersion returns the current schema version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// runMigration executes a single migration inside a transaction
func runMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		migration.Version, migration.Name,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ConfigureDatabase applies SQLite optimizations and runs migrations
func ConfigureDatabase(db *sql.DB) error {
	// SQLite serializes writes, so limit connections to avoid contention.
	// WAL mode allows concurrent readers, so we allow a few connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}

	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
