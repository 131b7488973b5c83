package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestConfigureDatabaseAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, ConfigureDatabase(db))

	var version int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, GetMigrations()[len(GetMigrations())-1].Version, version)

	for _, table := range []string{"plugin_configs", "channel_users", "pairing_requests", "sessions"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, RunMigrations(db))
	require.NoError(t, RunMigrations(db))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(GetMigrations()), count)
}

func TestMigrationVersionsAreOrdered(t *testing.T) {
	prev := 0
	for _, m := range GetMigrations() {
		assert.Greater(t, m.Version, prev, "migration %q out of order", m.Name)
		prev = m.Version
	}
}
