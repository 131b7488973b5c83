package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/secrets"
	"courier/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	cipher, err := secrets.NewCipher(filepath.Join(dir, "courier.key"))
	require.NoError(t, err)

	s, err := NewStore(filepath.Join(dir, "courier.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestPluginConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)

	cfg := &PluginConfig{
		ID:          "tg-main",
		Type:        protocol.PlatformTelegram,
		Name:        "Main Telegram Bot",
		Enabled:     true,
		Credentials: "123456:token",
		Options:     map[string]string{"polling_timeout": "30"},
		Status:      PluginStatusStopped,
	}
	require.NoError(t, s.SavePluginConfig(cfg))

	got, err := s.GetPluginConfig("tg-main")
	require.NoError(t, err)
	assert.Equal(t, "123456:token", got.Credentials)
	assert.Equal(t, protocol.PlatformTelegram, got.Type)
	assert.Equal(t, "30", got.Options["polling_timeout"])
	assert.True(t, got.Enabled)

	// Credentials must not be stored in cleartext.
	var raw string
	require.NoError(t, s.db.QueryRow("SELECT credentials FROM plugin_configs WHERE id = ?", "tg-main").Scan(&raw))
	assert.NotContains(t, raw, "123456:token")
}

func TestListEnabledPluginConfigs(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SavePluginConfig(&PluginConfig{ID: "a", Type: protocol.PlatformTelegram, Name: "a", Enabled: true, Credentials: "x"}))
	require.NoError(t, s.SavePluginConfig(&PluginConfig{ID: "b", Type: protocol.PlatformSlack, Name: "b", Enabled: false, Credentials: "y"}))

	enabled, err := s.ListEnabledPluginConfigs()
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].ID)

	all, err := s.ListPluginConfigs()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdatePluginStatus(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SavePluginConfig(&PluginConfig{ID: "a", Type: protocol.PlatformTelegram, Name: "a", Credentials: "x"}))
	require.NoError(t, s.UpdatePluginStatus("a", PluginStatusError, "invalid token"))

	got, err := s.GetPluginConfig("a")
	require.NoError(t, err)
	assert.Equal(t, PluginStatusError, got.Status)
	assert.Equal(t, "invalid token", got.LastError)
}

func TestChannelUserIdentityUnique(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateChannelUser("42", protocol.PlatformTelegram, "Sam")
	require.NoError(t, err)

	_, err = s.CreateChannelUser("42", protocol.PlatformTelegram, "Sam Again")
	assert.Error(t, err)

	// Same platform user id on a different platform is a different identity.
	_, err = s.CreateChannelUser("42", protocol.PlatformDiscord, "Sam")
	assert.NoError(t, err)
}

func TestDeleteChannelUserCascadesToSession(t *testing.T) {
	s := newTestStore(t)

	user, err := s.CreateChannelUser("42", protocol.PlatformTelegram, "Sam")
	require.NoError(t, err)

	session := &Session{
		ID:             "sess-1",
		UserID:         user.ID,
		AgentType:      "default",
		ConversationID: "conv-1",
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	require.NoError(t, s.InsertSession(session))

	require.NoError(t, s.DeleteChannelUser(user.ID))

	_, err = s.GetSessionByUserID(user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPairingRequestLifecycle(t *testing.T) {
	s := newTestStore(t)

	req := &PairingRequest{
		Code:           "482913",
		PlatformUserID: "42",
		Platform:       protocol.PlatformTelegram,
		DisplayName:    "Sam",
		Status:         PairingPending,
		RequestedAt:    time.Now(),
		ExpiresAt:      time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.CreatePairingRequest(req))

	// Duplicate code is rejected by the primary key and classified so the
	// pairing service can tell a collision from a real failure.
	assert.ErrorIs(t, s.CreatePairingRequest(req), ErrConflict)

	pending, err := s.GetPendingPairingForIdentity("42", protocol.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, "482913", pending.Code)

	require.NoError(t, s.UpdatePairingStatus("482913", PairingApproved))

	got, err := s.GetPairingRequest("482913")
	require.NoError(t, err)
	assert.Equal(t, PairingApproved, got.Status)
	assert.True(t, got.Status.Terminal())

	_, err = s.GetPendingPairingForIdentity("42", protocol.PlatformTelegram)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepPairingRequests(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	fresh := &PairingRequest{Code: "111111", PlatformUserID: "1", Platform: protocol.PlatformTelegram, Status: PairingPending, RequestedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	stale := &PairingRequest{Code: "222222", PlatformUserID: "2", Platform: protocol.PlatformTelegram, Status: PairingPending, RequestedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-50 * time.Minute)}
	done := &PairingRequest{Code: "333333", PlatformUserID: "3", Platform: protocol.PlatformTelegram, Status: PairingRejected, RequestedAt: now, ExpiresAt: now.Add(10 * time.Minute)}

	for _, req := range []*PairingRequest{fresh, stale, done} {
		require.NoError(t, s.CreatePairingRequest(req))
	}

	removed, err := s.SweepPairingRequests(now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = s.GetPairingRequest("111111")
	assert.NoError(t, err)
	_, err = s.GetPairingRequest("222222")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPairingRequest("333333")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionUniquePerUser(t *testing.T) {
	s := newTestStore(t)

	user, err := s.CreateChannelUser("42", protocol.PlatformTelegram, "Sam")
	require.NoError(t, err)

	first := &Session{ID: "s1", UserID: user.ID, AgentType: "default", CreatedAt: time.Now(), LastActivityAt: time.Now()}
	require.NoError(t, s.InsertSession(first))

	second := &Session{ID: "s2", UserID: user.ID, AgentType: "default", CreatedAt: time.Now(), LastActivityAt: time.Now()}
	assert.Error(t, s.InsertSession(second), "two sessions for one user must violate the unique constraint")

	require.NoError(t, s.DeleteSessionByUserID(user.ID))
	assert.NoError(t, s.InsertSession(second))
}

func TestGetSessionByConversationID(t *testing.T) {
	s := newTestStore(t)

	user, err := s.CreateChannelUser("42", protocol.PlatformTelegram, "Sam")
	require.NoError(t, err)

	session := &Session{ID: "s1", UserID: user.ID, AgentType: "default", ConversationID: "conv-9", CreatedAt: time.Now(), LastActivityAt: time.Now()}
	require.NoError(t, s.InsertSession(session))

	got, err := s.GetSessionByConversationID("conv-9")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	require.NoError(t, s.UpdateSessionConversation(user.ID, "conv-10"))
	got, err = s.GetSessionByConversationID("conv-10")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)
}
