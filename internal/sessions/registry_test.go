package sessions

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/secrets"
	"courier/internal/store"
	"courier/pkg/protocol"
)

func newTestEnv(t *testing.T) (*Registry, *store.Store) {
	t.Helper()

	dir := t.TempDir()
	cipher, err := secrets.NewCipher(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)

	st, err := store.NewStore(filepath.Join(dir, "courier.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := NewRegistry(st)
	require.NoError(t, err)
	return reg, st
}

func authorizedUser(t *testing.T, st *store.Store, platformUserID string) *store.ChannelUser {
	t.Helper()
	user, err := st.CreateChannelUser(platformUserID, protocol.PlatformTelegram, "Ada")
	require.NoError(t, err)
	return user
}

func TestCreateReplacesExistingSession(t *testing.T) {
	reg, st := newTestEnv(t)
	user := authorizedUser(t, st, "100")

	first, err := reg.CreateWithConversation(user.ID, "claude", "conv-1")
	require.NoError(t, err)

	second, err := reg.CreateWithConversation(user.ID, "claude", "conv-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Exactly one row must survive, in cache and on disk.
	got, ok := reg.Get(user.ID)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	persisted, err := st.ListSessions()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "conv-2", persisted[0].ConversationID)
}

func TestRegistryLoadsPersistedSessionsAtStartup(t *testing.T) {
	reg, st := newTestEnv(t)
	user := authorizedUser(t, st, "100")

	created, err := reg.CreateWithConversation(user.ID, "claude", "conv-1")
	require.NoError(t, err)

	fresh, err := NewRegistry(st)
	require.NoError(t, err)

	got, ok := fresh.Get(user.ID)
	require.True(t, ok)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "conv-1", got.ConversationID)
}

func TestSetConversation(t *testing.T) {
	reg, st := newTestEnv(t)
	user := authorizedUser(t, st, "100")

	_, err := reg.Create(user.ID, "claude")
	require.NoError(t, err)

	require.NoError(t, reg.SetConversation(user.ID, "conv-9"))

	got, ok := reg.GetByConversation("conv-9")
	require.True(t, ok)
	assert.Equal(t, user.ID, got.UserID)

	assert.Error(t, reg.SetConversation("nobody", "conv-9"))
}

func TestClearReturnsRemovedSession(t *testing.T) {
	reg, st := newTestEnv(t)
	user := authorizedUser(t, st, "100")

	created, err := reg.CreateWithConversation(user.ID, "claude", "conv-1")
	require.NoError(t, err)

	removed, err := reg.Clear(user.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, removed.ID)

	_, ok := reg.Get(user.ID)
	assert.False(t, ok)

	_, err = reg.Clear(user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClearByConversation(t *testing.T) {
	reg, st := newTestEnv(t)
	user := authorizedUser(t, st, "100")

	created, err := reg.CreateWithConversation(user.ID, "claude", "conv-1")
	require.NoError(t, err)

	removed, err := reg.ClearByConversation("conv-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, removed.ID)

	_, err = reg.ClearByConversation("conv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepStaleRemovesIdleSessions(t *testing.T) {
	reg, st := newTestEnv(t)
	idle := authorizedUser(t, st, "100")
	active := authorizedUser(t, st, "200")

	_, err := reg.Create(idle.ID, "claude")
	require.NoError(t, err)
	_, err = reg.Create(active.ID, "claude")
	require.NoError(t, err)

	// Age the idle session past the cutoff directly in the cache.
	reg.mu.Lock()
	reg.cache[idle.ID].LastActivityAt = time.Now().Add(-reg.maxIdle - time.Hour)
	reg.mu.Unlock()

	removed := reg.SweepStale()
	require.Len(t, removed, 1)
	assert.Equal(t, idle.ID, removed[0].UserID)

	_, ok := reg.Get(active.ID)
	assert.True(t, ok)
}

func TestConcurrentCreateSameUserLeavesOneSession(t *testing.T) {
	reg, st := newTestEnv(t)
	user := authorizedUser(t, st, "100")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Create(user.ID, "claude")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	persisted, err := st.ListSessions()
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}
