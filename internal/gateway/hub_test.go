package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(StatusChanged{PluginID: "plug-1", Status: "running"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Type string        `json:"type"`
		Data StatusChanged `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, "plugin.status", evt.Type)
	assert.Equal(t, "plug-1", evt.Data.PluginID)
	assert.Equal(t, "running", evt.Data.Status)
}

func TestHubUserAuthorizedEventType(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(UserAuthorized{UserID: "u1", Platform: "telegram", DisplayName: "Dana"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Type string         `json:"type"`
		Data UserAuthorized `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, "user.authorized", evt.Type)
	assert.Equal(t, "Dana", evt.Data.DisplayName)
}

func TestHubReapsDisconnectedClient(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)

	// Broadcasting into an empty hub must not panic.
	hub.Broadcast(StatusChanged{PluginID: "plug-1", Status: "stopped"})
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Close()
	hub.Close() // second close is a no-op

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, hub.ClientCount())
}
