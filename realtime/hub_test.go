package realtime

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/calendar?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubDeliversNotificationsToUserConnections(t *testing.T) {
	hub := NewHub()
	router := mux.NewRouter()
	hub.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	conn := dialHub(t, server, "user-1")
	other := dialHub(t, server, "user-2")

	// Registration is finished once the upgrade response arrives, but give
	// the server goroutine a beat to record the connection.
	time.Sleep(50 * time.Millisecond)

	hub.Notify("user-1", Notification{
		Type:       "calendar:update",
		UserID:     "user-1",
		CalendarID: "primary",
		Applied:    2,
		Timestamp:  time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Notification
	require.NoError(t, conn.ReadJSON(&received))
	require.Equal(t, "calendar:update", received.Type)
	require.Equal(t, 2, received.Applied)

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray Notification
	require.Error(t, other.ReadJSON(&stray))
}

func TestHubSerializesConcurrentNotifies(t *testing.T) {
	hub := NewHub()
	router := mux.NewRouter()
	hub.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	conn := dialHub(t, server, "user-1")
	time.Sleep(50 * time.Millisecond)

	// Several sync passes can notify the same user at once.
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Notify("user-1", Notification{
				Type:      "calendar:update",
				UserID:    "user-1",
				Applied:   1,
				Timestamp: time.Now(),
			})
		}()
	}
	wg.Wait()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < writers; i++ {
		var received Notification
		require.NoError(t, conn.ReadJSON(&received))
		require.Equal(t, "calendar:update", received.Type)
	}
}

func TestHubRequiresUserID(t *testing.T) {
	hub := NewHub()
	router := mux.NewRouter()
	hub.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/calendar"
	_, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
}
