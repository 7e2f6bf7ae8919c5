package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startServer(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	h := NewHub(cfg, zaptest.NewLogger(t), nil)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func subscribe(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]string{"channel": channel},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, "subscribed", env.Type)
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	h, url := startServer(t, DefaultConfig())

	subscriber := dial(t, url)
	idle := dial(t, url)
	subscribe(t, subscriber, ChannelAlerts)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	h.Publish(ChannelAlerts, "alert.created", map[string]string{"fingerprint": "abc"})

	env := readEnvelope(t, subscriber)
	assert.Equal(t, "alert.created", env.Type)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", data["fingerprint"])

	require.NoError(t, idle.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := idle.ReadMessage()
	assert.Error(t, err, "unsubscribed connection must not receive alerts")
}

func TestWebSocket_InvalidChannelReplyError(t *testing.T) {
	_, url := startServer(t, DefaultConfig())
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]string{"channel": "NOT VALID"},
	}))
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
}

func TestWebSocket_MissingPongClosesClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongWait = 80 * time.Millisecond
	h, url := startServer(t, cfg)

	// never reads, so pings are never answered
	dial(t, url)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_AnsweringPingsKeepsClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongWait = 80 * time.Millisecond
	h, url := startServer(t, cfg)

	conn := dial(t, url)
	go func() {
		// reading lets the default ping handler answer with pongs
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.ClientCount())
}

func TestWebSocket_ClientDisconnectUnregisters(t *testing.T) {
	h, url := startServer(t, DefaultConfig())
	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(Config{AllowedOrigins: []string{"https://soc.example.com"}}, zaptest.NewLogger(t), nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://soc.example.com", true},
		{"http://" + "alertforge.local", true},
		{"https://evil.example.net", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "http://alertforge.local/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, h.checkOrigin(req), tt.origin)
	}
}
