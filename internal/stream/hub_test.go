package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizsuite/auditchain/internal/chain"
)

func startHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("tenant"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, tenant string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=" + tenant
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_DeliversToTenantSubscribers(t *testing.T) {
	hub, srv := startHub(t, Config{})
	acme := dial(t, srv, "acme")
	globex := dial(t, srv, "globex")
	waitForSubscribers(t, hub, 2)

	hub.Publish(&chain.Entry{TenantID: "acme", Action: "crm.contacts.create", Hash: "h1", Diff: json.RawMessage(`{}`)})

	require.NoError(t, acme.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := acme.ReadMessage()
	require.NoError(t, err)
	var got chain.Entry
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "h1", got.Hash)

	// The other tenant's subscriber must not see it.
	require.NoError(t, globex.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err = globex.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub, srv := startHub(t, Config{})
	conn := dial(t, srv, "acme")
	waitForSubscribers(t, hub, 1)

	conn.Close()
	waitForSubscribers(t, hub, 0)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(Config{}) // not running
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(&chain.Entry{TenantID: "acme"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full queue")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/stream", nil)

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, check(req))

	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, check(req), "same host is always allowed")

	assert.True(t, originChecker([]string{"*"})(req))
	assert.Nil(t, originChecker(nil))
}

func TestHub_RejectsDisallowedOrigin(t *testing.T) {
	_, srv := startHub(t, Config{AllowedOrigins: []string{"https://app.example.com"}})
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=acme"
	header := http.Header{"Origin": []string{"https://evil.example.net"}}
	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
