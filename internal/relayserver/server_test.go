package relayserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkipax/realtime/internal/testutil"
	"github.com/linkipax/realtime/internal/types"
	"github.com/linkipax/realtime/internal/wire"
)

var testSigningKey = []byte("test-signing-key")

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func newWsTestServer(t *testing.T, cfg *Config) (*httptest.Server, *Hub) {
	t.Helper()
	logger := testutil.TestLogger(t)
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	mux := http.NewServeMux()
	s := NewServer(logger, hub, cfg, mux)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, hub
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWs(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err, "expected websocket upgrade to succeed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) *wire.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wire.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg), "expected a server message")
	return &msg
}

func TestServeWsAuth(t *testing.T) {
	ts, _ := newWsTestServer(t, &Config{SigningKey: testSigningKey})

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, testSigningKey, jwt.MapClaims{"user-id": "alice"})
		conn := dialWs(t, ts, token)
		conn.Close()
	})

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token := signToken(t, []byte("other-key"), jwt.MapClaims{"user-id": "alice"})
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing user id claim", func(t *testing.T) {
		token := signToken(t, testSigningKey, jwt.MapClaims{"sub": "alice"})
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestServeWsNoSigningKey(t *testing.T) {
	ts, _ := newWsTestServer(t, &Config{})

	conn := dialWs(t, ts, "")
	conn.Close()
}

func TestServerRoundTrip(t *testing.T) {
	ts, _ := newWsTestServer(t, &Config{})

	alice := dialWs(t, ts, "")
	bob := dialWs(t, ts, "")

	require.NoError(t, alice.WriteJSON(&wire.ClientMessage{
		Authenticate: &wire.Authenticate{UserId: "alice"},
	}))
	snapshot := readServerMessage(t, alice)
	require.NotNil(t, snapshot.InitialStatuses)
	assert.Equal(t, map[string]bool{"alice": true}, snapshot.InitialStatuses.Statuses)

	require.NoError(t, bob.WriteJSON(&wire.ClientMessage{
		Authenticate: &wire.Authenticate{UserId: "bob"},
	}))
	snapshot = readServerMessage(t, bob)
	require.NotNil(t, snapshot.InitialStatuses)
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, snapshot.InitialStatuses.Statuses)

	delta := readServerMessage(t, alice)
	require.NotNil(t, delta.UserStatusChange, "expected online delta for bob")
	assert.Equal(t, "bob", delta.UserStatusChange.UserId)

	require.NoError(t, alice.WriteJSON(&wire.ClientMessage{JoinChat: &wire.JoinChat{ChatId: "c1"}}))
	require.NoError(t, bob.WriteJSON(&wire.ClientMessage{JoinChat: &wire.JoinChat{ChatId: "c1"}}))

	// Joins are processed asynchronously by the hub goroutine.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, alice.WriteJSON(&wire.ClientMessage{
		SendMessage: &wire.SendMessage{
			TempId:  "t1",
			Message: types.ChatMessage{ChatId: "c1", Content: "hello"},
		},
	}))

	ack := readServerMessage(t, alice)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, "t1", ack.Ack.TempId)
	require.NotNil(t, ack.Ack.Message)
	assert.NotEmpty(t, ack.Ack.Message.Id)

	delivered := readServerMessage(t, bob)
	require.NotNil(t, delivered.Message)
	assert.Equal(t, "hello", delivered.Message.Content)
	assert.Equal(t, "alice", delivered.Message.SenderId)
}
