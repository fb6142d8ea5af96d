package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/registry"
)

type stubEngine struct {
	mu           sync.Mutex
	connected    []registry.Conn
	disconnected []registry.Conn
	events       []model.Envelope
}

func (e *stubEngine) HandleConnect(c registry.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, c)
}

func (e *stubEngine) HandleDisconnect(c registry.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected = append(e.disconnected, c)
}

func (e *stubEngine) HandleEvent(c registry.Conn, env model.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, env)
	// Echo back so the test can observe the outbound path.
	c.Send(env.Event, json.RawMessage(env.Data))
}

func (e *stubEngine) snapshot() (int, int, []model.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connected), len(e.disconnected), append([]model.Envelope(nil), e.events...)
}

func newTestServer(t *testing.T) (*httptest.Server, *stubEngine, *Authenticator) {
	t.Helper()
	eng := &stubEngine{}
	auth := NewAuthenticator("test-secret")
	srv := NewServer(eng, auth, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.Handle))
	t.Cleanup(ts.Close)
	return ts, eng, auth
}

func wsURL(ts *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?token=" + token
	return u
}

func TestHandleRejectsBadToken(t *testing.T) {
	ts, _, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionRoundTrip(t *testing.T) {
	ts, eng, auth := newTestServer(t)

	token, err := auth.Issue("driver-1", model.RoleDriver, time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	require.NoError(t, err)

	payload, _ := json.Marshal(model.DriverStatePayload{DriverID: "driver-1"})
	require.NoError(t, conn.WriteJSON(model.Envelope{Event: model.EventDriverAvailable, Data: payload}))

	// The stub echoes every inbound frame.
	var got struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, model.EventDriverAvailable, got.Event)

	conns, _, events := eng.snapshot()
	require.Equal(t, 1, conns)
	require.Len(t, events, 1)
	require.Equal(t, model.RoleDriver, eng.connected[0].Identity().Role)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, drops, _ := eng.snapshot()
		return drops == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	ts, eng, auth := newTestServer(t)

	token, err := auth.Issue("driver-2", model.RoleDriver, time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		n, _, _ := eng.snapshot()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	client := eng.connected[0]
	// Flood well past the buffer; a slow reader must never block the sender.
	dropped := false
	for i := 0; i < sendBuffer*4; i++ {
		if !client.Send(model.EventOrderUpdate, model.OrderUpdatePayload{OrderID: "o1"}) {
			dropped = true
		}
	}
	require.True(t, dropped)
}

func TestSendAfterCloseReturnsFalse(t *testing.T) {
	c := newClient("c1", model.Identity{PartyID: "d1", Role: model.RoleDriver}, &websocket.Conn{})
	c.shutdown()
	require.False(t, c.Send(model.EventOrderNew, nil))
}
