package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, broker *vnode.EventBroker) *httptest.Server {
	t.Helper()
	r := gin.New()
	r.GET("/stream", NewHandler(broker, nil).HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func event(name string, to vnode.State) vnode.Event {
	return vnode.Event{ID: id.NewEventID(), VNode: name, To: to, Time: time.Now()}
}

func TestStreamSendsWelcomeThenLiveEvents(t *testing.T) {
	broker := vnode.NewEventBroker()
	conn := dial(t, newServer(t, broker), "")

	welcome := read(t, conn)
	assert.Equal(t, "system", welcome.Type)
	assert.Equal(t, "subscribed", welcome.Message)

	broker.Publish(event("dns-resolver", vnode.StateRunning))

	msg := read(t, conn)
	require.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "dns-resolver", msg.Event.VNode)
	assert.Equal(t, vnode.StateRunning, msg.Event.To)
	assert.NotZero(t, msg.Time)
}

func TestStreamReplaysHistoryWithoutDuplicates(t *testing.T) {
	broker := vnode.NewEventBroker()
	broker.Publish(event("socket-api", vnode.StateLoading))
	broker.Publish(event("socket-api", vnode.StateRunning))

	conn := dial(t, newServer(t, broker), "?history=10")
	assert.Equal(t, "system", read(t, conn).Type)

	first := read(t, conn)
	second := read(t, conn)
	assert.Equal(t, vnode.StateLoading, first.Event.To)
	assert.Equal(t, vnode.StateRunning, second.Event.To)

	broker.Publish(event("socket-api", vnode.StateStopped))
	next := read(t, conn)
	assert.Equal(t, vnode.StateStopped, next.Event.To)
}

func TestStreamFiltersByVNode(t *testing.T) {
	broker := vnode.NewEventBroker()
	conn := dial(t, newServer(t, broker), "?vnode=mail-service")
	read(t, conn)

	broker.Publish(event("dns-resolver", vnode.StateRunning))
	broker.Publish(event("mail-service", vnode.StateCrashed))

	msg := read(t, conn)
	assert.Equal(t, "mail-service", msg.Event.VNode)
	assert.Equal(t, vnode.StateCrashed, msg.Event.To)
}

func TestStreamAnswersPing(t *testing.T) {
	conn := dial(t, newServer(t, vnode.NewEventBroker()), "")
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", read(t, conn).Type)
}

func TestStreamClosesOnBrokerShutdown(t *testing.T) {
	broker := vnode.NewEventBroker()
	conn := dial(t, newServer(t, broker), "")
	read(t, conn)

	broker.Close()

	msg := read(t, conn)
	assert.Equal(t, "kernel shutting down", msg.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestStreamRejectsBadHistory(t *testing.T) {
	srv := newServer(t, vnode.NewEventBroker())
	resp, err := http.Get(srv.URL + "/stream?history=-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:5173", true},
		{"http://admin.example:8080", true},
		{"https://evil.example", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://admin.example:8080/stream", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, localOrigin(req))
		})
	}
}
