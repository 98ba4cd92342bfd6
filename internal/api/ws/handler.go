package ws

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/api/middleware"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 4096
	maxReplay      = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts same-host and loopback origins; tools without an
// Origin header are let through.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host || middleware.IsLoopbackOrigin(origin)
}

// Message is one frame sent to the client.
type Message struct {
	Type    string       `json:"type"`
	Event   *vnode.Event `json:"event,omitempty"`
	Message string       `json:"message,omitempty"`
	Time    int64        `json:"timestamp"`
}

type inbound struct {
	Type string `json:"type"`
}

// Handler streams V-Node lifecycle events over WebSocket.
type Handler struct {
	events  *vnode.EventBroker
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a handler over the supervisor's broker.
func NewHandler(events *vnode.EventBroker, logger *zap.Logger) *Handler {
	return &Handler{events: events, logger: logging.OrNop(logger)}
}

// WithMetrics counts open connections.
func (h *Handler) WithMetrics(m *monitoring.Metrics) *Handler {
	h.metrics = m
	return h
}

// HandleConnection upgrades the request and streams events until either
// side goes away. ?vnode= filters by V-Node; ?history=N replays the last N
// events first.
func (h *Handler) HandleConnection(c *gin.Context) {
	filter := c.Query("vnode")
	replay := 0
	if raw := c.Query("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "history must be a non-negative integer"})
			return
		}
		replay = min(n, maxReplay)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	// Subscribe before replaying so nothing falls between the two.
	events, unsubscribe := h.events.Subscribe(filter)
	defer unsubscribe()

	logger := h.logger.With(zap.String("remote", c.ClientIP()), zap.String("vnode", filter))
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	if err := h.send(conn, Message{Type: "system", Message: "subscribed"}); err != nil {
		return
	}
	var lastReplayed id.EventID
	if replay > 0 {
		for _, e := range h.events.History(filter, replay) {
			if err := h.send(conn, Message{Type: "event", Event: &e}); err != nil {
				return
			}
			lastReplayed = e.ID
		}
	}

	pings := make(chan struct{}, 1)
	closed := make(chan struct{})
	go h.readLoop(conn, pings, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				_ = h.send(conn, Message{Type: "system", Message: "kernel shutting down"})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(writeWait))
				return
			}
			// Event IDs are monotonic ULIDs; skip what the replay covered.
			if lastReplayed != "" && e.ID <= lastReplayed {
				continue
			}
			if err := h.send(conn, Message{Type: "event", Event: &e}); err != nil {
				logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-pings:
			if err := h.send(conn, Message{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// readLoop handles client frames. Only "ping" is understood; the loop ends
// when the client disconnects.
func (h *Handler) readLoop(conn *websocket.Conn, pings chan<- struct{}, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Type == "ping" {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, msg Message) error {
	msg.Time = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
