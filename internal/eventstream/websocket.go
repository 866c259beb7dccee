package eventstream

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/orchestrator"
)

// Close codes (spec §6 push channel): 1000 normal, 4001 unauthorized,
// 4002 not found, 4003 rate-limited.
const (
	closeNormal       = 1000
	closeUnauthorized = 4001
	closeNotFound     = 4002
	closeRateLimited  = 4003
)

const (
	pongWait       = maxMissedPongs*heartbeatEvery + 5*time.Second // three heartbeat intervals plus slack, so only three consecutive missed pongs close the connection
	heartbeatEvery = 30 * time.Second
	maxMissedPongs = 3
)

// TokenValidator authenticates the bearer token carried on the WebSocket
// upgrade request (spec §4.4 "Connection must present a bearer token
// (validated by the external auth collaborator)"). The concrete check is
// out of scope (spec §1); this is the seam a caller plugs into.
type TokenValidator func(token, buildID string) bool

// AllowAllTokens is a TokenValidator that accepts any non-empty token,
// useful for local/demo runs where no auth collaborator is wired.
func AllowAllTokens(token, _ string) bool { return token != "" }

// BuildExists reports whether buildID is known, used to return close code
// 4002 instead of silently opening a channel for a build that will never
// publish (spec §6 "4002 not found").
type BuildExists func(buildID string) bool

// inboundMessage is the client->server envelope (spec §6 "Inbound JSON").
type inboundMessage struct {
	Type    string `json:"type"`
	BuildID string `json:"buildId,omitempty"`
}

// Handler builds the `/ws/builds/{buildId}` HTTP handler (spec §6).
type Handler struct {
	fabric    *Fabric
	validate  TokenValidator
	exists    BuildExists
	log       corelib.Logger
	upgrader  websocket.Upgrader
}

// NewHandler wires a websocket.Upgrader the way the teacher's
// WebSocketTransport.Initialize does (CORS-aware CheckOrigin, generous
// buffers), bound to fabric for subscribe/publish.
func NewHandler(fabric *Fabric, validate TokenValidator, exists BuildExists, log corelib.ComponentLogger) *Handler {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	if validate == nil {
		validate = AllowAllTokens
	}
	if exists == nil {
		exists = func(string) bool { return true }
	}
	return &Handler{
		fabric:   fabric,
		validate: validate,
		exists:   exists,
		log:      log.WithComponent("eventstream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and drives one client's lifetime: auth,
// subscribe+replay, then read/write pumps (spec §4.4 transport).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, buildID string) {
	token := tokenFromRequest(r)
	if !h.validate(token, buildID) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		closeWith(conn, closeUnauthorized, "unauthorized")
		return
	}
	if !h.exists(buildID) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		closeWith(conn, closeNotFound, "build not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	events, replay, unsubscribe := h.fabric.Subscribe(buildID)
	defer unsubscribe()

	send := make(chan orchestrator.Event, 256)
	for _, ev := range replay {
		send <- ev
	}

	done := make(chan struct{})
	go h.writePump(conn, send, done)
	h.readPump(conn, buildID, send, events, done)
}

// writePump drains send to the client and emits heartbeats, closing the
// connection after maxMissedPongs consecutive missed pongs (spec §4.4
// "Heartbeat every 30s; missing three consecutive pongs closes the
// connection"), grounded on the teacher's wsClient.writePump ticker loop.
func (h *Handler) writePump(conn *websocket.Conn, send chan orchestrator.Event, done chan struct{}) {
	ticker := time.NewTicker(heartbeatEvery)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	missed := 0
	conn.SetPongHandler(func(string) error {
		missed = 0
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case ev, ok := <-send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeNormal, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			missed++
			if missed > maxMissedPongs {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeNormal, "heartbeat timeout"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readPump forwards fabric events into send and handles client control
// messages (subscribe/unsubscribe/ping), per spec §6 inbound JSON shapes.
func (h *Handler) readPump(conn *websocket.Conn, buildID string, send chan orchestrator.Event, events <-chan orchestrator.Event, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))

	go func() {
		for ev := range events {
			select {
			case send <- ev:
			default:
			}
		}
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "ping":
			send <- orchestrator.Event{Type: "pong", PipelineID: buildID, Timestamp: time.Now()}
		case "subscribe", "unsubscribe":
			// This connection is already scoped to one buildID via the URL
			// path (spec §6 "/ws/builds/{buildId}"); subscribe/unsubscribe
			// control messages are accepted but are no-ops here since there
			// is nothing else to (un)subscribe to on a single-build socket.
		default:
			h.log.Debug("unknown inbound message type", map[string]interface{}{"type": msg.Type})
		}
	}
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// marshalEvent is used by tests that need the exact wire bytes without
// going through a live socket.
func marshalEvent(ev orchestrator.Event) ([]byte, error) { return json.Marshal(ev) }
