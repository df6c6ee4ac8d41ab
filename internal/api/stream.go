package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Feed delivers an owner's notification payloads until stop is called.
type Feed interface {
	Subscribe(ctx context.Context, ownerID string, deliver func(payload []byte)) (stop func(), err error)
}

// StreamHandler pushes an authenticated owner's notifications over a
// WebSocket.
type StreamHandler struct {
	feed           Feed
	logger         *slog.Logger
	allowedOrigins []string // nil allows all origins
	upgrader       websocket.Upgrader
	metrics        *httpMetrics

	mu          sync.RWMutex
	connections map[string]*wsConnection
}

type wsConnection struct {
	clientID string
	ownerID  string
	conn     *websocket.Conn
	send     chan []byte
	stop     func()

	mu     sync.Mutex
	closed bool
}

// NewStreamHandler returns a StreamHandler reading from feed.
func NewStreamHandler(feed Feed, allowedOrigins []string, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &StreamHandler{
		feed:           feed,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "status-stream"),
		metrics:        apiMetrics(),
		connections:    make(map[string]*wsConnection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
		// "*.example.com" matches any subdomain.
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(strings.ToLower(origin), strings.ToLower(allowed[1:])) {
			return true
		}
	}
	h.logger.Warn("websocket connection rejected: origin not allowed", "origin", origin)
	return false
}

// HandleConnect upgrades the request and subscribes the caller to their
// own notifications.
func (h *StreamHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	wsc := &wsConnection{
		clientID: uuid.NewString(),
		ownerID:  owner,
		conn:     conn,
		send:     make(chan []byte, 256),
	}

	stop, err := h.feed.Subscribe(context.Background(), owner, func(payload []byte) {
		h.deliver(wsc, payload)
	})
	if err != nil {
		h.logger.Error("subscribe failed", "owner_id", owner, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "notifications unavailable"))
		conn.Close()
		return
	}
	wsc.stop = stop

	h.mu.Lock()
	h.connections[wsc.clientID] = wsc
	h.mu.Unlock()
	h.metrics.streams.Inc()

	h.logger.Info("websocket connected", "client_id", wsc.clientID, "owner_id", owner)
	h.sendMessage(wsc, "connected", map[string]any{"client_id": wsc.clientID})

	go h.readPump(wsc)
	go h.writePump(wsc)
}

func (h *StreamHandler) readPump(wsc *wsConnection) {
	defer h.closeConnection(wsc)

	wsc.conn.SetReadLimit(4 * 1024)
	wsc.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	wsc.conn.SetPongHandler(func(string) error {
		wsc.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := wsc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "client_id", wsc.clientID, "error", err)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "ping" {
			h.sendMessage(wsc, "error", map[string]any{"code": "unknown_type", "message": "only ping is accepted"})
			continue
		}
		h.sendMessage(wsc, "pong", nil)
	}
}

func (h *StreamHandler) writePump(wsc *wsConnection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		wsc.conn.Close()
	}()

	for {
		select {
		case message, ok := <-wsc.send:
			wsc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				wsc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wsc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			wsc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := wsc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver forwards a notification payload verbatim.
func (h *StreamHandler) deliver(wsc *wsConnection, payload []byte) {
	data, err := json.Marshal(map[string]any{
		"type": "notification",
		"data": json.RawMessage(payload),
	})
	if err != nil {
		h.logger.Warn("dropping malformed notification", "client_id", wsc.clientID, "error", err)
		return
	}
	h.enqueue(wsc, data)
}

func (h *StreamHandler) sendMessage(wsc *wsConnection, msgType string, data any) {
	msg := map[string]any{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if data != nil {
		msg["data"] = data
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("message marshal failed", "error", err)
		return
	}
	h.enqueue(wsc, raw)
}

func (h *StreamHandler) enqueue(wsc *wsConnection, data []byte) {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()
	if wsc.closed {
		return
	}
	select {
	case wsc.send <- data:
	default:
		h.logger.Warn("send channel full", "client_id", wsc.clientID)
	}
}

func (h *StreamHandler) closeConnection(wsc *wsConnection) {
	wsc.mu.Lock()
	if wsc.closed {
		wsc.mu.Unlock()
		return
	}
	wsc.closed = true
	close(wsc.send)
	wsc.mu.Unlock()

	if wsc.stop != nil {
		wsc.stop()
	}

	h.mu.Lock()
	delete(h.connections, wsc.clientID)
	h.mu.Unlock()
	h.metrics.streams.Dec()

	h.logger.Info("websocket disconnected", "client_id", wsc.clientID)
}

// ConnectionCount returns the number of open streams.
func (h *StreamHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
