package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	subscriberSize = 32
)

// Hub pushes session events to websocket subscribers of that session.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	send chan protocol.SessionEvent
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log.With(slog.String("component", "web-hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish delivers event to the session's subscribers without blocking. A
// subscriber whose buffer is full misses the event. Session end closes every
// subscriber of that session.
func (h *Hub) Publish(event protocol.SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[event.SessionID]
	for sub := range set {
		select {
		case sub.send <- event:
		default:
			h.log.Debug("dropping event for slow subscriber",
				slog.String("session_id", event.SessionID),
				slog.String("type", event.Type))
		}
	}
	if event.Type == protocol.EventSessionEnded {
		for sub := range set {
			close(sub.send)
		}
		delete(h.subs, event.SessionID)
	}
}

// Subscribers reports how many connections follow sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Serve upgrades the request and streams sessionID's events as JSON frames.
// alive is consulted once subscribed; a session that ended before that point
// gets its close frame straight away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string, alive func() bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	sub := &subscriber{send: make(chan protocol.SessionEvent, subscriberSize)}
	h.subscribe(sessionID, sub)
	if alive != nil && !alive() {
		h.unsubscribe(sessionID, sub)
	}

	go h.writeLoop(conn, sub)
	h.readLoop(conn)
	h.unsubscribe(sessionID, sub)
}

func (h *Hub) subscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
}

// unsubscribe closes sub unless Publish already did.
func (h *Hub) unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.send)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// readLoop discards client frames and returns once the peer goes away.
func (h *Hub) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case event, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
