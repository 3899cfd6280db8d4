package session

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// How long one subscriber may stall a publish before it is dropped.
const publishWriteTimeout = 5 * time.Second

// Event is one lifecycle notification pushed to session watchers.
type Event struct {
	SessionID string      `json:"session_id"`
	Type      string      `json:"type"` // round_opened, answers_applied, state_changed
	Session   interface{} `json:"session"`
	At        time.Time   `json:"at"`
}

// Hub fans session events out to WebSocket subscribers. Subscriptions are
// per session id; a slow or dead subscriber is dropped rather than blocking
// the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*websocket.Conn]bool)}
}

// Publish sends an event to every subscriber of the session.
func (h *Hub) Publish(sessionID, eventType string, session interface{}) {
	event := Event{
		SessionID: sessionID,
		Type:      eventType,
		Session:   session,
		At:        time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs[sessionID] {
		conn.SetWriteDeadline(time.Now().Add(publishWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("session %s: websocket write: %v, dropping subscriber", sessionID, err)
			conn.Close()
			delete(h.subs[sessionID], conn)
		}
	}
}

// ServeWS upgrades the request and streams the session's events until the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session %s: websocket upgrade: %v", sessionID, err)
		return
	}

	h.subscribe(sessionID, conn)
	defer h.unsubscribe(sessionID, conn)
	defer conn.Close()

	// Drain the connection to observe the close frame. Incoming messages
	// are ignored; the stream is one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session %s: websocket read: %v", sessionID, err)
			}
			return
		}
	}
}

func (h *Hub) subscribe(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*websocket.Conn]bool)
	}
	h.subs[sessionID][conn] = true
}

func (h *Hub) unsubscribe(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sessionID], conn)
	if len(h.subs[sessionID]) == 0 {
		delete(h.subs, sessionID)
	}
}
