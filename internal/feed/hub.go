package feed

import (
	"net/http"
	"sync"
	"time"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBufSize = 16
)

type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	once      sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans session snapshots out to websocket subscribers.
type Hub struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	last    map[string][]byte
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
		last:    make(map[string][]byte),
	}
}

// Publish sends snap to every subscriber of sessionID. Subscribers that
// cannot keep up are dropped.
func (h *Hub) Publish(sessionID string, snap capture.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		h.log.WithError(err).Warn("failed to encode snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[sessionID] = payload
	for c := range h.clients[sessionID] {
		select {
		case c.send <- payload:
		default:
			h.log.WithField("session_id", sessionID).Warn("dropping slow feed client")
			h.removeLocked(c)
		}
	}
}

// Finish closes every subscriber of sessionID and forgets its last snapshot.
func (h *Hub) Finish(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[sessionID] {
		h.removeLocked(c)
	}
	delete(h.last, sessionID)
}

// Subscribers returns how many clients follow sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.sessionID]
	if set == nil {
		set = make(map[*client]struct{})
		h.clients[c.sessionID] = set
	}
	set[c] = struct{}{}
	if last, ok := h.last[c.sessionID]; ok {
		c.send <- last
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	set := h.clients[c.sessionID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.sessionID)
	}
	c.close()
}

// ServeFeed upgrades the request and streams snapshots for the session in
// the {id} path segment.
func (h *Hub) ServeFeed(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("feed upgrade failed")
		return
	}

	c := &client{sessionID: sessionID, conn: conn, send: make(chan []byte, sendBufSize)}
	h.add(c)
	h.log.WithField("session_id", sessionID).Debug("feed client connected")

	go h.writePump(c)
	h.readPump(c)
}

// readPump only watches for the client going away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// NewMux routes the live feed and a health check.
func NewMux(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /sessions/{id}/feed", h.ServeFeed)
	return mux
}
