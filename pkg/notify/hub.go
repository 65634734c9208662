package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

const (
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendBuffer   = 32
)

// Hub pushes updates to websocket subscribers keyed by username.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *plog.Logger

	mu      sync.RWMutex
	clients map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

func NewHub(logger *plog.Logger) *Hub {
	if logger == nil {
		logger = plog.NewDefault()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: map[string]map[*subscriber]struct{}{},
	}
}

// Publish queues the update for every connection of u.Username. Slow
// subscribers are disconnected rather than blocking the write path.
func (h *Hub) Publish(_ context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	h.mu.RLock()
	var slow []*subscriber
	for s := range h.clients[u.Username] {
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.remove(u.Username, s)
	}
	return nil
}

// Subscribers counts open connections for username.
func (h *Hub) Subscribers(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[username])
}

// ServeWS upgrades the request and streams username's updates until the
// peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, username string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.clients[username] == nil {
		h.clients[username] = map[*subscriber]struct{}{}
	}
	h.clients[username][s] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(s)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	h.remove(username, s)
}

func (h *Hub) remove(username string, s *subscriber) {
	h.mu.Lock()
	if set, ok := h.clients[username]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.clients, username)
		}
	}
	h.mu.Unlock()
	s.close()
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
