package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBuffer   = 8
	maxInboundSize = 512
)

type subscriber struct {
	session string
	conn    *websocket.Conn
	send    chan *domain.ABIDResult
}

// Hub fans evaluation results out to websocket subscribers of each session
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewHub creates an empty hub. allowedOrigins follows the CORS setting; "*" or empty allows any origin.
func NewHub(allowedOrigins []string, logger *logrus.Logger) *Hub {
	h := &Hub{
		sessions: make(map[string]map[*subscriber]struct{}),
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// Publish implements domain.ResultPublisher. Slow subscribers miss intermediate results.
func (h *Hub) Publish(result *domain.ABIDResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.sessions[result.SessionID] {
		select {
		case sub.send <- result:
		default:
			h.logger.WithField("session_id", sub.session).Debug("Dropping result for slow subscriber")
		}
	}
}

// Subscribers returns the number of open connections for a session
func (h *Hub) Subscribers(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[session])
}

// Serve upgrades the request and streams results for session, starting with initial.
// It returns when the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, session string, initial *domain.ABIDResult) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{
		session: session,
		conn:    conn,
		send:    make(chan *domain.ABIDResult, clientBuffer),
	}
	sub.send <- initial
	h.register(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(sub)
	}()

	h.readLoop(sub)
	h.unregister(sub)
	<-done
	return nil
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for session, subs := range h.sessions {
		for sub := range subs {
			close(sub.send)
		}
		delete(h.sessions, session)
	}
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[sub.session]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.sessions[sub.session] = subs
	}
	subs[sub] = struct{}{}
	h.logger.WithField("session_id", sub.session).Debug("Result stream subscriber connected")
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[sub.session]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(h.sessions, sub.session)
	}
	h.logger.WithField("session_id", sub.session).Debug("Result stream subscriber disconnected")
}

// readLoop discards client messages and returns once the connection fails or closes
func (h *Hub) readLoop(sub *subscriber) {
	sub.conn.SetReadLimit(maxInboundSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop owns all writes to the connection and closes it when send is closed
func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case result, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteJSON(result); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
