package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nshruti113/admission-guard/internal/models"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Message is one frame of the live feed.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub fans alerts and metrics snapshots out to websocket clients. It is both a
// monitoring observer and an alert notifier.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
	metrics  rate.Sometimes

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Message
}

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger.WithField("component", "ws"),
		metrics: rate.Sometimes{Interval: time.Second},
		clients: make(map[*websocket.Conn]chan Message),
	}
}

// OnEvent broadcasts at most one snapshot per second.
func (h *Hub) OnEvent(s models.MetricsSnapshot) {
	h.metrics.Do(func() {
		h.broadcast(Message{Type: "metrics", Payload: s})
	})
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) SendAlert(_ context.Context, alert models.Alert) error {
	h.broadcast(Message{Type: "alert", Payload: alert})
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast never blocks; clients whose buffer is full miss the message.
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- msg:
		default:
			h.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Live feed client is slow, dropping message")
		}
	}
}

// ServeHTTP upgrades the connection and keeps it until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	send := make(chan Message, sendBuffer)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()
	h.logger.WithField("remote", conn.RemoteAddr().String()).Info("Live feed client connected")

	done := make(chan struct{})
	go h.writeLoop(conn, send, done)

	// Reads only detect the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	close(done)
	conn.Close()
}

func (h *Hub) writeLoop(conn *websocket.Conn, send <-chan Message, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.WithError(err).Debug("Live feed write failed")
				conn.Close()
				return
			}
		}
	}
}
