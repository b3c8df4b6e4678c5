package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/reflash/internal/logging"
	"grimm.is/reflash/internal/update"
)

const (
	TopicProgress = "progress"
	TopicSession  = "session"

	wsWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin only; requests without Origin are not from browsers.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	},
}

// WSMessage is a topic-based message sent to clients
type WSMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// wsClient represents a connected WebSocket client with subscriptions
type wsClient struct {
	conn   *websocket.Conn
	mu     sync.RWMutex
	topics map[string]bool
	send   chan []byte
}

func (c *wsClient) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// WSManager handles websocket connections with topic-based pub/sub.
// It also implements update.Reporter so sessions stream progress to
// subscribed browsers.
type WSManager struct {
	mutex   sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
	log     *logging.Logger
}

var _ update.Reporter = (*WSManager)(nil)

// NewWSManager creates an empty manager.
func NewWSManager(logger *logging.Logger) *WSManager {
	if logger == nil {
		logger = logging.WithComponent("ws")
	}
	return &WSManager{clients: make(map[*wsClient]bool), log: logger}
}

func (m *WSManager) register(c *wsClient) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false
	}
	m.clients[c] = true
	return true
}

func (m *WSManager) unregister(c *wsClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.send)
	}
}

// Publish sends a message to all clients subscribed to the given topic.
// Slow clients miss messages rather than blocking the publisher.
func (m *WSManager) Publish(topic string, data any) {
	msgBytes, err := json.Marshal(WSMessage{Topic: topic, Data: data})
	if err != nil {
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for client := range m.clients {
		if client.subscribed(topic) {
			select {
			case client.send <- msgBytes:
			default:
			}
		}
	}
}

// Report publishes session progress.
func (m *WSManager) Report(p update.Progress) {
	m.Publish(TopicProgress, p)
}

// Clients returns the number of connected clients.
func (m *WSManager) Clients() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// Close disconnects every client.
func (m *WSManager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	for c := range m.clients {
		delete(m.clients, c)
		close(c.send)
	}
}

// readPump handles incoming messages from a client (subscriptions)
func (c *wsClient) readPump(m *WSManager) {
	defer m.unregister(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, topic := range msg.Topics {
				c.topics[topic] = true
			}
		case "unsubscribe":
			for _, topic := range msg.Topics {
				delete(c.topics, topic)
			}
		}
		c.mu.Unlock()
	}
}

// writePump sends messages to the client
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
}

// handleWS upgrades the connection. Clients start subscribed to progress
// and session events; repeated "topic" query parameters add others.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		topics: map[string]bool{TopicProgress: true, TopicSession: true},
		send:   make(chan []byte, 256),
	}
	for _, t := range r.URL.Query()["topic"] {
		client.topics[t] = true
	}
	if !s.ws.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.ws)
}
