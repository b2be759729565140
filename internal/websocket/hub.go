package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
)

const pingInterval = 30 * time.Second

// Client represents a WebSocket client. Send is never closed; the hub closes
// done when it drops the client.
type Client struct {
	Topic string
	Conn  *websocket.Conn
	Send  chan []byte
	done  chan struct{}
}

func newClient(topic string, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		Topic: topic,
		Conn:  conn,
		Send:  make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by topic: a project id on the agent, a job id on the AI mock
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to topic subscribers
	broadcast chan *BroadcastMessage

	stop chan struct{}
	once sync.Once

	// replay returns the frame a late subscriber should see first, if any
	replay func(topic string) []byte

	logger *slog.Logger
	mu     sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	Topic   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = config.Discard()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stop:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for topic, clients := range h.clients {
				for client := range clients {
					close(client.done)
				}
				delete(h.clients, topic)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.Topic] == nil {
				h.clients[client.Topic] = make(map[*Client]bool)
			}
			h.clients[client.Topic][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "topic", client.Topic)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.Topic]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.done)
					if len(clients) == 0 {
						delete(h.clients, client.Topic)
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "topic", client.Topic)

		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.Topic]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						// slow consumer
						close(client.done)
						delete(clients, client)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops Run and closes every client
func (h *Hub) Close() {
	h.once.Do(func() { close(h.stop) })
}

// SetReplay installs a hook consulted after each registration. Frames it
// returns are delivered before anything broadcast later.
func (h *Hub) SetReplay(fn func(topic string) []byte) {
	h.replay = fn
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
		close(client.done)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Subscribers returns the number of clients on a topic
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Publish marshals v and sends it to every subscriber of topic
func (h *Hub) Publish(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal message", "topic", topic, "error", err)
		return
	}
	h.Broadcast(topic, data)
}

// Broadcast sends raw bytes to every subscriber of topic
func (h *Hub) Broadcast(topic string, data []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{Topic: topic, Message: data}:
	case <-h.stop:
	}
}

// reply queues a message for one client. It is dropped when the client is
// gone or its buffer is full.
func (h *Hub) reply(client *Client, data []byte) {
	select {
	case <-client.done:
		return
	default:
	}
	select {
	case client.Send <- data:
	case <-client.done:
	default:
	}
}

// HandleConnection serves one WebSocket until it closes
func (h *Hub) HandleConnection(c *websocket.Conn, topic string) {
	client := newClient(topic, c, 256)

	h.Register(client)
	defer h.Unregister(client)

	if h.replay != nil {
		if frame := h.replay(topic); frame != nil {
			h.Broadcast(topic, frame)
		}
	}

	// Start writer goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-client.done:
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket error", "topic", topic, "error", err)
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			h.reply(client, pong)
		}
	}
}
