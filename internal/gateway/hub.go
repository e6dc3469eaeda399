package gateway

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminal-bench/agentworld/pkg/messaging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is one connected event stream.
type WSClient struct {
	ID    uuid.UUID
	Agent string
	Conn  *websocket.Conn

	Send chan []byte
	Done chan struct{}

	mu     sync.RWMutex
	topics []string
	once   sync.Once
}

// WSMessage is a control message sent by a client.
type WSMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

func (c *WSClient) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	for _, t := range c.topics {
		if strings.HasPrefix(eventType, t) {
			return true
		}
	}
	return false
}

func (c *WSClient) close() {
	c.once.Do(func() { close(c.Done) })
}

// Hub fans world events out to websocket clients.
type Hub struct {
	logger *log.Logger
	stop   func()

	mu      sync.RWMutex
	clients map[uuid.UUID]*WSClient
}

// NewHub subscribes a hub to the sink's events.
func NewHub(sink *messaging.Sink, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := &Hub{
		logger:  logger,
		clients: make(map[uuid.UUID]*WSClient),
	}
	h.stop = sink.Listen(h.broadcast)
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches the hub from the sink and disconnects every client.
func (h *Hub) Close() {
	h.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

// broadcast runs on the emitting goroutine and must not block. Clients that
// fall behind are disconnected.
func (h *Hub) broadcast(ev messaging.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("hub: event %s not encoded: %v", ev.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.Send <- payload:
		default:
			h.logger.Printf("hub: client %s is too slow, disconnecting", c.ID)
			c.close()
		}
	}
}

// Serve upgrades the request and streams events to the agent.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, agent string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("hub: upgrade for %s failed: %v", agent, err)
		return
	}
	client := &WSClient{
		ID:    uuid.New(),
		Agent: agent,
		Conn:  conn,
		Send:  make(chan []byte, wsSendBuffer),
		Done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	go h.readPump(client)
	go h.writePump(client)
}

func (h *Hub) remove(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
	client.close()
}

func (h *Hub) readPump(client *WSClient) {
	defer h.remove(client)

	client.Conn.SetReadLimit(4096)
	_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(client, message)
	}
}

func (h *Hub) writePump(client *WSClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()
	for {
		select {
		case message := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done:
			_ = client.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (h *Hub) handleMessage(client *WSClient, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		client.topics = append(client.topics, msg.Topics...)
	case "unsubscribe":
		kept := client.topics[:0]
		for _, t := range client.topics {
			drop := false
			for _, u := range msg.Topics {
				if t == u {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, t)
			}
		}
		client.topics = kept
	}
}
