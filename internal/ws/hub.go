package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// Hub manages per-topic WebSocket subscriptions. The last message of each
// topic is replayed to new subscribers.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // topic -> set of conns
	last    map[string][]byte
	allConn map[*conn]bool
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	topics map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		last:    make(map[string][]byte),
		allConn: make(map[*conn]bool),
	}
}

// Publish sends a message to all subscribers of a topic.
func (h *Hub) Publish(topic, msgType string, data any) {
	msg := Msg{Type: msgType, Topic: topic, Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal %s: %v", msgType, err)
		return
	}
	h.mu.Lock()
	h.last[topic] = b
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[topic] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// Subscribers reports how many connections follow topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:     wsConn,
		send:   make(chan []byte, 64),
		hub:    h,
		topics: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","topic":"market"}
		var sub struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Topic == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.Topic)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.Topic)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.topics[topic] = true
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[topic] = room
	}
	room[c] = true
	if b, ok := h.last[topic]; ok {
		select {
		case c.send <- b:
		default:
		}
	}
}

func (h *Hub) unsubscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, topic)
}

func (h *Hub) leaveLocked(c *conn, topic string) {
	if room, ok := h.rooms[topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, topic)
		}
	}
	delete(c.topics, topic)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	for topic := range c.topics {
		h.leaveLocked(c, topic)
	}
	close(c.send)
}
