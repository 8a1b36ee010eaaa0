package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"periodontal-analyzer/metrics"
	"periodontal-analyzer/models"

	"github.com/apex/log"
)

// Message is the envelope sent to stream clients.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub manages websocket clients and fans item updates out to them.
type Hub struct {
	clients map[*Client]bool

	broadcast chan []byte

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	mutex sync.RWMutex

	done chan struct{}
}

// NewHub creates a new websocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			metrics.StreamClients.Set(0)
			return

		case client := <-h.Register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			metrics.StreamClients.Set(float64(n))
			log.Infof("Stream client connected. Total clients: %d", n)

		case client := <-h.Unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mutex.Unlock()
			metrics.StreamClients.Set(float64(n))
			log.Infof("Stream client disconnected. Total clients: %d", n)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			metrics.StreamClients.Set(float64(len(h.clients)))
			h.mutex.Unlock()
		}
	}
}

// BroadcastItem sends one item update to every connected client. The
// embedded image is sent once, with the classifying transition that sets it.
func (h *Hub) BroadcastItem(state models.ImageItemState) {
	if state.Status != models.StatusClassifying {
		state = state.WithoutDataURI()
	}
	h.send(Message{Type: "item", Data: state, Timestamp: time.Now()})
}

// BroadcastCleared tells clients the workspace was cleared.
func (h *Hub) BroadcastCleared(generation uint64) {
	h.send(Message{Type: "cleared", Data: map[string]uint64{"generation": generation}, Timestamp: time.Now()})
}

func (h *Hub) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Failed to marshal broadcast message: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warnf("Broadcast queue full, dropping %s message", msg.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Attach registers client unless the hub has stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}
