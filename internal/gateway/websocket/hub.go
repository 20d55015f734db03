// Package websocket is the push gateway: a hub of subscribed clients fed by
// the internal event bus, plus the per-connection read/write pumps.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/bus"
	"github.com/sploithunter/cin/internal/common/logger"
	ws "github.com/sploithunter/cin/pkg/websocket"
)

// Hub manages all push-channel client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher
	snapshots  SnapshotProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a Hub routing client messages through dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run drives the hub loop until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("push hub started")
	defer h.logger.Info("push hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// AttachBus forwards push.* bus events into the hub. Bus event types map
// directly to envelope types.
func (h *Hub) AttachBus(b bus.EventBus) error {
	_, err := b.Subscribe(bus.SubjectPushAll, func(ctx context.Context, ev *bus.Event) error {
		msg, err := ws.New(ev.Type, ev.Data)
		if err != nil {
			h.logger.Error("failed to encode push event", zap.Error(err))
			return nil
		}
		h.Broadcast(msg)
		return nil
	})
	return err
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage encodes once and writes to every open subscriber. A full
// send buffer drops the message for that client only; its write pump cleans
// up the connection when it stops draining.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := msg.Encode()
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a message for all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("type", msg.Type))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the client-message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// SetSnapshotProvider wires the source of subscribe-time snapshots.
func (h *Hub) SetSnapshotProvider(p SnapshotProvider) {
	h.snapshots = p
}
