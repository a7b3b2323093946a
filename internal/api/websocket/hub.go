package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

type outbound struct {
	msg  Message
	data []byte
}

// Hub maintains active WebSocket clients and broadcasts messages. It also
// observes device runtimes and streams their ticks.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex for thread-safe operations
	mu sync.RWMutex

	dropped atomic.Uint64

	// closed when Run returns
	done chan struct{}

	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("component", "websocket_hub")),
	}
}

// Run starts the hub's main event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("WebSocket Hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id),
				zap.String("remote_addr", client.conn.RemoteAddr().String()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", client.id),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}
			h.fanOut(outbound{msg: message, data: data})
		}
	}
}

func (h *Hub) fanOut(out outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(out.msg) {
			continue
		}
		select {
		case client.send <- out.data:
			// Message sent successfully
		default:
			// Client send channel full - unregister slow/dead client
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("Client send buffer full, unregistering",
				zap.String("client_id", client.id))
		}
	}
}

// Broadcast sends a message to all connected clients. It never blocks; the
// message is dropped when the hub is busy.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
		// Message queued for broadcast
	default:
		if h.dropped.Add(1)%1000 == 1 {
			h.logger.Warn("Hub broadcast channel full, message dropped",
				zap.String("message_type", string(msg.Type)),
				zap.Uint64("dropped_total", h.dropped.Load()))
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many broadcasts were dropped because the hub was busy.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) OnTick(cfg *devices.Config, t *patterns.Telemetry, err error) {
	if err != nil || t == nil {
		return
	}
	h.Broadcast(NewTelemetryMessage(string(cfg.Protocol), t))
}

func (h *Hub) OnStatus(cfg *devices.Config, from, to devices.Status) {
	h.Broadcast(NewDeviceStatusMessage(string(cfg.Protocol), cfg.ID, to.String(), from.String()))
}
