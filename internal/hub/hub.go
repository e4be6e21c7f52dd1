// Package hub tracks live client connections and fans messages out to them.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codefionn/deckcompanion/internal/logger"
)

// Client is one registered connection. Send must not block on the network;
// implementations queue the frame and report an error when they cannot.
type Client interface {
	ID() string
	DeviceID() string
	Send(data []byte) error
}

type member struct {
	// set after a failed send; the client stays registered until its own
	// session unregisters it but is skipped by later broadcasts
	failed bool
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	mu      sync.RWMutex
	clients map[Client]*member
	log     *logger.Logger
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[Client]*member),
		log:     logger.Named("hub"),
	}
}

// Register adds a client. Registering the same client twice is a no-op.
func (h *Hub) Register(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		return
	}
	h.clients[client] = &member{}
	h.log.Info("Client registered: %s device=%s (total: %d)", client.ID(), client.DeviceID(), len(h.clients))
}

// Unregister removes a client and reports whether it was registered
func (h *Hub) Unregister(client Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	h.log.Info("Client unregistered: %s device=%s (total: %d)", client.ID(), client.DeviceID(), len(h.clients))
	return true
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes msg once and delivers it to every healthy client. It
// returns the number of clients that accepted the message.
func (h *Hub) Broadcast(msg any) (int, error) {
	return h.BroadcastFunc(msg, nil)
}

// BroadcastToDevice delivers msg to the clients whose device id maps to
// deviceKey under keyOf.
func (h *Hub) BroadcastToDevice(msg any, deviceKey string, keyOf func(string) string) (int, error) {
	return h.BroadcastFunc(msg, func(c Client) bool {
		return keyOf(c.DeviceID()) == deviceKey
	})
}

// BroadcastFunc delivers msg to every healthy client accepted by filter (nil
// accepts all). A failing client never stops delivery to the others.
func (h *Hub) BroadcastFunc(msg any, filter func(Client) bool) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode broadcast: %w", err)
	}

	// Snapshot so clients may register or leave while we deliver.
	h.mu.RLock()
	targets := make([]Client, 0, len(h.clients))
	for client, m := range h.clients {
		if m.failed {
			continue
		}
		if filter != nil && !filter(client) {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if err := safeSend(client, data); err != nil {
			h.markFailed(client)
			h.log.Warn("Failed to send to client %s, skipping it from now on: %v", client.ID(), err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (h *Hub) markFailed(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.clients[client]; ok {
		m.failed = true
	}
}

func safeSend(client Client, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return client.Send(data)
}
