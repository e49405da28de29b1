// Package ws carries conversation-update hints over websockets. Hints never carry message
// content; clients react by polling early.
package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

const TypeConversationUpdated = "conversation_updated"

// Hint is the only frame the server pushes.
type Hint struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id,omitempty"`
}

type notification struct {
	userID string
	data   []byte
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Outbound notifications for one user.
	notify chan notification

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done chan struct{}
	log  *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		notify:     make(chan notification, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case n := <-h.notify:
			for client := range h.clients {
				if client.userID != n.userID {
					continue
				}
				select {
				case client.send <- n.data:
				default:
					h.log.Warn("ws_client_slow", zap.String("user_id", client.userID))
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// SendNotification queues message for every connection of userID.
func (h *Hub) SendNotification(userID string, message interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		h.log.Error("ws_encode_failed", zap.Error(err))
		return
	}
	select {
	case h.notify <- notification{userID: userID, data: msgBytes}:
	case <-h.done:
	}
}

// ConversationUpdated tells userID that the exchange with peerID changed.
func (h *Hub) ConversationUpdated(userID, peerID string) {
	h.SendNotification(userID, Hint{Type: TypeConversationUpdated, PeerID: peerID})
}
