package events

import "context"

type Kind string

const (
	// ConversationDeleted tells open views to drop a conversation without re-fetching.
	ConversationDeleted Kind = "conversation_deleted"
	// SendFailed is the non-fatal notification for a failed remote send.
	SendFailed Kind = "send_failed"
	// Unauthorized is raised for the auth collaborator on a 401/403.
	Unauthorized Kind = "unauthorized"

	UnreadChanged        Kind = "unread_changed"
	ConversationsUpdated Kind = "conversations_updated"
	MessagesUpdated      Kind = "messages_updated"
)

type Event struct {
	Kind      Kind
	PeerID    string
	MessageID string
	Total     int
	Err       error
}

type Subscriber struct {
	C <-chan Event

	send chan Event
}

// Hub fans events out to in-process subscribers (list pane, detail pane, badge).
type Hub struct {
	// Registered subscribers.
	subscribers map[*Subscriber]bool

	// Inbound events from publishers.
	broadcast chan Event

	// Register requests from subscribers.
	register chan *Subscriber

	// Unregister requests from subscribers.
	unregister chan *Subscriber

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		broadcast:   make(chan Event, 64),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		done:        make(chan struct{}),
	}
}

// Run dispatches events until ctx is cancelled, then closes every subscriber channel.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for s := range h.subscribers {
			delete(h.subscribers, s)
			close(s.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.register:
			h.subscribers[s] = true
		case s := <-h.unregister:
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
			}
		case e := <-h.broadcast:
			for s := range h.subscribers {
				select {
				case s.send <- e:
				default:
					// slow subscriber
					close(s.send)
					delete(h.subscribers, s)
				}
			}
		}
	}
}

// Subscribe registers a subscriber with the given channel buffer. After the hub stops the
// returned channel is closed.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	s := &Subscriber{C: ch, send: ch}
	select {
	case h.register <- s:
	case <-h.done:
		close(ch)
	}
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Publish is safe on a nil hub and after the hub has stopped.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}
