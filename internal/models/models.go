package models

import (
	"fmt"
	"strings"
	"time"
)

// TempIDPrefix marks ids synthesized on the client before the server confirms a message.
const TempIDPrefix = "local-"

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type Message struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Read        bool      `json:"read"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`

	// Local is set on optimistic messages that have not been reconciled yet.
	Local bool `json:"-"`
}

// ConversationSummary is one entry of the conversation list returned by the server.
type ConversationSummary struct {
	Peer        User     `json:"peer"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// Conversation is the cached exchange between the local user and one peer.
type Conversation struct {
	Peer        User      `json:"peer"`
	Messages    []Message `json:"messages"`
	LastMessage *Message  `json:"last_message,omitempty"`
	Unread      int       `json:"unread"`
}

// TempID derives a temporary message id from the client send time.
func TempID(sentAt time.Time) string {
	return fmt.Sprintf("%s%d", TempIDPrefix, sentAt.UnixNano())
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// PeerOf returns the participant of m that is not self.
func (m Message) PeerOf(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}
