// Package store is the persistence layer of the dev server.
package store

import (
	"errors"

	"github.com/pliu/msgsync/internal/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: already exists")
)

// Account is a user together with its password hash.
type Account struct {
	models.User
	Password string `json:"-"`
}

type Store interface {
	// User operations
	CreateUser(acct *Account) error
	GetUserByUsername(username string) (*Account, error)
	GetUserByID(id string) (*Account, error)
	SearchUsers(query string) ([]models.User, error)

	// Direct message operations
	SaveMessage(senderID, recipientID, content string) (*models.Message, error)
	GetConversation(userID, peerID string) ([]models.Message, error)
	GetConversations(userID string) ([]models.ConversationSummary, error)
	MarkRead(userID, peerID string) (int64, error)
	UnreadCount(userID string) (int, error)
	// DeleteConversation hides the exchange with peerID from userID only.
	DeleteConversation(userID, peerID string) error

	Close() error
}
