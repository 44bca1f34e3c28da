// Package remote defines the narrow contract the sync layer needs from the
// realtime document store: reads, create-if-absent, read-then-write
// transactions, merge writes and full-result change subscriptions.
package remote

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// TypingTTL is how long a typing flag counts without being refreshed.
const TypingTTL = 10 * time.Second

// PrefixEnd is appended to a search prefix to form the upper bound of its range.
const PrefixEnd = "\uf8ff"

// Tx is a read-then-conditionally-write transaction. Writes become visible,
// and subscribers are notified, only if the transaction function returns nil.
type Tx interface {
	// Now is the server timestamp assigned to this transaction's writes.
	Now() time.Time
	GetChat(id string) (*model.Chat, error)
	PutChat(c *model.Chat) error
	GetMessage(chatID, id string) (*model.Message, error)
	PutMessage(m *model.Message) error
	// AddMessage stores a new message, assigning its ID and CreatedAt. If the
	// chat already holds a message with the same non-empty ClientID, nothing is
	// written and the existing ID is returned.
	AddMessage(m *model.Message) (string, error)
	GetUser(id string) (*model.User, error)
	// PutUser replaces the user document, contact list and metadata included.
	// UpdatedAt becomes Now.
	PutUser(u *model.User) error
}

// Query selects a page of messages, newest first, strictly older than Before.
type Query struct {
	ChatID string
	Before model.Cursor
	Limit  int
}

// MessageBackend stores chats, their messages and the user directory.
type MessageBackend interface {
	Transact(ctx context.Context, fn func(tx Tx) error) error
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	// CreateChat creates c unless a chat with its ID exists. Timestamps are
	// assigned by the store.
	CreateChat(ctx context.Context, c *model.Chat) (created bool, err error)
	GetMessage(ctx context.Context, chatID, id string) (*model.Message, error)
	ListMessages(ctx context.Context, q Query) ([]model.Message, error)
	// SearchMessages returns non-deleted messages whose text lies in the range
	// [prefix, prefix+"\uf8ff"], newest first.
	SearchMessages(ctx context.Context, chatID, prefix string, limit int) ([]model.Message, error)
	// SubscribeMessages delivers the newest limit messages of a chat now and
	// after every change to the chat's messages.
	SubscribeMessages(chatID string, limit int, fn func([]model.Message, error)) (unsubscribe func())

	GetUser(ctx context.Context, id string) (*model.User, error)
	// CreateUser creates u unless a user with its ID exists.
	CreateUser(ctx context.Context, u *model.User) (created bool, err error)
	// SubscribeUser delivers the user document now and after every change;
	// nil means no such user.
	SubscribeUser(id string, fn func(*model.User, error)) (unsubscribe func())
}

// PresenceBackend stores one presence record per subject.
type PresenceBackend interface {
	// SetPresence merges rec into the subject's record. LastSeen is always
	// the server time of the write; an empty Device keeps the stored one.
	SetPresence(ctx context.Context, rec model.PresenceRecord) error
	GetPresence(ctx context.Context, subjectID string) (*model.PresenceRecord, error)
	SubscribePresence(subjectID string, fn func(*model.PresenceRecord, error)) (unsubscribe func())
}

// TypingBackend stores who is typing in a chat.
type TypingBackend interface {
	SetTyping(ctx context.Context, chatID, userID string, typing bool) error
	SubscribeTyping(chatID string, fn func([]string, error)) (unsubscribe func())
}

// Store is a complete backend.
type Store interface {
	MessageBackend
	PresenceBackend
	TypingBackend
	Close() error
}
