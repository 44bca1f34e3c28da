// Package model holds the records the sync layer reads and writes.
package model

import (
	"maps"
	"slices"
	"time"
)

// Status is a message delivery status. Values only move forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// AtLeast reports whether s has reached target.
func (s Status) AtLeast(target Status) bool {
	return s.rank() >= target.rank()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() > 0 }

// MediaKind names a structured message payload.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVoice MediaKind = "voice"
)

// Media references an attachment held elsewhere.
type Media struct {
	Kind     MediaKind
	Ref      string
	Duration time.Duration
}

// Body is the content of a message: text, a media reference, or both.
type Body struct {
	Text  string
	Media *Media
}

// Metadata is client-side diagnostic data attached on send.
type Metadata struct {
	Device       string
	AppVersion   string
	ClientSentAt time.Time
}

// Message is a single message in a chat.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	ClientID  string // idempotency key chosen by the sending client
	Body      Body
	CreatedAt time.Time
	Status    Status
	ReadAt    time.Time

	Edited   bool
	EditedAt time.Time

	Deleted   bool
	DeletedAt time.Time

	Forwarded         bool
	OriginalChatID    string
	OriginalMessageID string

	Metadata Metadata
}

// Key returns the message's ordering key.
func (m *Message) Key() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Redacted returns a copy whose body is suppressed if the message was deleted.
func (m Message) Redacted() Message {
	if m.Deleted {
		m.Body = Body{}
	}
	return m
}

// LastMessage summarizes the newest message of a chat.
type LastMessage struct {
	MessageID string
	Text      string
	SenderID  string
	CreatedAt time.Time
}

// Chat is a conversation between exactly two participants.
type Chat struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastMessage  *LastMessage
}

// Supersedes reports whether a summary for a message created at t should
// replace the chat's current summary.
func (c *Chat) Supersedes(t time.Time) bool {
	return c.LastMessage == nil || t.After(c.LastMessage.CreatedAt)
}

// Summary builds the last-message summary for m.
func Summary(m *Message) *LastMessage {
	text := m.Body.Text
	if text == "" && m.Body.Media != nil {
		text = "[" + string(m.Body.Media.Kind) + "]"
	}
	return &LastMessage{
		MessageID: m.ID,
		Text:      text,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}

// User is a profile in the shared directory. Contacts is symmetric across
// users: when a lists b, b lists a.
type User struct {
	ID       string
	Name     string
	Avatar   string
	Contacts []string
	// ContactMetadata holds this user's private fields about each contact.
	ContactMetadata map[string]map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasContact reports whether id is in u's contact list.
func (u *User) HasContact(id string) bool {
	return slices.Contains(u.Contacts, id)
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	cp := *u
	cp.Contacts = slices.Clone(u.Contacts)
	if u.ContactMetadata != nil {
		cp.ContactMetadata = make(map[string]map[string]string, len(u.ContactMetadata))
		for id, md := range u.ContactMetadata {
			cp.ContactMetadata[id] = maps.Clone(md)
		}
	}
	return &cp
}

// UnknownName is shown for a contact whose profile has no name.
const UnknownName = "Unknown"

// Contact is a user the local user can chat with.
type Contact struct {
	ID       string
	Name     string
	Avatar   string
	LastSeen time.Time
	Online   bool // derived at read time, never stored
	Metadata map[string]string
}

// PresenceState is the stored state of a presence record.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceRecord is the single, overwritten presence document of a subject.
type PresenceRecord struct {
	SubjectID string
	State     PresenceState
	LastSeen  time.Time
	Device    string
}
