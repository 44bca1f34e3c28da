// Package messages reads and writes the messages of a chat. Every mutation
// holds a per-resource key on a keyedmutex.Mutex and runs through a
// retry.Executor; reads of single messages go through a short-lived cache.
package messages

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/keyedmutex"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultPageSize    = 20
	DefaultSearchLimit = 100
)

// Draft is a message as composed by the sender.
type Draft struct {
	// ClientID makes the send idempotent. One is generated when empty; pass
	// the same value to repeat a send whose outcome is unknown.
	ClientID string
	Body     model.Body
	Metadata model.Metadata
}

// Page is one step of backward pagination.
type Page struct {
	Messages []model.Message
	HasMore  bool
	// Next is the cursor for the following (older) page.
	Next model.Cursor
}

// Store is the message layer of one session.
type Store struct {
	backend remote.MessageBackend
	locks   *keyedmutex.Mutex
	retry   *retry.Executor
	cache   *cache
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cache = newCache(ttl) }
}

// New creates a Store. locks and exec are shared with the rest of the session.
func New(backend remote.MessageBackend, locks *keyedmutex.Mutex, exec *retry.Executor, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend: backend,
		locks:   locks,
		retry:   exec,
		cache:   newCache(DefaultCacheTTL),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close drops the cache and stops its timers.
func (s *Store) Close() {
	s.cache.clear()
}

// Send appends a message from senderID and updates the chat summary in the
// same transaction. It returns the store-assigned message id.
func (s *Store) Send(ctx context.Context, chatID string, draft Draft, senderID string) (string, error) {
	body, err := normalizeBody(draft.Body)
	if err != nil {
		return "", err
	}
	clientID := draft.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	msg := model.Message{
		ChatID:   chatID,
		SenderID: senderID,
		ClientID: clientID,
		Body:     body,
		Status:   model.StatusSent,
		Metadata: draft.Metadata,
	}

	stored, err := keyedmutex.Run(ctx, s.locks, "send:"+chatID, func(ctx context.Context) (*model.Message, error) {
		return retry.Run(ctx, s.retry, func(ctx context.Context) (*model.Message, error) {
			return s.appendMessage(ctx, msg, true)
		})
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("message sent",
		zap.String("chat_id", chatID),
		zap.String("msg_id", stored.ID),
		zap.String("client_id", clientID),
	)
	return stored.ID, nil
}

// Forward copies the body of original into targetChatID as a new message from
// senderID, marked as forwarded. The target chat summary is left to the
// caller.
func (s *Store) Forward(ctx context.Context, original *model.Message, targetChatID, senderID string) (*model.Message, error) {
	if original.Deleted {
		return nil, chaterr.Validationf("cannot forward a deleted message")
	}
	msg := model.Message{
		ChatID:            targetChatID,
		SenderID:          senderID,
		ClientID:          uuid.NewString(),
		Body:              original.Body,
		Status:            model.StatusSent,
		Forwarded:         true,
		OriginalChatID:    original.ChatID,
		OriginalMessageID: original.ID,
	}
	return keyedmutex.Run(ctx, s.locks, "send:"+targetChatID, func(ctx context.Context) (*model.Message, error) {
		return retry.Run(ctx, s.retry, func(ctx context.Context) (*model.Message, error) {
			return s.appendMessage(ctx, msg, false)
		})
	})
}

func (s *Store) appendMessage(ctx context.Context, msg model.Message, summarize bool) (*model.Message, error) {
	var stored *model.Message
	err := s.backend.Transact(ctx, func(tx remote.Tx) error {
		chat, err := tx.GetChat(msg.ChatID)
		if err != nil {
			return err
		}
		if !isParticipant(chat, msg.SenderID) {
			return chaterr.Deniedf("%q is not in chat %q", msg.SenderID, msg.ChatID)
		}
		m := msg
		id, err := tx.AddMessage(&m)
		if err != nil {
			return err
		}
		// Read back: a repeated client id returns the message written earlier.
		stored, err = tx.GetMessage(msg.ChatID, id)
		if err != nil {
			return err
		}
		if summarize && chat.Supersedes(stored.CreatedAt) {
			chat.LastMessage = model.Summary(stored)
			chat.UpdatedAt = tx.Now()
			return tx.PutChat(chat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Edit replaces the text of a message. Only the sender may edit, and an edit
// to identical text writes nothing.
func (s *Store) Edit(ctx context.Context, chatID, messageID, editorID, text string) error {
	text, err := model.ValidateText(text)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "edit:"+chatID+":"+messageID, chatID, messageID, func(m *model.Message, now time.Time) (bool, error) {
		if m.SenderID != editorID {
			return false, chaterr.Deniedf("only the sender can edit a message")
		}
		if m.Deleted {
			return false, chaterr.Validationf("cannot edit a deleted message")
		}
		if m.Body.Text == text {
			return false, nil
		}
		m.Body.Text = text
		m.Edited = true
		m.EditedAt = now
		return true, nil
	})
}

// Delete soft-deletes a message. The body stays stored but is suppressed on
// every read. Deleting twice is a no-op.
func (s *Store) Delete(ctx context.Context, chatID, messageID, actorID string) error {
	return s.mutate(ctx, "delete:"+chatID+":"+messageID, chatID, messageID, func(m *model.Message, now time.Time) (bool, error) {
		if m.SenderID != actorID {
			return false, chaterr.Deniedf("only the sender can delete a message")
		}
		if m.Deleted {
			return false, nil
		}
		m.Deleted = true
		m.DeletedAt = now
		return true, nil
	})
}

// MarkRead moves a message to read. It writes nothing when already read.
func (s *Store) MarkRead(ctx context.Context, chatID, messageID string) error {
	return s.advanceStatus(ctx, chatID, messageID, model.StatusRead)
}

// MarkDelivered moves a message to delivered unless it is already past it.
func (s *Store) MarkDelivered(ctx context.Context, chatID, messageID string) error {
	return s.advanceStatus(ctx, chatID, messageID, model.StatusDelivered)
}

func (s *Store) advanceStatus(ctx context.Context, chatID, messageID string, target model.Status) error {
	return s.mutate(ctx, "read:"+chatID+":"+messageID, chatID, messageID, func(m *model.Message, now time.Time) (bool, error) {
		if m.Status.AtLeast(target) {
			return false, nil
		}
		m.Status = target
		if target == model.StatusRead {
			m.ReadAt = now
		}
		return true, nil
	})
}

// mutate runs a read-modify-write of one message under key. change reports
// whether it modified the message; when it did not, nothing is written.
func (s *Store) mutate(ctx context.Context, key, chatID, messageID string, change func(m *model.Message, now time.Time) (bool, error)) error {
	err := s.locks.Do(ctx, key, func(ctx context.Context) error {
		return s.retry.Do(ctx, func(ctx context.Context) error {
			return s.backend.Transact(ctx, func(tx remote.Tx) error {
				m, err := tx.GetMessage(chatID, messageID)
				if err != nil {
					return err
				}
				changed, err := change(m, tx.Now())
				if err != nil || !changed {
					return err
				}
				return tx.PutMessage(m)
			})
		})
	})
	s.invalidate(ctx, chatID, messageID)
	return err
}

// invalidate drops a cached message. It takes the key GetByID populates under,
// so a read that started before the write cannot cache its copy afterwards.
func (s *Store) invalidate(ctx context.Context, chatID, messageID string) {
	key := cacheKey(chatID, messageID)
	_ = s.locks.Do(context.WithoutCancel(ctx), "cache:"+key, func(context.Context) error {
		s.cache.invalidate(key)
		return nil
	})
}

// FetchPage returns up to pageSize messages strictly older than before,
// newest first. A zero cursor starts at the newest message.
func (s *Store) FetchPage(ctx context.Context, chatID string, before model.Cursor, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	msgs, err := retry.Run(ctx, s.retry, func(ctx context.Context) ([]model.Message, error) {
		return s.backend.ListMessages(ctx, remote.Query{ChatID: chatID, Before: before, Limit: pageSize})
	})
	if err != nil {
		return Page{}, err
	}
	page := Page{Messages: redact(msgs), HasMore: len(msgs) >= pageSize}
	if len(msgs) > 0 {
		page.Next = msgs[len(msgs)-1].Key()
	}
	return page, nil
}

// SubscribeLive delivers the newest pageSize messages of a chat on every
// change. The returned function may be called any number of times. A delivery
// already running when it is called may still complete, so callers that tear
// down state must also guard their callback.
func (s *Store) SubscribeLive(chatID string, pageSize int, onChange func([]model.Message, error)) (unsubscribe func()) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var closed atomic.Bool
	stop := s.backend.SubscribeMessages(chatID, pageSize, func(msgs []model.Message, err error) {
		if closed.Load() {
			return
		}
		if err != nil {
			s.logger.Warn("live subscription error", zap.String("chat_id", chatID), zap.Error(err))
		}
		onChange(redact(msgs), err)
	})
	return func() {
		if !closed.Swap(true) {
			stop()
		}
	}
}

// Search returns non-deleted messages whose text starts with query, newest
// first. Matching is by text prefix only.
func (s *Store) Search(ctx context.Context, chatID, query string, limit int) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, chaterr.Validationf("search query cannot be empty")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return retry.Run(ctx, s.retry, func(ctx context.Context) ([]model.Message, error) {
		return s.backend.SearchMessages(ctx, chatID, query, limit)
	})
}

// GetByID returns one message, consulting the cache first. Concurrent misses
// for the same message fetch it once.
func (s *Store) GetByID(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	key := cacheKey(chatID, messageID)
	msg, err := keyedmutex.Run(ctx, s.locks, "cache:"+key, func(ctx context.Context) (model.Message, error) {
		if m, ok := s.cache.get(key); ok {
			return m, nil
		}
		m, err := retry.Run(ctx, s.retry, func(ctx context.Context) (*model.Message, error) {
			return s.backend.GetMessage(ctx, chatID, messageID)
		})
		if err != nil {
			return model.Message{}, err
		}
		s.cache.put(key, *m)
		return *m, nil
	})
	if err != nil {
		return nil, err
	}
	msg = msg.Redacted()
	return &msg, nil
}

func normalizeBody(b model.Body) (model.Body, error) {
	if b.Media != nil {
		switch b.Media.Kind {
		case model.MediaImage, model.MediaVoice:
		default:
			return model.Body{}, chaterr.Validationf("unknown media kind %q", b.Media.Kind)
		}
		if b.Media.Ref == "" {
			return model.Body{}, chaterr.Validationf("media reference cannot be empty")
		}
		text := strings.TrimSpace(b.Text)
		if len([]rune(text)) > model.MaxTextLength {
			return model.Body{}, chaterr.Validationf("message too long (max %d characters)", model.MaxTextLength)
		}
		media := *b.Media
		return model.Body{Text: text, Media: &media}, nil
	}
	text, err := model.ValidateText(b.Text)
	if err != nil {
		return model.Body{}, err
	}
	return model.Body{Text: text}, nil
}

func isParticipant(c *model.Chat, userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

func redact(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Redacted()
	}
	return out
}
