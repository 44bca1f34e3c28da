package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Session is one open chat as seen by self. It keeps a live, paginated view
// of the messages, who is typing and whether the contact is online, and
// signals the presentation layer on Changes whenever any of them moves.
//
// Callbacks from the store can race with Close, so every callback checks the
// session's liveness under its lock before touching state.
type Session struct {
	c       *Coordinator
	self    string
	contact string
	chatID  string
	logger  *zap.Logger

	outbox   *outbox.Outbox
	timeline *chatsync.Timeline

	loadMu sync.Mutex // one LoadMore at a time

	mu         sync.Mutex
	alive      bool
	typing     []string
	presence   presence.Update
	lastErr    error
	delivering map[string]bool
	changes    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// Open resolves the chat between self and contact and starts its feeds.
func (c *Coordinator) Open(ctx context.Context, self, contact string) (*Session, error) {
	chatID, err := c.ResolveChat(ctx, self, contact)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		c:          c,
		self:       self,
		contact:    contact,
		chatID:     chatID,
		logger:     c.logger.With(zap.String("chat_id", chatID), zap.String("self", self)),
		outbox:     outbox.New(c.messages, self, c.bus, c.logger),
		timeline:   chatsync.NewTimeline(c.opts.PageSize),
		alive:      true,
		presence:   presence.Update{ContactID: contact, State: presence.Unknown},
		delivering: make(map[string]bool),
		changes:    make(chan struct{}, 1),
		ctx:        sctx,
		cancel:     cancel,
	}
	s.outbox.Start(sctx)

	s.unsubs = append(s.unsubs,
		c.messages.SubscribeLive(chatID, c.opts.PageSize, s.onMessages),
		c.backend.SubscribeTyping(chatID, s.onTyping),
		c.presence.Subscribe(contact, s.onPresence),
	)
	s.logger.Debug("session opened")
	return s, nil
}

// ChatID returns the id of the open chat.
func (s *Session) ChatID() string { return s.chatID }

// Self returns the local user id.
func (s *Session) Self() string { return s.self }

// Contact returns the other participant.
func (s *Session) Contact() string { return s.contact }

// Changes receives a value after any change to the session's views. Bursts
// coalesce into one signal. The channel is closed by Close.
func (s *Session) Changes() <-chan struct{} { return s.changes }

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) onMessages(msgs []model.Message, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return
	}
	if err != nil {
		s.lastErr = err
		s.notify()
		return
	}
	s.lastErr = nil
	s.timeline.ApplySnapshot(msgs)
	for _, m := range msgs {
		if m.SenderID == s.contact && m.Status == model.StatusSent && !s.delivering[m.ID] {
			s.delivering[m.ID] = true
			s.wg.Add(1)
			go s.markDelivered(m.ID)
		}
	}
	s.notify()
}

// markDelivered acknowledges an incoming message. Failures are retried by
// the next snapshot that still shows it as sent.
func (s *Session) markDelivered(id string) {
	defer s.wg.Done()
	err := s.c.messages.MarkDelivered(s.ctx, s.chatID, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.delivering, id)
		if s.alive {
			s.logger.Warn("mark delivered failed", zap.String("msg_id", id), zap.Error(err))
		}
	}
}

func (s *Session) onTyping(users []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive || err != nil {
		return
	}
	others := slices.DeleteFunc(slices.Clone(users), func(u string) bool { return u == s.self })
	if slices.Equal(others, s.typing) {
		return
	}
	s.typing = others
	s.notify()
}

func (s *Session) onPresence(u presence.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return
	}
	s.presence = u
	s.notify()
}

func (s *Session) metadata() model.Metadata {
	return model.Metadata{
		Device:       s.c.opts.Device,
		AppVersion:   s.c.opts.AppVersion,
		ClientSentAt: time.Now().UTC(),
	}
}

// SendMessage sends text and returns its outbox entry; the entry's MessageID
// is the store-assigned id. A failed send stays in Outbox as failed.
func (s *Session) SendMessage(ctx context.Context, text string) (outbox.Entry, error) {
	return s.outbox.Send(ctx, s.chatID, model.Body{Text: text}, s.metadata())
}

// SendMedia sends a media reference with an optional caption.
func (s *Session) SendMedia(ctx context.Context, media model.Media, caption string) (outbox.Entry, error) {
	return s.outbox.Send(ctx, s.chatID, model.Body{Text: caption, Media: &media}, s.metadata())
}

// QueueMessage hands text to the background sender and returns its client id.
func (s *Session) QueueMessage(text string) string {
	return s.outbox.Enqueue(s.chatID, model.Body{Text: text}, s.metadata())
}

// RetrySend re-sends a failed message.
func (s *Session) RetrySend(ctx context.Context, clientID string) (outbox.Entry, error) {
	return s.outbox.Retry(ctx, clientID)
}

// Outbox lists this session's sends, oldest first.
func (s *Session) Outbox() []outbox.Entry {
	return s.outbox.Entries()
}

// EditMessage replaces the text of one of self's messages.
func (s *Session) EditMessage(ctx context.Context, messageID, text string) error {
	return s.c.messages.Edit(ctx, s.chatID, messageID, s.self, text)
}

// DeleteMessage soft-deletes one of self's messages.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	return s.c.messages.Delete(ctx, s.chatID, messageID, s.self)
}

// MarkRead marks a message read.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	return s.c.messages.MarkRead(ctx, s.chatID, messageID)
}

// ForwardTo copies a message of this chat into the chat with another contact.
func (s *Session) ForwardTo(ctx context.Context, messageID, contact string) (*model.Message, error) {
	msg, err := s.c.messages.GetByID(ctx, s.chatID, messageID)
	if err != nil {
		return nil, err
	}
	target, err := s.c.ResolveChat(ctx, s.self, contact)
	if err != nil {
		return nil, err
	}
	return s.c.Forward(ctx, msg, target, s.self)
}

// LoadMore fetches the next older page into the view.
func (s *Session) LoadMore(ctx context.Context) (messages.Page, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if !s.timeline.HasMore() {
		return messages.Page{}, nil
	}
	page, err := s.c.messages.FetchPage(ctx, s.chatID, s.timeline.Cursor(), s.c.opts.PageSize)
	if err != nil {
		return messages.Page{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive {
		s.timeline.AppendPage(page.Messages, page.HasMore, page.Next)
		s.notify()
	}
	return page, nil
}

// Search finds messages of this chat starting with text.
func (s *Session) Search(ctx context.Context, text string) ([]model.Message, error) {
	return s.c.messages.Search(ctx, s.chatID, text, messages.DefaultSearchLimit)
}

// SetTyping publishes whether self is typing.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	return s.c.backend.SetTyping(ctx, s.chatID, s.self, typing)
}

// Messages returns the loaded messages, newest first.
func (s *Session) Messages() []model.Message {
	return s.timeline.Messages()
}

// HasMore reports whether LoadMore may return older messages.
func (s *Session) HasMore() bool {
	return s.timeline.HasMore()
}

// TypingUsers returns who else is typing.
func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.typing)
}

// Presence returns the contact's last observed presence.
func (s *Session) Presence() presence.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// Err returns the last live-feed error, cleared by the next good snapshot.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IsOnline reads the contact's presence now.
func (s *Session) IsOnline(ctx context.Context) (bool, error) {
	return s.c.presence.IsOnline(ctx, s.contact)
}

// SubscribePresence calls cb with the contact's presence until the returned
// function is called or the session closes.
func (s *Session) SubscribePresence(cb func(presence.Update)) (unsubscribe func()) {
	stop := s.c.presence.Subscribe(s.contact, func(u presence.Update) {
		s.mu.Lock()
		alive := s.alive
		s.mu.Unlock()
		if alive {
			cb(u)
		}
	})
	s.mu.Lock()
	s.unsubs = append(s.unsubs, stop)
	s.mu.Unlock()
	return stop
}

// Close stops every feed. Callbacks still in flight find the session dead
// and return without effect. Close may be called more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	unsubs := s.unsubs
	s.unsubs = nil
	close(s.changes)
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.cancel()
	s.outbox.Stop()
	s.wg.Wait()
	s.logger.Debug("session closed")
}
