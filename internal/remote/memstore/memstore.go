// Package memstore is an in-memory remote.Store. It honors the full store
// contract (server timestamps, serialized transactions, create-if-absent,
// change feeds) and adds fault injection for tests.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Store keeps every collection in maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]*model.Chat
	messages map[string]map[string]*model.Message
	presence map[string]*model.PresenceRecord
	typing   map[string]map[string]time.Time
	users    map[string]*model.User

	// txMu serializes writers so read-then-write transactions are atomic.
	txMu sync.Mutex

	clock   *remote.Clock
	bus     *bus.Bus
	commits atomic.Int64

	faultMu sync.Mutex
	faults  []fault
}

type fault struct {
	err         error
	afterCommit bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the source of server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = remote.NewClock(now) }
}

// WithBus shares a bus for change notifications.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		chats:    make(map[string]*model.Chat),
		messages: make(map[string]map[string]*model.Message),
		presence: make(map[string]*model.PresenceRecord),
		typing:   make(map[string]map[string]time.Time),
		users:    make(map[string]*model.User),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = remote.NewClock(nil)
	}
	if s.bus == nil {
		s.bus = bus.New()
	}
	return s
}

var _ remote.Store = (*Store)(nil)

// FailNext makes the next write fail with err. With afterCommit the write is
// applied first and err is returned anyway, as when an acknowledgement is lost.
func (s *Store) FailNext(err error, afterCommit bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults = append(s.faults, fault{err: err, afterCommit: afterCommit})
}

func (s *Store) takeFault() *fault {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if len(s.faults) == 0 {
		return nil
	}
	f := s.faults[0]
	s.faults = s.faults[1:]
	return &f
}

// Commits reports how many writes changed stored data.
func (s *Store) Commits() int64 {
	return s.commits.Load()
}

// Close releases nothing; it exists to satisfy remote.Store.
func (s *Store) Close() error { return nil }

// Transact runs fn against a staged view and applies its writes atomically.
func (s *Store) Transact(ctx context.Context, fn func(tx remote.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := s.takeFault()
	if f != nil && !f.afterCommit {
		return f.err
	}

	s.txMu.Lock()
	tx := &memTx{
		s:        s,
		now:      s.clock.Next(),
		chats:    make(map[string]*model.Chat),
		messages: make(map[string]*model.Message),
		users:    make(map[string]*model.User),
	}
	if err := fn(tx); err != nil {
		s.txMu.Unlock()
		return err
	}
	touched, users := tx.apply()
	s.txMu.Unlock()

	if len(touched) > 0 || len(users) > 0 {
		s.commits.Add(1)
		for _, chatID := range touched {
			s.bus.Notify(remote.MessagesTopic(chatID))
		}
		for _, id := range users {
			s.bus.Notify(remote.UserTopic(id))
		}
	}
	if f != nil {
		return f.err
	}
	return nil
}

// GetChat returns a copy of the chat or chaterr.ErrNotFound.
func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, chaterr.NotFoundf("chat %q", id)
	}
	return cloneChat(c), nil
}

// CreateChat inserts c if its ID is unused.
func (s *Store) CreateChat(ctx context.Context, c *model.Chat) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f := s.takeFault()
	if f != nil && !f.afterCommit {
		return false, f.err
	}

	s.txMu.Lock()
	s.mu.Lock()
	_, exists := s.chats[c.ID]
	if !exists {
		now := s.clock.Next()
		stored := cloneChat(c)
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.chats[c.ID] = stored
	}
	s.mu.Unlock()
	s.txMu.Unlock()

	if !exists {
		s.commits.Add(1)
	}
	if f != nil {
		return !exists, f.err
	}
	return !exists, nil
}

// GetMessage returns a copy of the message or chaterr.ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, chatID, id string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[chatID][id]
	if !ok {
		return nil, chaterr.NotFoundf("message %q in chat %q", id, chatID)
	}
	return cloneMessage(m), nil
}

// ListMessages returns one page, newest first.
func (s *Store) ListMessages(ctx context.Context, q remote.Query) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.selectMessages(q.ChatID, q.Limit, func(m *model.Message) bool {
		return q.Before.IsZero() || m.Key().Before(q.Before)
	}), nil
}

// SearchMessages runs a text prefix range query.
func (s *Store) SearchMessages(ctx context.Context, chatID, prefix string, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	upper := prefix + remote.PrefixEnd
	return s.selectMessages(chatID, limit, func(m *model.Message) bool {
		t := m.Body.Text
		return !m.Deleted && t >= prefix && t <= upper
	}), nil
}

func (s *Store) selectMessages(chatID string, limit int, keep func(*model.Message) bool) []model.Message {
	s.mu.RLock()
	out := make([]model.Message, 0, len(s.messages[chatID]))
	for _, m := range s.messages[chatID] {
		if keep(m) {
			out = append(out, *cloneMessage(m))
		}
	}
	s.mu.RUnlock()

	model.SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SubscribeMessages feeds the newest limit messages of a chat to fn.
func (s *Store) SubscribeMessages(chatID string, limit int, fn func([]model.Message, error)) func() {
	return remote.Watch(s.bus, remote.MessagesTopic(chatID), func(ctx context.Context) ([]model.Message, error) {
		return s.ListMessages(ctx, remote.Query{ChatID: chatID, Limit: limit})
	}, fn)
}

// GetUser returns a copy of the user or chaterr.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, chaterr.NotFoundf("user %q", id)
	}
	return u.Clone(), nil
}

// CreateUser inserts u if its ID is unused.
func (s *Store) CreateUser(ctx context.Context, u *model.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f := s.takeFault()
	if f != nil && !f.afterCommit {
		return false, f.err
	}

	s.txMu.Lock()
	s.mu.Lock()
	_, exists := s.users[u.ID]
	if !exists {
		now := s.clock.Next()
		stored := u.Clone()
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.users[u.ID] = stored
	}
	s.mu.Unlock()
	s.txMu.Unlock()

	if !exists {
		s.commits.Add(1)
		s.bus.Notify(remote.UserTopic(u.ID))
	}
	if f != nil {
		return !exists, f.err
	}
	return !exists, nil
}

// SubscribeUser feeds the user document to fn; nil means no such user.
func (s *Store) SubscribeUser(id string, fn func(*model.User, error)) func() {
	return remote.Watch(s.bus, remote.UserTopic(id), func(ctx context.Context) (*model.User, error) {
		u, err := s.GetUser(ctx, id)
		if errors.Is(err, chaterr.ErrNotFound) {
			return nil, nil
		}
		return u, err
	}, fn)
}

// SetPresence merges rec into the subject's record.
func (s *Store) SetPresence(ctx context.Context, rec model.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := s.takeFault()
	if f != nil && !f.afterCommit {
		return f.err
	}

	s.mu.Lock()
	cur, ok := s.presence[rec.SubjectID]
	if !ok {
		cur = &model.PresenceRecord{SubjectID: rec.SubjectID}
		s.presence[rec.SubjectID] = cur
	}
	cur.State = rec.State
	cur.LastSeen = s.clock.Next()
	if rec.Device != "" {
		cur.Device = rec.Device
	}
	s.mu.Unlock()

	s.commits.Add(1)
	s.bus.Notify(remote.PresenceTopic(rec.SubjectID))
	if f != nil {
		return f.err
	}
	return nil
}

// GetPresence returns the subject's record or chaterr.ErrNotFound.
func (s *Store) GetPresence(ctx context.Context, subjectID string) (*model.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.presence[subjectID]
	if !ok {
		return nil, chaterr.NotFoundf("presence of %q", subjectID)
	}
	cp := *rec
	return &cp, nil
}

// SubscribePresence feeds the subject's record to fn; nil means no record yet.
func (s *Store) SubscribePresence(subjectID string, fn func(*model.PresenceRecord, error)) func() {
	return remote.Watch(s.bus, remote.PresenceTopic(subjectID), func(ctx context.Context) (*model.PresenceRecord, error) {
		rec, err := s.GetPresence(ctx, subjectID)
		if errors.Is(err, chaterr.ErrNotFound) {
			return nil, nil
		}
		return rec, err
	}, fn)
}

// SetTyping sets or clears userID's typing flag in a chat.
func (s *Store) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	users := s.typing[chatID]
	if users == nil {
		users = make(map[string]time.Time)
		s.typing[chatID] = users
	}
	if typing {
		users[userID] = s.clock.Next()
	} else {
		delete(users, userID)
	}
	s.mu.Unlock()

	s.bus.Notify(remote.TypingTopic(chatID))
	return nil
}

// SubscribeTyping feeds the sorted ids of users typing in a chat to fn.
func (s *Store) SubscribeTyping(chatID string, fn func([]string, error)) func() {
	return remote.Watch(s.bus, remote.TypingTopic(chatID), func(context.Context) ([]string, error) {
		cutoff := s.clock.Now().Add(-remote.TypingTTL)
		s.mu.RLock()
		var users []string
		for id, at := range s.typing[chatID] {
			if at.After(cutoff) {
				users = append(users, id)
			}
		}
		s.mu.RUnlock()
		slices.Sort(users)
		return users, nil
	}, fn)
}

type memTx struct {
	s        *Store
	now      time.Time
	chats    map[string]*model.Chat
	messages map[string]*model.Message // keyed by chatID + "/" + id
	users    map[string]*model.User
}

func msgKey(chatID, id string) string { return chatID + "/" + id }

func (tx *memTx) Now() time.Time { return tx.now }

func (tx *memTx) GetChat(id string) (*model.Chat, error) {
	if c, ok := tx.chats[id]; ok {
		return cloneChat(c), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	c, ok := tx.s.chats[id]
	if !ok {
		return nil, chaterr.NotFoundf("chat %q", id)
	}
	return cloneChat(c), nil
}

func (tx *memTx) PutChat(c *model.Chat) error {
	tx.chats[c.ID] = cloneChat(c)
	return nil
}

func (tx *memTx) GetMessage(chatID, id string) (*model.Message, error) {
	if m, ok := tx.messages[msgKey(chatID, id)]; ok {
		return cloneMessage(m), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	m, ok := tx.s.messages[chatID][id]
	if !ok {
		return nil, chaterr.NotFoundf("message %q in chat %q", id, chatID)
	}
	return cloneMessage(m), nil
}

func (tx *memTx) PutMessage(m *model.Message) error {
	tx.messages[msgKey(m.ChatID, m.ID)] = cloneMessage(m)
	return nil
}

func (tx *memTx) AddMessage(m *model.Message) (string, error) {
	if m.ClientID != "" {
		if id, ok := tx.findClientID(m.ChatID, m.ClientID); ok {
			return id, nil
		}
	}
	stored := cloneMessage(m)
	stored.ID = uuid.NewString()
	stored.CreatedAt = tx.now
	tx.messages[msgKey(stored.ChatID, stored.ID)] = stored
	return stored.ID, nil
}

func (tx *memTx) GetUser(id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		return u.Clone(), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	u, ok := tx.s.users[id]
	if !ok {
		return nil, chaterr.NotFoundf("user %q", id)
	}
	return u.Clone(), nil
}

func (tx *memTx) PutUser(u *model.User) error {
	stored := u.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = tx.now
	}
	stored.UpdatedAt = tx.now
	tx.users[u.ID] = stored
	return nil
}

func (tx *memTx) findClientID(chatID, clientID string) (string, bool) {
	for _, m := range tx.messages {
		if m.ChatID == chatID && m.ClientID == clientID {
			return m.ID, true
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, m := range tx.s.messages[chatID] {
		if m.ClientID == clientID {
			return m.ID, true
		}
	}
	return "", false
}

// apply publishes the staged writes and returns the ids of the chats and
// users they touched.
func (tx *memTx) apply() (chats, users []string) {
	if len(tx.chats) == 0 && len(tx.messages) == 0 && len(tx.users) == 0 {
		return nil, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	for id, u := range tx.users {
		tx.s.users[id] = u
		users = append(users, id)
	}

	for id, c := range tx.chats {
		tx.s.chats[id] = c
	}
	var touched []string
	for _, m := range tx.messages {
		byID := tx.s.messages[m.ChatID]
		if byID == nil {
			byID = make(map[string]*model.Message)
			tx.s.messages[m.ChatID] = byID
		}
		byID[m.ID] = m
		if !slices.Contains(touched, m.ChatID) {
			touched = append(touched, m.ChatID)
		}
	}
	for id := range tx.chats {
		if !slices.Contains(touched, id) {
			touched = append(touched, id)
		}
	}
	return touched, users
}

func cloneChat(c *model.Chat) *model.Chat {
	cp := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

func cloneMessage(m *model.Message) *model.Message {
	cp := *m
	if m.Body.Media != nil {
		media := *m.Body.Media
		cp.Body.Media = &media
	}
	return &cp
}
