// Package contacts manages each user's contact list and profile. Lists are
// symmetric: adding or removing a contact updates both users in one
// transaction. Whether a contact is online is derived from its presence
// record every time the list is read.
package contacts

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/keyedmutex"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"go.uber.org/zap"
)

// MaxNameLength bounds profile names.
const MaxNameLength = 64

// Backend is the part of the store the contact book needs.
type Backend interface {
	Transact(ctx context.Context, fn func(tx remote.Tx) error) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) (bool, error)
	SubscribeUser(id string, fn func(*model.User, error)) (unsubscribe func())
}

// Book reads and edits contact lists.
type Book struct {
	backend  Backend
	presence *presence.Tracker
	locks    *keyedmutex.Mutex
	retry    *retry.Executor
	logger   *zap.Logger
	recheck  time.Duration
}

// Option configures a Book.
type Option func(*Book)

// WithRecheck sets how often subscribers get a fresh list even without a
// change to the user document, so online flags follow heartbeats.
func WithRecheck(d time.Duration) Option {
	return func(b *Book) {
		if d > 0 {
			b.recheck = d
		}
	}
}

// New creates a Book.
func New(backend Backend, tracker *presence.Tracker, locks *keyedmutex.Mutex, exec *retry.Executor, logger *zap.Logger, opts ...Option) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Book{
		backend:  backend,
		presence: tracker,
		locks:    locks,
		retry:    exec,
		logger:   logger,
		recheck:  presence.DefaultRecheckInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnsureUser registers userID in the directory unless it is already there.
func (b *Book) EnsureUser(ctx context.Context, userID, name string) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	created, err := retry.Run(ctx, b.retry, func(ctx context.Context) (bool, error) {
		return b.backend.CreateUser(ctx, &model.User{ID: userID, Name: name})
	})
	if err != nil {
		return err
	}
	if created {
		b.logger.Info("user registered", zap.String("user", userID))
	}
	return nil
}

// SetProfile changes the user's name and avatar.
func (b *Book) SetProfile(ctx context.Context, userID, name, avatar string) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	return b.update(ctx, "user:"+userID, func(tx remote.Tx) error {
		u, err := tx.GetUser(userID)
		if err != nil {
			return err
		}
		if u.Name == name && u.Avatar == avatar {
			return nil
		}
		u.Name, u.Avatar = name, avatar
		return tx.PutUser(u)
	})
}

// List returns userID's contacts in the order they were added. Contacts
// missing from the directory are skipped.
func (b *Book) List(ctx context.Context, userID string) ([]model.Contact, error) {
	u, err := retry.Run(ctx, b.retry, func(ctx context.Context) (*model.User, error) {
		return b.backend.GetUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Contact, 0, len(u.Contacts))
	for _, id := range u.Contacts {
		c, err := b.contact(ctx, u, id)
		if errors.Is(err, chaterr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *Book) contact(ctx context.Context, owner *model.User, id string) (model.Contact, error) {
	profile, err := retry.Run(ctx, b.retry, func(ctx context.Context) (*model.User, error) {
		return b.backend.GetUser(ctx, id)
	})
	if err != nil {
		return model.Contact{}, err
	}
	state, rec, err := b.presence.State(ctx, id)
	if err != nil {
		return model.Contact{}, err
	}
	c := model.Contact{
		ID:       id,
		Name:     profile.Name,
		Avatar:   profile.Avatar,
		Online:   state.IsOnline(),
		Metadata: maps.Clone(owner.ContactMetadata[id]),
	}
	if c.Name == "" {
		c.Name = model.UnknownName
	}
	if rec != nil {
		c.LastSeen = rec.LastSeen
	}
	return c, nil
}

// Subscribe calls onUpdate with userID's contacts now, after every change to
// the user document and on each recheck tick. A delivery already running when
// unsubscribe is called may still complete.
func (b *Book) Subscribe(userID string, onUpdate func([]model.Contact, error)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var closed atomic.Bool
	changed := make(chan struct{}, 1)

	stopFeed := b.backend.SubscribeUser(userID, func(_ *model.User, err error) {
		if err != nil {
			b.logger.Warn("contact subscription error", zap.String("user", userID), zap.Error(err))
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	go func() {
		ticker := time.NewTicker(b.recheck)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			case <-ticker.C:
			}
			list, err := b.List(ctx, userID)
			if closed.Load() || ctx.Err() != nil {
				return
			}
			onUpdate(list, err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			closed.Store(true)
			stopFeed()
			cancel()
		})
	}
}

// Add makes userID and contactID contacts of each other.
func (b *Book) Add(ctx context.Context, userID, contactID string) error {
	if err := model.ValidateParticipants(userID, contactID); err != nil {
		return err
	}
	return b.update(ctx, pairKey(userID, contactID), func(tx remote.Tx) error {
		u, c, err := getPair(tx, userID, contactID)
		if err != nil {
			return err
		}
		if !u.HasContact(contactID) {
			u.Contacts = append(u.Contacts, contactID)
			if err := tx.PutUser(u); err != nil {
				return err
			}
		}
		if !c.HasContact(userID) {
			c.Contacts = append(c.Contacts, userID)
			if err := tx.PutUser(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove drops userID and contactID from each other's lists. Metadata the
// user kept about the contact stays.
func (b *Book) Remove(ctx context.Context, userID, contactID string) error {
	if err := model.ValidateParticipants(userID, contactID); err != nil {
		return err
	}
	return b.update(ctx, pairKey(userID, contactID), func(tx remote.Tx) error {
		u, c, err := getPair(tx, userID, contactID)
		if err != nil {
			return err
		}
		if u.HasContact(contactID) {
			u.Contacts = without(u.Contacts, contactID)
			if err := tx.PutUser(u); err != nil {
				return err
			}
		}
		if c.HasContact(userID) {
			c.Contacts = without(c.Contacts, userID)
			if err := tx.PutUser(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateMetadata merges md into what userID keeps about contactID. An empty
// value deletes its key.
func (b *Book) UpdateMetadata(ctx context.Context, userID, contactID string, md map[string]string) error {
	if err := model.ValidateParticipants(userID, contactID); err != nil {
		return err
	}
	for k := range md {
		if strings.TrimSpace(k) == "" {
			return chaterr.Validationf("metadata key cannot be empty")
		}
	}
	return b.update(ctx, "user:"+userID, func(tx remote.Tx) error {
		u, err := tx.GetUser(userID)
		if err != nil {
			return err
		}
		cur := maps.Clone(u.ContactMetadata[contactID])
		if cur == nil {
			cur = make(map[string]string)
		}
		for k, v := range md {
			if v == "" {
				delete(cur, k)
			} else {
				cur[k] = v
			}
		}
		if maps.Equal(cur, u.ContactMetadata[contactID]) {
			return nil
		}
		if u.ContactMetadata == nil {
			u.ContactMetadata = make(map[string]map[string]string)
		}
		if len(cur) == 0 {
			delete(u.ContactMetadata, contactID)
		} else {
			u.ContactMetadata[contactID] = cur
		}
		return tx.PutUser(u)
	})
}

func (b *Book) update(ctx context.Context, key string, fn func(tx remote.Tx) error) error {
	return b.locks.Do(ctx, key, func(ctx context.Context) error {
		return b.retry.Do(ctx, func(ctx context.Context) error {
			return b.backend.Transact(ctx, fn)
		})
	})
}

func getPair(tx remote.Tx, userID, contactID string) (*model.User, *model.User, error) {
	u, err := tx.GetUser(userID)
	if err != nil {
		return nil, nil, err
	}
	c, err := tx.GetUser(contactID)
	if err != nil {
		return nil, nil, err
	}
	return u, c, nil
}

// pairKey is the same for (a, b) and (b, a).
func pairKey(a, b string) string {
	return "contacts:" + model.ChatID(a, b)
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) > MaxNameLength {
		return "", chaterr.Validationf("name too long (max %d characters)", MaxNameLength)
	}
	return name, nil
}
