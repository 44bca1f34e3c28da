// Package chat resolves conversations between two users and composes the
// message, outbox and presence layers into one Session per open chat.
package chat

import (
	"context"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/keyedmutex"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"go.uber.org/zap"
)

// Options tunes sessions opened by a Coordinator.
type Options struct {
	PageSize   int
	Device     string
	AppVersion string
}

// Coordinator owns the chat-level operations of one process. The lock table,
// retry executor and message cache it shares with its sessions are built once
// by the caller and passed in.
type Coordinator struct {
	backend  remote.Store
	messages *messages.Store
	presence *presence.Tracker
	locks    *keyedmutex.Mutex
	retry    *retry.Executor
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(
	backend remote.Store,
	msgs *messages.Store,
	tracker *presence.Tracker,
	locks *keyedmutex.Mutex,
	exec *retry.Executor,
	b *bus.Bus,
	logger *zap.Logger,
	opts Options,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = messages.DefaultPageSize
	}
	return &Coordinator{
		backend:  backend,
		messages: msgs,
		presence: tracker,
		locks:    locks,
		retry:    exec,
		bus:      b,
		logger:   logger,
		opts:     opts,
	}
}

// ResolveChat returns the id of the chat between a and b, creating it if
// needed. The id depends only on the pair, so concurrent calls converge on
// one chat.
func (c *Coordinator) ResolveChat(ctx context.Context, a, b string) (string, error) {
	if err := model.ValidateParticipants(a, b); err != nil {
		return "", err
	}
	id := model.ChatID(a, b)
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	created, err := retry.Run(ctx, c.retry, func(ctx context.Context) (bool, error) {
		return c.backend.CreateChat(ctx, &model.Chat{ID: id, Participants: [2]string{lo, hi}})
	})
	if err != nil {
		return "", err
	}
	if created {
		c.logger.Info("chat created", zap.String("chat_id", id))
	}
	return id, nil
}

// UpdateLastMessage records m as the chat's summary unless the chat already
// holds a summary at least as new. It reports whether the summary changed.
func (c *Coordinator) UpdateLastMessage(ctx context.Context, chatID string, m *model.Message) (bool, error) {
	var applied bool
	err := c.locks.Do(ctx, "lastmsg:"+chatID, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			applied = false
			return c.backend.Transact(ctx, func(tx remote.Tx) error {
				chat, err := tx.GetChat(chatID)
				if err != nil {
					return err
				}
				if !chat.Supersedes(m.CreatedAt) {
					return nil
				}
				chat.LastMessage = model.Summary(m)
				chat.UpdatedAt = tx.Now()
				applied = true
				return tx.PutChat(chat)
			})
		})
	})
	return applied, err
}

// Forward copies msg into targetChatID as senderID and updates the target
// chat's summary.
func (c *Coordinator) Forward(ctx context.Context, msg *model.Message, targetChatID, senderID string) (*model.Message, error) {
	fwd, err := c.messages.Forward(ctx, msg, targetChatID, senderID)
	if err != nil {
		return nil, err
	}
	if _, err := c.UpdateLastMessage(ctx, targetChatID, fwd); err != nil {
		return fwd, err
	}
	return fwd, nil
}

// Presence exposes the shared presence tracker.
func (c *Coordinator) Presence() *presence.Tracker {
	return c.presence
}
