// Package redisstore keeps presence and typing state in Redis. Records are
// hashes and sorted sets; changes are announced on pub/sub channels so every
// daemon sharing the instance sees them.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "chatsync:"

// Store implements remote.PresenceBackend and remote.TypingBackend.
type Store struct {
	rdb    *redis.Client
	clock  *remote.Clock
	logger *zap.Logger
}

var (
	_ remote.PresenceBackend = (*Store)(nil)
	_ remote.TypingBackend   = (*Store)(nil)
)

// New connects to addr. The connection is checked with PING.
func New(ctx context.Context, addr string, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, classify(ctx, "redis ping "+addr, err)
	}
	return NewWithClient(rdb, nil, logger), nil
}

// NewWithClient wraps an existing client. now may be nil.
func NewWithClient(rdb *redis.Client, now func() time.Time, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, clock: remote.NewClock(now), logger: logger}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// classify marks connection failures transient. A cancelled or expired
// caller context is returned as is, and so is an error the server replied with.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	err = fmt.Errorf("%s: %w", op, err)
	var reply redis.Error
	if errors.As(err, &reply) {
		return err
	}
	return chaterr.Transient(err)
}

func presenceKey(subjectID string) string { return keyPrefix + "presence:" + subjectID }
func typingKey(chatID string) string { return keyPrefix + "typing:" + chatID }
func changesChannel(key string) string { return key + ":changes" }

// SetPresence merges rec into the subject's hash and announces the change.
func (s *Store) SetPresence(ctx context.Context, rec model.PresenceRecord) error {
	key := presenceKey(rec.SubjectID)
	fields := map[string]any{
		"state":     string(rec.State),
		"last_seen": strconv.FormatInt(s.clock.Next().UnixNano(), 10),
	}
	if rec.Device != "" {
		fields["device"] = rec.Device
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Publish(ctx, changesChannel(key), string(rec.State))
		return nil
	})
	if err != nil {
		return classify(ctx, "set presence", err)
	}
	return nil
}

// GetPresence reads the subject's hash or returns chaterr.ErrNotFound.
func (s *Store) GetPresence(ctx context.Context, subjectID string) (*model.PresenceRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, presenceKey(subjectID)).Result()
	if err != nil {
		return nil, classify(ctx, "get presence", err)
	}
	if len(vals) == 0 {
		return nil, chaterr.NotFoundf("presence of %q", subjectID)
	}
	rec := &model.PresenceRecord{
		SubjectID: subjectID,
		State:     model.PresenceState(vals["state"]),
		Device:    vals["device"],
	}
	if ns, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.Unix(0, ns).UTC()
	}
	return rec, nil
}

// SubscribePresence feeds the subject's record to fn; nil means no record yet.
func (s *Store) SubscribePresence(subjectID string, fn func(*model.PresenceRecord, error)) func() {
	return watch(s, changesChannel(presenceKey(subjectID)), func(ctx context.Context) (*model.PresenceRecord, error) {
		rec, err := s.GetPresence(ctx, subjectID)
		if errors.Is(err, chaterr.ErrNotFound) {
			return nil, nil
		}
		return rec, err
	}, fn)
}

// SetTyping sets or clears userID's typing flag in a chat. Flags are scored
// by their write time and read back only within remote.TypingTTL.
func (s *Store) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	key := typingKey(chatID)
	now := s.clock.Next()
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if typing {
			p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		} else {
			p.ZRem(ctx, key, userID)
		}
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-remote.TypingTTL).UnixMilli(), 10))
		p.Publish(ctx, changesChannel(key), userID)
		return nil
	})
	if err != nil {
		return classify(ctx, "set typing", err)
	}
	return nil
}

// SubscribeTyping feeds the sorted ids of users typing in a chat to fn.
func (s *Store) SubscribeTyping(chatID string, fn func([]string, error)) func() {
	key := typingKey(chatID)
	return watch(s, changesChannel(key), func(ctx context.Context) ([]string, error) {
		cutoff := s.clock.Now().Add(-remote.TypingTTL).UnixMilli()
		users, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(cutoff, 10),
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, classify(ctx, "list typing", err)
		}
		slices.Sort(users)
		return users, nil
	}, fn)
}

// watch subscribes to channel, then delivers load's result once and again
// for every message on the channel.
func watch[T any](s *Store, channel string, load func(ctx context.Context) (T, error), fn func(T, error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.rdb.Subscribe(ctx, channel)
	var stopped atomic.Bool

	deliver := func() {
		v, err := load(ctx)
		if stopped.Load() || ctx.Err() != nil {
			return
		}
		fn(v, err)
	}

	go func() {
		// Wait for the subscription to be confirmed so no change published
		// after the initial load is missed.
		if _, err := pubsub.Receive(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("redis subscribe failed", zap.String("channel", channel), zap.Error(err))
				var zero T
				fn(zero, chaterr.Transient(err))
			}
			return
		}
		deliver()
		for range pubsub.Channel() {
			deliver()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			cancel()
			_ = pubsub.Close()
		})
	}
}
