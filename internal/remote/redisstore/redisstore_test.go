package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/remote/storetest"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(rdb, now, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, "127.0.0.1:1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterr.ErrTransient)
}

func TestCancelledCallIsNotTransient(t *testing.T) {
	s := newTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SetPresence(ctx, model.PresenceRecord{SubjectID: "alice", State: model.PresenceOnline})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, chaterr.ErrTransient)
	assert.False(t, retry.IsRetryable(err))

	_, err = s.GetPresence(ctx, "alice")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, retry.IsRetryable(err))
}

func TestPresenceMerge(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.GetPresence(ctx, "alice")
	assert.ErrorIs(t, err, chaterr.ErrNotFound)

	require.NoError(t, s.SetPresence(ctx, model.PresenceRecord{SubjectID: "alice", State: model.PresenceOnline, Device: "ios"}))
	first, err := s.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceOnline, first.State)
	assert.Equal(t, "ios", first.Device)

	require.NoError(t, s.SetPresence(ctx, model.PresenceRecord{SubjectID: "alice", State: model.PresenceOffline}))
	second, err := s.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceOffline, second.State)
	assert.Equal(t, "ios", second.Device, "empty device keeps the stored one")
	assert.True(t, second.LastSeen.After(first.LastSeen))
}

func TestSubscribePresence(t *testing.T) {
	s := newTestStore(t, nil)
	updates := make(chan *model.PresenceRecord, 10)
	unsubscribe := s.SubscribePresence("bob", func(rec *model.PresenceRecord, err error) {
		if err == nil {
			updates <- rec
		}
	})
	defer unsubscribe()

	select {
	case rec := <-updates:
		assert.Nil(t, rec, "initial delivery before any write")
	case <-time.After(2 * time.Second):
		t.Fatal("no initial delivery")
	}

	require.NoError(t, s.SetPresence(context.Background(), model.PresenceRecord{SubjectID: "bob", State: model.PresenceOnline}))
	select {
	case rec := <-updates:
		require.NotNil(t, rec)
		assert.Equal(t, model.PresenceOnline, rec.State)
	case <-time.After(2 * time.Second):
		t.Fatal("change never delivered")
	}

	unsubscribe()
	unsubscribe()
}

func TestTypingExpires(t *testing.T) {
	clock := &fakeNow{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t, clock.Now)
	ctx := context.Background()

	require.NoError(t, s.SetTyping(ctx, "alice_bob", "bob", true))
	require.NoError(t, s.SetTyping(ctx, "alice_bob", "alice", true))

	read := func() []string {
		got := make(chan []string, 1)
		stop := s.SubscribeTyping("alice_bob", func(users []string, err error) {
			assert.NoError(t, err)
			select {
			case got <- users:
			default:
			}
		})
		defer stop()
		select {
		case users := <-got:
			return users
		case <-time.After(2 * time.Second):
			t.Fatal("no typing delivery")
			return nil
		}
	}

	assert.Equal(t, []string{"alice", "bob"}, read())

	require.NoError(t, s.SetTyping(ctx, "alice_bob", "alice", false))
	assert.Equal(t, []string{"bob"}, read())

	clock.Advance(11 * time.Second)
	assert.Empty(t, read())
}

func TestConformanceComposedWithMemstore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) remote.Store {
		rs := newTestStore(t, nil)
		ms := memstore.New()
		return remote.Compose(ms, rs, rs)
	})
}
