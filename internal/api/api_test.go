package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/keyedmutex"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	backend *memstore.Store
	coord   *chat.Coordinator
	msgs    *messages.Store
	book    *contacts.Book
	client  *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Short path: Unix socket paths are limited to ~104 bytes on macOS.
	dir, err := os.MkdirTemp("/tmp", "chatsync-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	b := bus.New()
	backend := memstore.New(memstore.WithBus(b))
	locks := keyedmutex.New()
	exec := retry.New(3, time.Millisecond, nil)
	msgs := messages.New(backend, locks, exec, nil)
	tracker := presence.NewTracker(backend, b, nil, presence.WithIntervals(0, 10*time.Millisecond))
	coord := chat.NewCoordinator(backend, msgs, tracker, locks, exec, b, nil, chat.Options{Device: "api-test"})
	book := contacts.New(backend, tracker, locks, exec, nil, contacts.WithRecheck(10*time.Millisecond))
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, book.EnsureUser(context.Background(), id, ""))
	}
	svc := NewService("test", "alice", coord, book, settings.New(settings.NewMemory(), nil), b, nil)

	socket := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socket)
	require.NoError(t, err)
	srv := NewGRPCServer(svc, nil)
	go func() { _ = srv.Serve(lis) }()

	client, err := Dial(socket)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
		svc.Close()
		msgs.Close()
	})
	return &harness{backend: backend, coord: coord, msgs: msgs, book: book, client: client}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenChatAndSend(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	v, err := h.client.OpenChat(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice_bob", v.ChatID)
	assert.Equal(t, "bob", v.Contact)

	entry, err := h.client.SendMessage(ctx, "bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSent, entry.State)
	assert.NotEmpty(t, entry.MessageID)

	m, err := h.backend.GetMessage(ctx, "alice_bob", entry.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Body.Text)
	assert.Equal(t, "api-test", m.Metadata.Device)

	found, err := h.client.Search(ctx, "bob", "hel")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, entry.MessageID, found[0].ID)
	assert.Equal(t, model.StatusSent, found[0].Status)

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", st.User)
	assert.Equal(t, []string{"bob"}, st.OpenChats)
}

func TestSendMedia(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	entry, err := h.client.SendMedia(ctx, "bob", model.Media{Kind: model.MediaVoice, Ref: "blob://1", Duration: 3 * time.Second}, "")
	require.NoError(t, err)

	m, err := h.backend.GetMessage(ctx, "alice_bob", entry.MessageID)
	require.NoError(t, err)
	require.NotNil(t, m.Body.Media)
	assert.Equal(t, "blob://1", m.Body.Media.Ref)
	assert.Equal(t, 3*time.Second, m.Body.Media.Duration)
}

func TestErrorsMapToSentinels(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	_, err := h.client.OpenChat(ctx, "alice")
	assert.ErrorIs(t, err, chaterr.ErrValidation)

	_, err = h.client.OpenChat(ctx, "")
	assert.ErrorIs(t, err, chaterr.ErrValidation)

	_, err = h.client.SendMessage(ctx, "bob", "   ")
	assert.ErrorIs(t, err, chaterr.ErrValidation)

	err = h.client.EditMessage(ctx, "bob", "missing", "text")
	assert.ErrorIs(t, err, chaterr.ErrNotFound)

	err = h.client.MarkRead(ctx, "bob", "missing")
	assert.ErrorIs(t, err, chaterr.ErrNotFound)
}

func TestEditingSomeoneElsesMessageIsDenied(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	bob, err := h.coord.Open(ctx, "bob", "alice")
	require.NoError(t, err)
	t.Cleanup(bob.Close)
	sent, err := bob.SendMessage(ctx, "mine")
	require.NoError(t, err)

	err = h.client.EditMessage(ctx, "bob", sent.MessageID, "yours now")
	assert.ErrorIs(t, err, chaterr.ErrPermissionDenied)
	err = h.client.DeleteMessage(ctx, "bob", sent.MessageID)
	assert.ErrorIs(t, err, chaterr.ErrPermissionDenied)
}

func TestFailedSendIsReportedAndRetried(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	_, err := h.client.OpenChat(ctx, "bob")
	require.NoError(t, err)
	for range 3 {
		h.backend.FailNext(chaterr.Transient(errors.New("offline")), false)
	}

	failed, err := h.client.SendMessage(ctx, "bob", "ping")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateFailed, failed.State)
	assert.Contains(t, failed.Error, "offline")

	sent, err := h.client.RetrySend(ctx, "bob", failed.ClientID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSent, sent.State)
	assert.Equal(t, failed.ClientID, sent.ClientID)
	assert.Equal(t, 2, sent.Attempts)

	_, err = h.client.RetrySend(ctx, "bob", "unknown")
	assert.ErrorIs(t, err, chaterr.ErrNotFound)
}

func TestWatchChatStreamsChanges(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	views := make(chan View, 32)
	done := make(chan error, 1)
	go func() {
		done <- h.client.WatchChat(ctx, "bob", func(v View) error {
			views <- v
			return nil
		})
	}()

	bob, err := h.coord.Open(ctx, "bob", "alice")
	require.NoError(t, err)
	t.Cleanup(bob.Close)
	sent, err := bob.SendMessage(ctx, "are you there?")
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case v := <-views:
			if slices.ContainsFunc(v.Messages, func(m model.Message) bool { return m.ID == sent.MessageID }) {
				assert.Equal(t, "alice_bob", v.ChatID)
				cancel()
				assert.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("watch never delivered bob's message")
		}
	}
}

func TestCloseChatEndsWatch(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	started := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- h.client.WatchChat(ctx, "bob", func(View) error {
			select {
			case started <- struct{}{}:
			default:
			}
			return nil
		})
	}()
	<-started

	require.NoError(t, h.client.CloseChat(ctx, "bob"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch still running after CloseChat")
	}
}

func TestLoadMoreAndForward(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	chatID, err := h.coord.ResolveChat(ctx, "alice", "bob")
	require.NoError(t, err)
	for range messages.DefaultPageSize + 3 {
		_, err := h.msgs.Send(ctx, chatID, messages.Draft{Body: model.Body{Text: "old"}}, "bob")
		require.NoError(t, err)
	}

	v, err := h.client.OpenChat(ctx, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err = h.client.OpenChat(ctx, "bob")
		return err == nil && len(v.Messages) == messages.DefaultPageSize
	}, 2*time.Second, 10*time.Millisecond)

	older, hasMore, err := h.client.LoadMore(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, older, 3)
	assert.False(t, hasMore)

	fwd, err := h.client.ForwardMessage(ctx, "bob", older[0].ID, "carol")
	require.NoError(t, err)
	assert.True(t, fwd.Forwarded)
	assert.Equal(t, "alice_carol", fwd.ChatID)
	assert.Equal(t, older[0].ID, fwd.OriginalMessageID)
}

func TestPresenceAndSettings(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	p, err := h.client.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, presence.Unknown, p.State)

	require.NoError(t, h.coord.Presence().Heartbeat(ctx, "bob"))
	p, err = h.client.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, p.Online())
	assert.False(t, p.LastSeen.IsZero())

	enabled, err := h.client.SoundEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	require.NoError(t, h.client.SetSoundEnabled(ctx, false))
	enabled, err = h.client.SoundEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestTypingThroughAPI(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	bob, err := h.coord.Open(ctx, "bob", "alice")
	require.NoError(t, err)
	t.Cleanup(bob.Close)

	require.NoError(t, h.client.SetTyping(ctx, "bob", true))
	require.Eventually(t, func() bool {
		return slices.Equal(bob.TypingUsers(), []string{"alice"})
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.SetTyping(ctx, true))
	require.Eventually(t, func() bool {
		v, err := h.client.OpenChat(ctx, "bob")
		return err == nil && slices.Equal(v.Typing, []string{"bob"})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestContacts(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	require.NoError(t, h.client.AddContact(ctx, "bob"))
	require.NoError(t, h.client.AddContact(ctx, "carol"))
	require.NoError(t, h.client.UpdateContactMetadata(ctx, "bob", map[string]string{"nickname": "Bobby"}))
	require.NoError(t, h.book.SetProfile(ctx, "bob", "Robert", "avatars/bob.png"))

	list, err := h.client.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].ID)
	assert.Equal(t, "Robert", list[0].Name)
	assert.Equal(t, "avatars/bob.png", list[0].Avatar)
	assert.Equal(t, map[string]string{"nickname": "Bobby"}, list[0].Metadata)
	assert.Equal(t, model.UnknownName, list[1].Name)
	assert.False(t, list[1].Online)

	// Symmetric: bob sees alice without doing anything.
	bobs, err := h.book.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "alice", bobs[0].ID)

	require.NoError(t, h.client.RemoveContact(ctx, "carol"))
	list, err = h.client.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, h.client.SetProfile(ctx, "Alice", ""))
	bobs, err = h.book.List(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Alice", bobs[0].Name)

	assert.ErrorIs(t, h.client.AddContact(ctx, "ghost"), chaterr.ErrNotFound)
	assert.ErrorIs(t, h.client.AddContact(ctx, "alice"), chaterr.ErrValidation)
	assert.ErrorIs(t, h.client.UpdateContactMetadata(ctx, "bob", map[string]string{"": "x"}), chaterr.ErrValidation)
}

func TestWatchContacts(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	lists := make(chan []model.Contact, 64)
	done := make(chan error, 1)
	go func() {
		done <- h.client.WatchContacts(ctx, func(l []model.Contact) error {
			select {
			case lists <- l:
			default:
			}
			return nil
		})
	}()

	waitFor := func(match func([]model.Contact) bool) {
		t.Helper()
		for {
			select {
			case l := <-lists:
				if match(l) {
					return
				}
			case <-ctx.Done():
				t.Fatal("contact list never reached the expected state")
			}
		}
	}

	waitFor(func(l []model.Contact) bool { return len(l) == 0 })
	require.NoError(t, h.client.AddContact(ctx, "bob"))
	waitFor(func(l []model.Contact) bool { return len(l) == 1 && !l[0].Online })

	require.NoError(t, h.coord.Presence().Heartbeat(ctx, "bob"))
	waitFor(func(l []model.Contact) bool { return len(l) == 1 && l[0].Online })

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchContacts did not return after cancel")
	}
}
