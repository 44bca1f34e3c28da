package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/keyedmutex"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/retry"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *memstore.Store, string) {
	t.Helper()
	backend := memstore.New()
	chatID := model.ChatID("alice", "bob")
	if _, err := backend.CreateChat(context.Background(), &model.Chat{ID: chatID, Participants: [2]string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	s := New(backend, keyedmutex.New(), retry.New(3, time.Millisecond, nil), nil, opts...)
	t.Cleanup(s.Close)
	return s, backend, chatID
}

func send(t *testing.T, s *Store, chatID, sender, text string) string {
	t.Helper()
	id, err := s.Send(context.Background(), chatID, Draft{Body: model.Body{Text: text}}, sender)
	if err != nil {
		t.Fatalf("Send(%q) error = %v", text, err)
	}
	return id
}

func TestSendOnFreshChat(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()

	id := send(t, s, chatID, "alice", "  hello ")

	m, err := backend.GetMessage(ctx, chatID, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Body.Text != "hello" || m.Status != model.StatusSent || m.SenderID != "alice" {
		t.Errorf("stored message = %+v", m)
	}
	if m.ClientID == "" {
		t.Error("send did not assign a client id")
	}
	chat, err := backend.GetChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessage == nil || chat.LastMessage.Text != "hello" || chat.LastMessage.MessageID != id {
		t.Errorf("last message = %+v, want hello", chat.LastMessage)
	}
}

func TestSendRejectsInvalidText(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	before := backend.Commits()

	for _, text := range []string{"", "   ", strings.Repeat("x", model.MaxTextLength+1)} {
		_, err := s.Send(context.Background(), chatID, Draft{Body: model.Body{Text: text}}, "alice")
		if !errors.Is(err, chaterr.ErrValidation) {
			t.Errorf("Send(%d chars) error = %v, want ErrValidation", len(text), err)
		}
	}
	if got := backend.Commits(); got != before {
		t.Errorf("commits = %d, want %d (no write for invalid text)", got, before)
	}
}

func TestSendMediaWithoutText(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()

	id, err := s.Send(ctx, chatID, Draft{Body: model.Body{Media: &model.Media{Kind: model.MediaImage, Ref: "blob://1"}}}, "bob")
	if err != nil {
		t.Fatal(err)
	}
	chat, err := backend.GetChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessage == nil || chat.LastMessage.Text != "[image]" || chat.LastMessage.MessageID != id {
		t.Errorf("last message = %+v, want [image]", chat.LastMessage)
	}

	_, err = s.Send(ctx, chatID, Draft{Body: model.Body{Media: &model.Media{Kind: "video", Ref: "blob://2"}}}, "bob")
	if !errors.Is(err, chaterr.ErrValidation) {
		t.Errorf("unknown media kind error = %v, want ErrValidation", err)
	}
}

func TestSendByOutsiderDenied(t *testing.T) {
	s, _, chatID := newTestStore(t)
	_, err := s.Send(context.Background(), chatID, Draft{Body: model.Body{Text: "hi"}}, "mallory")
	if !errors.Is(err, chaterr.ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
}

func TestSendToMissingChat(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Send(context.Background(), "alice_zed", Draft{Body: model.Body{Text: "hi"}}, "alice")
	if !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSendRetryAfterLostAckWritesOnce(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()

	backend.FailNext(chaterr.Transient(errors.New("ack lost")), true)
	id := send(t, s, chatID, "alice", "hello")

	msgs, err := backend.ListMessages(ctx, remote.Query{ChatID: chatID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("messages = %+v, want exactly the one with id %s", msgs, id)
	}
}

func TestSendSurfacesExhaustedTransientError(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	for range 3 {
		backend.FailNext(chaterr.Transient(errors.New("unreachable")), false)
	}
	_, err := s.Send(context.Background(), chatID, Draft{Body: model.Body{Text: "hi"}}, "alice")
	if !errors.Is(err, chaterr.ErrTransient) {
		t.Errorf("error = %v, want ErrTransient after exhausting retries", err)
	}
}

func TestSendRepeatedClientIDReturnsSameID(t *testing.T) {
	s, _, chatID := newTestStore(t)
	ctx := context.Background()
	draft := Draft{ClientID: "c-1", Body: model.Body{Text: "hello"}}

	a, err := s.Send(ctx, chatID, draft, "alice")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Send(ctx, chatID, draft, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("ids = %s, %s; want equal", a, b)
	}
}

func TestConcurrentMarkReadWritesOnce(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()
	id := send(t, s, chatID, "alice", "hello")
	before := backend.Commits()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.MarkRead(ctx, chatID, id)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	if got := backend.Commits() - before; got != 1 {
		t.Errorf("writes = %d, want exactly 1", got)
	}
	m, err := backend.GetMessage(ctx, chatID, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.StatusRead || m.ReadAt.IsZero() {
		t.Errorf("status = %s readAt = %v, want read with timestamp", m.Status, m.ReadAt)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()
	id := send(t, s, chatID, "alice", "hello")

	if err := s.MarkDelivered(ctx, chatID, id); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRead(ctx, chatID, id); err != nil {
		t.Fatal(err)
	}
	before := backend.Commits()
	if err := s.MarkDelivered(ctx, chatID, id); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRead(ctx, chatID, id); err != nil {
		t.Fatal(err)
	}
	if got := backend.Commits(); got != before {
		t.Errorf("commits = %d, want %d", got, before)
	}
	m, _ := backend.GetMessage(ctx, chatID, id)
	if m.Status != model.StatusRead {
		t.Errorf("status = %s, want read", m.Status)
	}
}

func TestMarkReadMissingMessage(t *testing.T) {
	s, _, chatID := newTestStore(t)
	if err := s.MarkRead(context.Background(), chatID, "nope"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestEdit(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()
	id := send(t, s, chatID, "alice", "helo")

	if err := s.Edit(ctx, chatID, id, "alice", "hello"); err != nil {
		t.Fatal(err)
	}
	m, _ := backend.GetMessage(ctx, chatID, id)
	if m.Body.Text != "hello" || !m.Edited || m.EditedAt.IsZero() {
		t.Errorf("edited message = %+v", m)
	}

	before := backend.Commits()
	if err := s.Edit(ctx, chatID, id, "alice", "hello"); err != nil {
		t.Fatal(err)
	}
	if backend.Commits() != before {
		t.Error("identical edit wrote to the store")
	}

	if err := s.Edit(ctx, chatID, id, "bob", "hijack"); !errors.Is(err, chaterr.ErrPermissionDenied) {
		t.Errorf("edit by other participant error = %v, want ErrPermissionDenied", err)
	}
	if err := s.Edit(ctx, chatID, "missing", "alice", "x"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("edit missing error = %v, want ErrNotFound", err)
	}
	if err := s.Edit(ctx, chatID, id, "alice", " "); !errors.Is(err, chaterr.ErrValidation) {
		t.Errorf("edit to blank error = %v, want ErrValidation", err)
	}

	if err := s.Delete(ctx, chatID, id, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.Edit(ctx, chatID, id, "alice", "again"); !errors.Is(err, chaterr.ErrValidation) {
		t.Errorf("edit deleted error = %v, want ErrValidation", err)
	}
}

func TestDeleteIsSoftAndSuppressesBody(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()
	id := send(t, s, chatID, "alice", "secret")

	if err := s.Delete(ctx, chatID, id, "bob"); !errors.Is(err, chaterr.ErrPermissionDenied) {
		t.Fatalf("delete by other participant error = %v, want ErrPermissionDenied", err)
	}
	if err := s.Delete(ctx, chatID, id, "alice"); err != nil {
		t.Fatal(err)
	}
	before := backend.Commits()
	if err := s.Delete(ctx, chatID, id, "alice"); err != nil {
		t.Fatal(err)
	}
	if backend.Commits() != before {
		t.Error("repeated delete wrote to the store")
	}

	raw, _ := backend.GetMessage(ctx, chatID, id)
	if raw.Body.Text != "secret" || !raw.Deleted {
		t.Errorf("stored record = %+v, want body kept and deleted flag set", raw)
	}

	got, err := s.GetByID(ctx, chatID, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body.Text != "" || !got.Deleted {
		t.Errorf("GetByID = %+v, want suppressed body", got)
	}
	page, err := s.FetchPage(ctx, chatID, model.Cursor{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Body.Text != "" {
		t.Errorf("page = %+v, want one suppressed message", page.Messages)
	}
	found, err := s.Search(ctx, chatID, "sec", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("search found %d deleted messages", len(found))
	}
}

func TestFetchPageWalksBackward(t *testing.T) {
	s, _, chatID := newTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		send(t, s, chatID, "alice", fmt.Sprintf("m%d", i))
	}

	var got []string
	cursor := model.Cursor{}
	for {
		page, err := s.FetchPage(ctx, chatID, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range page.Messages {
			got = append(got, m.Body.Text)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Next
	}
	if strings.Join(got, ",") != "m4,m3,m2,m1,m0" {
		t.Errorf("walk = %v, want m4..m0", got)
	}
}

func TestFetchPageThroughCursorString(t *testing.T) {
	s, _, chatID := newTestStore(t)
	ctx := context.Background()
	for i := range 3 {
		send(t, s, chatID, "bob", fmt.Sprintf("m%d", i))
	}
	first, err := s.FetchPage(ctx, chatID, model.Cursor{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	cursor, err := model.ParseCursor(first.Next.String())
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.FetchPage(ctx, chatID, cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Messages) != 1 || second.Messages[0].Body.Text != "m0" || second.HasMore {
		t.Errorf("second page = %+v", second)
	}
}

func TestSearch(t *testing.T) {
	s, _, chatID := newTestStore(t)
	ctx := context.Background()
	send(t, s, chatID, "alice", "hello world")
	send(t, s, chatID, "bob", "say hello")
	send(t, s, chatID, "bob", "hello again")

	got, err := s.Search(ctx, chatID, "hello", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Body.Text != "hello again" || got[1].Body.Text != "hello world" {
		t.Errorf("search = %+v", got)
	}
	if _, err := s.Search(ctx, chatID, "  ", 0); !errors.Is(err, chaterr.ErrValidation) {
		t.Errorf("blank search error = %v, want ErrValidation", err)
	}
}

func TestGetByIDServesFromCache(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()
	id := send(t, s, chatID, "alice", "v1")

	if _, err := s.GetByID(ctx, chatID, id); err != nil {
		t.Fatal(err)
	}

	// Change the record behind the store's back; the cached copy still wins.
	err := backend.Transact(ctx, func(tx remote.Tx) error {
		m, err := tx.GetMessage(chatID, id)
		if err != nil {
			return err
		}
		m.Body.Text = "v2"
		return tx.PutMessage(m)
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetByID(ctx, chatID, id)
	if got.Body.Text != "v1" {
		t.Errorf("cached text = %q, want v1", got.Body.Text)
	}

	// A mutation through the store invalidates the entry.
	if err := s.Edit(ctx, chatID, id, "alice", "v3"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetByID(ctx, chatID, id)
	if got.Body.Text != "v3" {
		t.Errorf("text after edit = %q, want v3", got.Body.Text)
	}

	if _, err := s.GetByID(ctx, chatID, "missing"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("missing error = %v, want ErrNotFound", err)
	}
}

func TestCacheEntriesExpire(t *testing.T) {
	s, _, chatID := newTestStore(t, WithCacheTTL(20*time.Millisecond))
	id := send(t, s, chatID, "alice", "hello")
	if _, err := s.GetByID(context.Background(), chatID, id); err != nil {
		t.Fatal(err)
	}
	if s.cache.len() != 1 {
		t.Fatalf("cache len = %d, want 1", s.cache.len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.cache.len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cache entry never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentGetByIDFetchesOnce(t *testing.T) {
	backend := &countingBackend{MessageBackend: memstore.New()}
	ctx := context.Background()
	if _, err := backend.CreateChat(ctx, &model.Chat{ID: "alice_bob", Participants: [2]string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	s := New(backend, keyedmutex.New(), retry.New(1, 0, nil), nil)
	defer s.Close()
	id, err := s.Send(ctx, "alice_bob", Draft{Body: model.Body{Text: "hi"}}, "alice")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetByID(ctx, "alice_bob", id); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := backend.gets(); got != 1 {
		t.Errorf("backend reads = %d, want 1", got)
	}
}

type countingBackend struct {
	remote.MessageBackend
	mu sync.Mutex
	n  int
}

func (b *countingBackend) GetMessage(ctx context.Context, chatID, id string) (*model.Message, error) {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return b.MessageBackend.GetMessage(ctx, chatID, id)
}

func (b *countingBackend) gets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func TestSubscribeLive(t *testing.T) {
	s, _, chatID := newTestStore(t)
	snapshots := make(chan []model.Message, 10)
	unsubscribe := s.SubscribeLive(chatID, 0, func(msgs []model.Message, err error) {
		if err == nil {
			snapshots <- msgs
		}
	})

	send(t, s, chatID, "alice", "hi")
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case msgs := <-snapshots:
			done = len(msgs) == 1 && msgs[0].Body.Text == "hi"
		case <-deadline:
			t.Fatal("live update never arrived")
		}
	}

	unsubscribe()
	unsubscribe()
	send(t, s, chatID, "alice", "after")
	select {
	case msgs := <-snapshots:
		t.Errorf("delivery after unsubscribe: %+v", msgs)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForward(t *testing.T) {
	s, backend, chatID := newTestStore(t)
	ctx := context.Background()
	target := model.ChatID("alice", "carol")
	if _, err := backend.CreateChat(ctx, &model.Chat{ID: target, Participants: [2]string{"alice", "carol"}}); err != nil {
		t.Fatal(err)
	}
	id := send(t, s, chatID, "bob", "pass it on")
	orig, err := s.GetByID(ctx, chatID, id)
	if err != nil {
		t.Fatal(err)
	}

	fwd, err := s.Forward(ctx, orig, target, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !fwd.Forwarded || fwd.OriginalChatID != chatID || fwd.OriginalMessageID != id || fwd.Body.Text != "pass it on" {
		t.Errorf("forwarded = %+v", fwd)
	}
	if fwd.ChatID != target || fwd.SenderID != "alice" || fwd.Status != model.StatusSent {
		t.Errorf("forwarded = %+v", fwd)
	}

	if _, err := s.Forward(ctx, orig, target, "bob"); !errors.Is(err, chaterr.ErrPermissionDenied) {
		t.Errorf("forward into a chat the sender is not in: error = %v", err)
	}
}

func TestEditDuringCacheFillIsNotMasked(t *testing.T) {
	mem := memstore.New()
	backend := &pausingBackend{MessageBackend: mem, read: make(chan struct{}), release: make(chan struct{})}
	ctx := context.Background()
	if _, err := mem.CreateChat(ctx, &model.Chat{ID: "alice_bob", Participants: [2]string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	s := New(backend, keyedmutex.New(), retry.New(1, 0, nil), nil)
	defer s.Close()
	id, err := s.Send(ctx, "alice_bob", Draft{Body: model.Body{Text: "before"}}, "alice")
	if err != nil {
		t.Fatal(err)
	}

	readDone := make(chan error, 1)
	go func() {
		_, err := s.GetByID(ctx, "alice_bob", id)
		readDone <- err
	}()
	<-backend.read

	commits := mem.Commits()
	editDone := make(chan error, 1)
	go func() { editDone <- s.Edit(ctx, "alice_bob", id, "alice", "after") }()
	deadline := time.Now().Add(2 * time.Second)
	for mem.Commits() == commits {
		if time.Now().After(deadline) {
			t.Fatal("edit never committed")
		}
		time.Sleep(time.Millisecond)
	}
	close(backend.release)

	if err := <-readDone; err != nil {
		t.Fatal(err)
	}
	if err := <-editDone; err != nil {
		t.Fatal(err)
	}
	m, err := s.GetByID(ctx, "alice_bob", id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Body.Text != "after" {
		t.Errorf("GetByID after edit = %q, want after", m.Body.Text)
	}
}

// pausingBackend holds the first GetMessage after it has read the row.
type pausingBackend struct {
	remote.MessageBackend
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (b *pausingBackend) GetMessage(ctx context.Context, chatID, id string) (*model.Message, error) {
	m, err := b.MessageBackend.GetMessage(ctx, chatID, id)
	b.once.Do(func() {
		close(b.read)
		<-b.release
	})
	return m, err
}
