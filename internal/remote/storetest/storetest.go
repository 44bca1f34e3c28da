// Package storetest holds behavior tests every remote.Store must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Run runs the suite against stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) remote.Store) {
	t.Run("CreateChatIfAbsent", func(t *testing.T) { testCreateChat(t, newStore(t)) })
	t.Run("AddMessageAssignsIDAndTime", func(t *testing.T) { testAddMessage(t, newStore(t)) })
	t.Run("ClientIDDeduplicates", func(t *testing.T) { testClientIDDedup(t, newStore(t)) })
	t.Run("FailedTransactionWritesNothing", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("PaginationNewestFirst", func(t *testing.T) { testPagination(t, newStore(t)) })
	t.Run("SearchPrefixRange", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("SubscribeMessages", func(t *testing.T) { testSubscribeMessages(t, newStore(t)) })
	t.Run("PresenceMerge", func(t *testing.T) { testPresence(t, newStore(t)) })
	t.Run("Typing", func(t *testing.T) { testTyping(t, newStore(t)) })
	t.Run("CreateUserIfAbsent", func(t *testing.T) { testCreateUser(t, newStore(t)) })
	t.Run("PutUserReplacesDocument", func(t *testing.T) { testPutUser(t, newStore(t)) })
	t.Run("SubscribeUser", func(t *testing.T) { testSubscribeUser(t, newStore(t)) })
}

func seedChat(t *testing.T, s remote.Store, a, b string) string {
	t.Helper()
	id := model.ChatID(a, b)
	if _, err := s.CreateChat(context.Background(), &model.Chat{ID: id, Participants: [2]string{a, b}}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	return id
}

func addText(t *testing.T, s remote.Store, chatID, sender, text string) string {
	t.Helper()
	var id string
	err := s.Transact(context.Background(), func(tx remote.Tx) error {
		var err error
		id, err = tx.AddMessage(&model.Message{
			ChatID:   chatID,
			SenderID: sender,
			Body:     model.Body{Text: text},
			Status:   model.StatusSent,
		})
		return err
	})
	if err != nil {
		t.Fatalf("AddMessage(%q) error = %v", text, err)
	}
	return id
}

func testCreateChat(t *testing.T, s remote.Store) {
	ctx := context.Background()
	chat := &model.Chat{ID: "alice_bob", Participants: [2]string{"alice", "bob"}}

	created, err := s.CreateChat(ctx, chat)
	if err != nil || !created {
		t.Fatalf("first CreateChat() = %v, %v; want true, nil", created, err)
	}
	created, err = s.CreateChat(ctx, chat)
	if err != nil || created {
		t.Fatalf("second CreateChat() = %v, %v; want false, nil", created, err)
	}

	got, err := s.GetChat(ctx, "alice_bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Participants != chat.Participants {
		t.Errorf("participants = %v, want %v", got.Participants, chat.Participants)
	}
	if got.CreatedAt.IsZero() || got.LastMessage != nil {
		t.Errorf("new chat = %+v, want CreatedAt set and no summary", got)
	}

	if _, err := s.GetChat(ctx, "nobody_x"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("GetChat(missing) error = %v, want ErrNotFound", err)
	}
}

func testAddMessage(t *testing.T, s remote.Store) {
	ctx := context.Background()
	chatID := seedChat(t, s, "alice", "bob")
	first := addText(t, s, chatID, "alice", "one")
	second := addText(t, s, chatID, "bob", "two")

	if first == "" || first == second {
		t.Fatalf("ids = %q, %q; want distinct non-empty", first, second)
	}
	m1, err := s.GetMessage(ctx, chatID, first)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := s.GetMessage(ctx, chatID, second)
	if err != nil {
		t.Fatal(err)
	}
	if !m2.CreatedAt.After(m1.CreatedAt) {
		t.Errorf("server timestamps %v, %v not increasing", m1.CreatedAt, m2.CreatedAt)
	}
	if m1.Body.Text != "one" || m1.Status != model.StatusSent || m1.SenderID != "alice" {
		t.Errorf("stored message = %+v", m1)
	}
	if _, err := s.GetMessage(ctx, chatID, "missing"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("GetMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func testClientIDDedup(t *testing.T, s remote.Store) {
	ctx := context.Background()
	chatID := seedChat(t, s, "alice", "bob")

	add := func() string {
		var id string
		err := s.Transact(ctx, func(tx remote.Tx) error {
			var err error
			id, err = tx.AddMessage(&model.Message{
				ChatID: chatID, SenderID: "alice", ClientID: "client-1",
				Body: model.Body{Text: "hello"}, Status: model.StatusSent,
			})
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	a, b := add(), add()
	if a != b {
		t.Errorf("ids = %q, %q; want the same id for a repeated client id", a, b)
	}
	msgs, err := s.ListMessages(ctx, remote.Query{ChatID: chatID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func testRollback(t *testing.T, s remote.Store) {
	ctx := context.Background()
	chatID := seedChat(t, s, "alice", "bob")
	boom := errors.New("boom")

	err := s.Transact(ctx, func(tx remote.Tx) error {
		if _, err := tx.AddMessage(&model.Message{ChatID: chatID, SenderID: "alice", Body: model.Body{Text: "x"}, Status: model.StatusSent}); err != nil {
			return err
		}
		c, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		c.LastMessage = &model.LastMessage{Text: "x", CreatedAt: tx.Now()}
		if err := tx.PutChat(c); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transact() error = %v, want boom", err)
	}

	msgs, err := s.ListMessages(ctx, remote.Query{ChatID: chatID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages after failed transaction, want 0", len(msgs))
	}
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage != nil {
		t.Errorf("summary = %+v after failed transaction, want nil", c.LastMessage)
	}
}

func testPagination(t *testing.T, s remote.Store) {
	ctx := context.Background()
	chatID := seedChat(t, s, "alice", "bob")
	for i := range 5 {
		addText(t, s, chatID, "alice", fmt.Sprintf("m%d", i))
	}

	page, err := s.ListMessages(ctx, remote.Query{ChatID: chatID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := texts(page); got != "m4,m3" {
		t.Fatalf("first page = %s, want m4,m3", got)
	}

	cursor := page[len(page)-1].Key()
	page, err = s.ListMessages(ctx, remote.Query{ChatID: chatID, Before: cursor, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := texts(page); got != "m2,m1" {
		t.Fatalf("second page = %s, want m2,m1", got)
	}

	cursor = page[len(page)-1].Key()
	page, err = s.ListMessages(ctx, remote.Query{ChatID: chatID, Before: cursor, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := texts(page); got != "m0" {
		t.Fatalf("last page = %s, want m0", got)
	}
}

func testSearch(t *testing.T, s remote.Store) {
	ctx := context.Background()
	chatID := seedChat(t, s, "alice", "bob")
	addText(t, s, chatID, "alice", "hello world")
	addText(t, s, chatID, "bob", "help me")
	addText(t, s, chatID, "alice", "say hello")
	gone := addText(t, s, chatID, "bob", "hello again")
	addText(t, s, chatID, "bob", "hello there")

	err := s.Transact(ctx, func(tx remote.Tx) error {
		m, err := tx.GetMessage(chatID, gone)
		if err != nil {
			return err
		}
		m.Deleted = true
		m.DeletedAt = tx.Now()
		return tx.PutMessage(m)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.SearchMessages(ctx, chatID, "hel", 100)
	if err != nil {
		t.Fatal(err)
	}
	if texts(got) != "hello there,help me,hello world" {
		t.Errorf("search hel = %s, want hello there,help me,hello world", texts(got))
	}

	got, err = s.SearchMessages(ctx, chatID, "hello", 1)
	if err != nil {
		t.Fatal(err)
	}
	if texts(got) != "hello there" {
		t.Errorf("search hello limit 1 = %s, want hello there", texts(got))
	}
}

func testSubscribeMessages(t *testing.T, s remote.Store) {
	chatID := seedChat(t, s, "alice", "bob")
	snapshots := make(chan []model.Message, 10)
	unsubscribe := s.SubscribeMessages(chatID, 20, func(msgs []model.Message, err error) {
		if err != nil {
			t.Errorf("subscription error: %v", err)
			return
		}
		snapshots <- msgs
	})
	defer unsubscribe()

	if initial := waitSnapshot(t, snapshots); len(initial) != 0 {
		t.Fatalf("initial snapshot has %d messages, want 0", len(initial))
	}

	addText(t, s, chatID, "alice", "hi")
	for {
		snap := waitSnapshot(t, snapshots)
		if len(snap) == 1 && snap[0].Body.Text == "hi" {
			break
		}
	}

	unsubscribe()
	unsubscribe()
}

func waitSnapshot(t *testing.T, ch <-chan []model.Message) []model.Message {
	t.Helper()
	select {
	case msgs := <-ch:
		return msgs
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return nil
	}
}

func testPresence(t *testing.T, s remote.Store) {
	ctx := context.Background()
	if _, err := s.GetPresence(ctx, "alice"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Fatalf("GetPresence(unknown) error = %v, want ErrNotFound", err)
	}

	updates := make(chan *model.PresenceRecord, 10)
	unsubscribe := s.SubscribePresence("alice", func(rec *model.PresenceRecord, err error) {
		if err == nil {
			updates <- rec
		}
	})
	defer unsubscribe()

	if err := s.SetPresence(ctx, model.PresenceRecord{SubjectID: "alice", State: model.PresenceOnline, Device: "ios"}); err != nil {
		t.Fatal(err)
	}
	first, err := s.GetPresence(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetPresence(ctx, model.PresenceRecord{SubjectID: "alice", State: model.PresenceOffline}); err != nil {
		t.Fatal(err)
	}
	second, err := s.GetPresence(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if second.State != model.PresenceOffline || second.Device != "ios" {
		t.Errorf("merged record = %+v, want offline with device kept", second)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Errorf("LastSeen %v not after %v", second.LastSeen, first.LastSeen)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-updates:
			if rec != nil && rec.State == model.PresenceOffline {
				return
			}
		case <-deadline:
			t.Fatal("subscription never observed the offline record")
		}
	}
}

func testTyping(t *testing.T, s remote.Store) {
	ctx := context.Background()
	chatID := seedChat(t, s, "alice", "bob")
	updates := make(chan []string, 10)
	unsubscribe := s.SubscribeTyping(chatID, func(users []string, err error) {
		if err == nil {
			updates <- users
		}
	})
	defer unsubscribe()

	if err := s.SetTyping(ctx, chatID, "bob", true); err != nil {
		t.Fatal(err)
	}
	waitTyping(t, updates, "bob")
	if err := s.SetTyping(ctx, chatID, "bob", false); err != nil {
		t.Fatal(err)
	}
	waitTyping(t, updates, "")
}

func waitTyping(t *testing.T, ch <-chan []string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case users := <-ch:
			got := ""
			if len(users) > 0 {
				got = users[0]
			}
			if got == want && len(users) <= 1 {
				return
			}
		case <-deadline:
			t.Fatalf("typing users never became %q", want)
		}
	}
}

func testCreateUser(t *testing.T, s remote.Store) {
	ctx := context.Background()
	if _, err := s.GetUser(ctx, "alice"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Fatalf("GetUser(unknown) error = %v, want ErrNotFound", err)
	}
	created, err := s.CreateUser(ctx, &model.User{ID: "alice", Name: "Alice"})
	if err != nil || !created {
		t.Fatalf("CreateUser() = %v, %v; want true, nil", created, err)
	}
	created, err = s.CreateUser(ctx, &model.User{ID: "alice", Name: "Other"})
	if err != nil || created {
		t.Fatalf("second CreateUser() = %v, %v; want false, nil", created, err)
	}
	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "Alice" || u.CreatedAt.IsZero() {
		t.Errorf("user = %+v, want the first write with a server timestamp", u)
	}
}

func testPutUser(t *testing.T, s remote.Store) {
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, &model.User{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	err := s.Transact(ctx, func(tx remote.Tx) error {
		u, err := tx.GetUser("alice")
		if err != nil {
			return err
		}
		u.Name = "Alice"
		u.Contacts = []string{"carol", "bob"}
		u.ContactMetadata = map[string]map[string]string{"bob": {"nickname": "Bobby"}}
		return tx.PutUser(u)
	})
	if err != nil {
		t.Fatal(err)
	}
	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "Alice" || fmt.Sprint(u.Contacts) != "[carol bob]" || u.ContactMetadata["bob"]["nickname"] != "Bobby" {
		t.Errorf("user = %+v", u)
	}
	if !u.UpdatedAt.After(u.CreatedAt) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", u.UpdatedAt, u.CreatedAt)
	}

	// A failed transaction leaves the document alone.
	boom := errors.New("boom")
	err = s.Transact(ctx, func(tx remote.Tx) error {
		if err := tx.PutUser(&model.User{ID: "alice"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transact() error = %v, want boom", err)
	}
	if u, _ := s.GetUser(ctx, "alice"); len(u.Contacts) != 2 {
		t.Errorf("contacts after rollback = %v", u.Contacts)
	}
}

func testSubscribeUser(t *testing.T, s remote.Store) {
	ctx := context.Background()
	updates := make(chan *model.User, 10)
	unsubscribe := s.SubscribeUser("alice", func(u *model.User, err error) {
		if err == nil {
			updates <- u
		}
	})
	defer unsubscribe()

	if _, err := s.CreateUser(ctx, &model.User{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	err := s.Transact(ctx, func(tx remote.Tx) error {
		u, err := tx.GetUser("alice")
		if err != nil {
			return err
		}
		u.Contacts = append(u.Contacts, "bob")
		return tx.PutUser(u)
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-updates:
			if u != nil && u.HasContact("bob") {
				return
			}
		case <-deadline:
			t.Fatal("subscription never observed the new contact")
		}
	}
}

func texts(msgs []model.Message) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += ","
		}
		out += m.Body.Text
	}
	return out
}
