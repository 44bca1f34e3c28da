package api

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/settings"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service implements ChatSessionServer for the daemon's user. It keeps one
// chat.Session per contact the client has opened.
type Service struct {
	sessionName string
	user        string
	coord       *chat.Coordinator
	contacts    *contacts.Book
	settings    *settings.Settings
	bus         *bus.Bus
	logger      *zap.Logger
	startedAt   time.Time

	mu    sync.Mutex
	chats map[string]*chat.Session // by contact
	done  sync.WaitGroup
}

var _ ChatSessionServer = (*Service)(nil)

// chatClosed is published on a chat's view topic when its session ends.
type chatClosed struct {
	session *chat.Session
}

// NewService creates the service for user.
func NewService(sessionName, user string, coord *chat.Coordinator, book *contacts.Book, st *settings.Settings, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		user:        user,
		coord:       coord,
		contacts:    book,
		settings:    st,
		bus:         b,
		logger:      logger,
		startedAt:   time.Now(),
		chats:       make(map[string]*chat.Session),
	}
}

func viewTopic(contact string) string {
	return bus.Topic("view", contact, "")
}

// open returns the session with contact, opening it if needed.
func (s *Service) open(ctx context.Context, contact string) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.chats[contact]; ok {
		return sess, nil
	}
	sess, err := s.coord.Open(ctx, s.user, contact)
	if err != nil {
		return nil, err
	}
	s.chats[contact] = sess
	s.done.Add(1)
	go s.relay(contact, sess)
	s.logger.Info("chat opened", zap.String("contact", contact), zap.String("chat_id", sess.ChatID()))
	return sess, nil
}

// relay republishes a session's change signals on the bus so any number of
// watchers can follow it.
func (s *Service) relay(contact string, sess *chat.Session) {
	defer s.done.Done()
	topic := viewTopic(contact) + "changed"
	for range sess.Changes() {
		s.bus.Notify(topic)
	}
	s.bus.Publish(bus.Event{Topic: viewTopic(contact) + "closed", Payload: chatClosed{session: sess}})
}

func (s *Service) chatFor(ctx context.Context, req *structpb.Struct) (*chat.Session, fields, error) {
	f := fields(req.AsMap())
	contact, err := f.required("contact")
	if err != nil {
		return nil, f, err
	}
	sess, err := s.open(ctx, contact)
	return sess, f, err
}

func view(sess *chat.Session) View {
	p := sess.Presence()
	return View{
		ChatID:   sess.ChatID(),
		Contact:  sess.Contact(),
		Messages: sess.Messages(),
		HasMore:  sess.HasMore(),
		Typing:   sess.TypingUsers(),
		Presence: Presence{State: p.State, LastSeen: p.LastSeen},
		Outbox:   sess.Outbox(),
	}
}

func empty() (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	contacts := make([]string, 0, len(s.chats))
	for c := range s.chats {
		contacts = append(contacts, c)
	}
	s.mu.Unlock()
	slices.Sort(contacts)
	return toStruct(map[string]any{
		"session":    s.sessionName,
		"user":       s.user,
		"uptime_ms":  time.Since(s.startedAt).Milliseconds(),
		"open_chats": encodeStrings(contacts),
	})
}

func (s *Service) OpenChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, _, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(encodeView(view(sess)))
}

func (s *Service) CloseChat(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	contact, err := fields(req.AsMap()).required("contact")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	sess, ok := s.chats[contact]
	delete(s.chats, contact)
	s.mu.Unlock()
	if ok {
		sess.Close()
		s.logger.Info("chat closed", zap.String("contact", contact))
	}
	return empty()
}

// SendMessage sends text, a media reference, or both. With "queue" set the
// message goes to the background sender and the response carries its queued
// entry. A send that failed after reaching the outbox is reported through
// the entry's state rather than as an RPC error.
func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	var entry outbox.Entry
	switch {
	case f.boolean("queue"):
		id := sess.QueueMessage(f.str("text"))
		entry = outbox.Entry{ClientID: id, ChatID: sess.ChatID(), State: outbox.StateQueued}
	case f.obj("media") != nil:
		entry, err = sess.SendMedia(ctx, *decodeMedia(f.obj("media")), f.str("text"))
	default:
		entry, err = sess.SendMessage(ctx, f.str("text"))
	}
	if err != nil && entry.State != outbox.StateFailed {
		return nil, err
	}
	return toStruct(map[string]any{"entry": encodeEntry(entry)})
}

func (s *Service) RetrySend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	clientID, err := f.required("client_id")
	if err != nil {
		return nil, err
	}
	entry, err := sess.RetrySend(ctx, clientID)
	if err != nil && entry.State != outbox.StateFailed {
		return nil, err
	}
	return toStruct(map[string]any{"entry": encodeEntry(entry)})
}

func (s *Service) EditMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := f.required("message_id")
	if err != nil {
		return nil, err
	}
	if err := sess.EditMessage(ctx, id, f.str("text")); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Service) DeleteMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := f.required("message_id")
	if err != nil {
		return nil, err
	}
	if err := sess.DeleteMessage(ctx, id); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Service) ForwardMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := f.required("message_id")
	if err != nil {
		return nil, err
	}
	to, err := f.required("to")
	if err != nil {
		return nil, err
	}
	fwd, err := sess.ForwardTo(ctx, id, to)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"message": encodeMessage(*fwd)})
}

func (s *Service) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := f.required("message_id")
	if err != nil {
		return nil, err
	}
	if err := sess.MarkRead(ctx, id); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Service) LoadMore(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, _, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	page, err := sess.LoadMore(ctx)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{
		"messages": encodeMessages(page.Messages),
		"has_more": page.HasMore,
	})
}

func (s *Service) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	found, err := sess.Search(ctx, f.str("query"))
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"messages": encodeMessages(found)})
}

func (s *Service) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, f, err := s.chatFor(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := sess.SetTyping(ctx, f.boolean("typing")); err != nil {
		return nil, err
	}
	return empty()
}

// IsOnline reads a contact's presence without opening a chat.
func (s *Service) IsOnline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	contact, err := fields(req.AsMap()).required("contact")
	if err != nil {
		return nil, err
	}
	state, rec, err := s.coord.Presence().State(ctx, contact)
	if err != nil {
		return nil, err
	}
	p := Presence{State: state}
	if rec != nil {
		p.LastSeen = rec.LastSeen
	}
	return toStruct(encodePresence(p))
}

func (s *Service) GetSettings(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	enabled, err := s.settings.SoundEnabled(ctx)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"sound_enabled": enabled})
}

func (s *Service) SetSoundEnabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	enabled := fields(req.AsMap()).boolean("enabled")
	if err := s.settings.SetSoundEnabled(ctx, enabled); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"sound_enabled": enabled})
}

// WatchChat streams the chat's view once on subscribe and again after every
// change, until the client goes away or the chat is closed.
func (s *Service) WatchChat(req *structpb.Struct, stream ViewStream) error {
	ctx := stream.Context()
	sess, _, err := s.chatFor(ctx, req)
	if err != nil {
		return err
	}

	changes, unsubChanges := s.bus.Subscribe(viewTopic(sess.Contact()), 1)
	defer unsubChanges()
	sends, unsubSends := s.bus.Subscribe("message.", 16)
	defer unsubSends()

	send := func() error {
		out, err := toStruct(encodeView(view(sess)))
		if err != nil {
			return err
		}
		return stream.Send(out)
	}
	if err := send(); err != nil {
		return err
	}

	for {
		select {
		case evt, ok := <-changes:
			if !ok {
				return nil
			}
			if closed, isClose := evt.Payload.(chatClosed); isClose {
				if closed.session == sess {
					return nil
				}
				continue
			}
		case evt, ok := <-sends:
			if !ok {
				return nil
			}
			payload, _ := evt.Payload.(map[string]string)
			if payload["chat_id"] != sess.ChatID() {
				continue
			}
		case <-ctx.Done():
			return nil
		}
		if err := send(); err != nil {
			return err
		}
	}
}

func (s *Service) ListContacts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	list, err := s.contacts.List(ctx, s.user)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"contacts": encodeContacts(list)})
}

func (s *Service) AddContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	contact, err := fields(req.AsMap()).required("contact")
	if err != nil {
		return nil, err
	}
	if err := s.contacts.Add(ctx, s.user, contact); err != nil {
		return nil, err
	}
	s.logger.Info("contact added", zap.String("contact", contact))
	return empty()
}

func (s *Service) RemoveContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	contact, err := fields(req.AsMap()).required("contact")
	if err != nil {
		return nil, err
	}
	if err := s.contacts.Remove(ctx, s.user, contact); err != nil {
		return nil, err
	}
	s.logger.Info("contact removed", zap.String("contact", contact))
	return empty()
}

func (s *Service) UpdateContactMetadata(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := fields(req.AsMap())
	contact, err := f.required("contact")
	if err != nil {
		return nil, err
	}
	if err := s.contacts.UpdateMetadata(ctx, s.user, contact, decodeMetadata(f.obj("metadata"))); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Service) SetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := fields(req.AsMap())
	if err := s.contacts.SetProfile(ctx, s.user, f.str("name"), f.str("avatar")); err != nil {
		return nil, err
	}
	return empty()
}

type contactsUpdate struct {
	list []model.Contact
	err  error
}

// WatchContacts streams the user's contacts once on subscribe and again after
// every change or presence recheck, until the client goes away.
func (s *Service) WatchContacts(_ *structpb.Struct, stream ViewStream) error {
	ctx := stream.Context()
	done := make(chan struct{})
	defer close(done)
	updates := make(chan contactsUpdate)
	unsubscribe := s.contacts.Subscribe(s.user, func(list []model.Contact, err error) {
		select {
		case updates <- contactsUpdate{list, err}:
		case <-done:
		}
	})
	defer unsubscribe()

	for {
		select {
		case u := <-updates:
			if u.err != nil {
				return u.err
			}
			out, err := toStruct(map[string]any{"contacts": encodeContacts(u.list)})
			if err != nil {
				return err
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes every open chat.
func (s *Service) Close() {
	s.mu.Lock()
	chats := s.chats
	s.chats = make(map[string]*chat.Session)
	s.mu.Unlock()
	for _, sess := range chats {
		sess.Close()
	}
	s.done.Wait()
}
