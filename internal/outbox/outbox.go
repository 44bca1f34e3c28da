// Package outbox tracks the sends of one session so a caller can tell a
// message that is still going out from one that failed, and re-drive failures
// with their original idempotency key.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// State is where an entry is in its send.
type State string

const (
	StateQueued  State = "queued"
	StateSending State = "sending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Bus topics published by the outbox.
const (
	TopicSending    = "message.sending"
	TopicSendAck    = "message.send_ack"
	TopicSendFailed = "message.send_failed"
)

// Entry is one local send.
type Entry struct {
	ClientID  string
	ChatID    string
	Body      model.Body
	Metadata  model.Metadata
	State     State
	MessageID string // set once sent
	Error     string // set when failed
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageSender writes a message to the store. messages.Store implements it.
type MessageSender interface {
	Send(ctx context.Context, chatID string, draft messages.Draft, senderID string) (string, error)
}

// Outbox sends messages on behalf of one user.
type Outbox struct {
	sender   MessageSender
	senderID string
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	order   []string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an outbox sending as senderID.
func New(sender MessageSender, senderID string, b *bus.Bus, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		sender:   sender,
		senderID: senderID,
		bus:      b,
		logger:   logger,
		interval: 500 * time.Millisecond,
		entries:  make(map[string]*Entry),
	}
}

// Send records a new entry and sends it before returning. Validation errors
// are returned without keeping an entry; any other failure leaves the entry in
// StateFailed.
func (o *Outbox) Send(ctx context.Context, chatID string, body model.Body, md model.Metadata) (Entry, error) {
	e := o.add(chatID, body, md, StateSending)
	return o.send(ctx, e.ClientID)
}

// Enqueue records a new entry for the background loop started by Start and
// returns its client id.
func (o *Outbox) Enqueue(chatID string, body model.Body, md model.Metadata) string {
	return o.add(chatID, body, md, StateQueued).ClientID
}

// Retry re-sends a failed entry with its original client id, so a send that
// did reach the store is not written twice.
func (o *Outbox) Retry(ctx context.Context, clientID string) (Entry, error) {
	if err := o.claim(clientID, StateFailed); err != nil {
		return Entry{}, err
	}
	return o.send(ctx, clientID)
}

// Get returns a copy of one entry.
func (o *Outbox) Get(clientID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[clientID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns every entry, oldest first.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.entries[id])
	}
	return out
}

// Start begins draining queued entries in the background.
func (o *Outbox) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go o.loop(ctx)
}

// Stop stops the background loop and waits for it to exit.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
}

func (o *Outbox) loop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.processQueued(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Outbox) processQueued(ctx context.Context) {
	for _, id := range o.queued() {
		if ctx.Err() != nil {
			return
		}
		if o.claim(id, StateQueued) != nil {
			continue
		}
		_, _ = o.send(ctx, id)
	}
}

func (o *Outbox) queued() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for _, id := range o.order {
		if o.entries[id].State == StateQueued {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Outbox) add(chatID string, body model.Body, md model.Metadata, state State) *Entry {
	now := time.Now()
	e := &Entry{
		ClientID:  uuid.NewString(),
		ChatID:    chatID,
		Body:      body,
		Metadata:  md,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if state == StateSending {
		e.Attempts = 1
	}
	o.mu.Lock()
	o.entries[e.ClientID] = e
	o.order = append(o.order, e.ClientID)
	o.mu.Unlock()
	return e
}

// claim moves an entry from state from to StateSending.
func (o *Outbox) claim(clientID string, from State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[clientID]
	if !ok {
		return chaterr.NotFoundf("outbox entry %q", clientID)
	}
	if e.State != from {
		return chaterr.Validationf("entry %q is %s, want %s", clientID, e.State, from)
	}
	e.State = StateSending
	e.Attempts++
	e.Error = ""
	e.UpdatedAt = time.Now()
	return nil
}

// send writes a claimed entry and records the outcome.
func (o *Outbox) send(ctx context.Context, clientID string) (Entry, error) {
	o.mu.Lock()
	e := o.entries[clientID]
	draft := messages.Draft{ClientID: e.ClientID, Body: e.Body, Metadata: e.Metadata}
	chatID := e.ChatID
	o.mu.Unlock()

	o.publish(TopicSending, map[string]string{"client_id": clientID, "chat_id": chatID})

	msgID, err := o.sender.Send(ctx, chatID, draft, o.senderID)

	o.mu.Lock()
	e.UpdatedAt = time.Now()
	switch {
	case err == nil:
		e.State = StateSent
		e.MessageID = msgID
	case errors.Is(err, chaterr.ErrValidation):
		o.remove(clientID)
	default:
		e.State = StateFailed
		e.Error = err.Error()
	}
	snapshot := *e
	o.mu.Unlock()

	if err != nil {
		o.logger.Error("failed to send message", zap.Error(err), zap.String("client_id", clientID))
		o.publish(TopicSendFailed, map[string]string{
			"client_id": clientID,
			"chat_id":   chatID,
			"error":     err.Error(),
		})
		return snapshot, err
	}
	o.logger.Info("message sent", zap.String("client_id", clientID), zap.String("msg_id", msgID))
	o.publish(TopicSendAck, map[string]string{
		"client_id": clientID,
		"chat_id":   chatID,
		"msg_id":    msgID,
	})
	return snapshot, nil
}

// remove drops an entry; o.mu must be held.
func (o *Outbox) remove(clientID string) {
	delete(o.entries, clientID)
	for i, id := range o.order {
		if id == clientID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

func (o *Outbox) publish(topic string, payload map[string]string) {
	if o.bus != nil {
		o.bus.Publish(bus.Event{Topic: topic, Payload: payload})
	}
}
