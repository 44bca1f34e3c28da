package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's ChatSession service. Errors carry the
// chaterr sentinels, so callers test them with errors.Is.
type Client struct {
	conn *grpc.ClientConn
}

// StatusInfo describes the daemon.
type StatusInfo struct {
	Session   string
	User      string
	Uptime    time.Duration
	OpenChats []string
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (fields, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, chaterr.FromStatus(err)
	}
	return out.AsMap(), nil
}

func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	f, err := c.call(ctx, MethodStatus, nil)
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{
		Session:   f.str("session"),
		User:      f.str("user"),
		Uptime:    time.Duration(f.int("uptime_ms")) * time.Millisecond,
		OpenChats: decodeStrings(f.list("open_chats")),
	}, nil
}

// OpenChat opens the chat with contact on the daemon and returns its view.
func (c *Client) OpenChat(ctx context.Context, contact string) (View, error) {
	f, err := c.call(ctx, MethodOpenChat, map[string]any{"contact": contact})
	if err != nil {
		return View{}, err
	}
	return decodeView(f), nil
}

func (c *Client) CloseChat(ctx context.Context, contact string) error {
	_, err := c.call(ctx, MethodCloseChat, map[string]any{"contact": contact})
	return err
}

// SendMessage sends text. A send that failed after reaching the outbox comes
// back as an entry in state failed with a nil error; RetrySend re-drives it.
func (c *Client) SendMessage(ctx context.Context, contact, text string) (outbox.Entry, error) {
	return c.send(ctx, map[string]any{"contact": contact, "text": text})
}

// SendMedia sends a media reference with an optional caption.
func (c *Client) SendMedia(ctx context.Context, contact string, media model.Media, caption string) (outbox.Entry, error) {
	return c.send(ctx, map[string]any{
		"contact": contact,
		"text":    caption,
		"media": map[string]any{
			"kind":        string(media.Kind),
			"ref":         media.Ref,
			"duration_ms": media.Duration.Milliseconds(),
		},
	})
}

// QueueMessage hands text to the daemon's background sender.
func (c *Client) QueueMessage(ctx context.Context, contact, text string) (outbox.Entry, error) {
	return c.send(ctx, map[string]any{"contact": contact, "text": text, "queue": true})
}

func (c *Client) send(ctx context.Context, req map[string]any) (outbox.Entry, error) {
	f, err := c.call(ctx, MethodSendMessage, req)
	if err != nil {
		return outbox.Entry{}, err
	}
	return decodeEntry(f.obj("entry")), nil
}

func (c *Client) RetrySend(ctx context.Context, contact, clientID string) (outbox.Entry, error) {
	f, err := c.call(ctx, MethodRetrySend, map[string]any{"contact": contact, "client_id": clientID})
	if err != nil {
		return outbox.Entry{}, err
	}
	return decodeEntry(f.obj("entry")), nil
}

func (c *Client) EditMessage(ctx context.Context, contact, messageID, text string) error {
	_, err := c.call(ctx, MethodEditMessage, map[string]any{"contact": contact, "message_id": messageID, "text": text})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, contact, messageID string) error {
	_, err := c.call(ctx, MethodDeleteMessage, map[string]any{"contact": contact, "message_id": messageID})
	return err
}

// ForwardMessage copies a message from the chat with contact into the chat
// with to.
func (c *Client) ForwardMessage(ctx context.Context, contact, messageID, to string) (model.Message, error) {
	f, err := c.call(ctx, MethodForwardMessage, map[string]any{"contact": contact, "message_id": messageID, "to": to})
	if err != nil {
		return model.Message{}, err
	}
	return decodeMessage(f.obj("message")), nil
}

func (c *Client) MarkRead(ctx context.Context, contact, messageID string) error {
	_, err := c.call(ctx, MethodMarkRead, map[string]any{"contact": contact, "message_id": messageID})
	return err
}

// LoadMore loads the next older page into the chat's view and returns it.
func (c *Client) LoadMore(ctx context.Context, contact string) ([]model.Message, bool, error) {
	f, err := c.call(ctx, MethodLoadMore, map[string]any{"contact": contact})
	if err != nil {
		return nil, false, err
	}
	return decodeMessages(f.list("messages")), f.boolean("has_more"), nil
}

func (c *Client) Search(ctx context.Context, contact, query string) ([]model.Message, error) {
	f, err := c.call(ctx, MethodSearch, map[string]any{"contact": contact, "query": query})
	if err != nil {
		return nil, err
	}
	return decodeMessages(f.list("messages")), nil
}

func (c *Client) SetTyping(ctx context.Context, contact string, typing bool) error {
	_, err := c.call(ctx, MethodSetTyping, map[string]any{"contact": contact, "typing": typing})
	return err
}

func (c *Client) IsOnline(ctx context.Context, contact string) (Presence, error) {
	f, err := c.call(ctx, MethodIsOnline, map[string]any{"contact": contact})
	if err != nil {
		return Presence{}, err
	}
	return decodePresence(f), nil
}

func (c *Client) SoundEnabled(ctx context.Context) (bool, error) {
	f, err := c.call(ctx, MethodGetSettings, nil)
	if err != nil {
		return false, err
	}
	return f.boolean("sound_enabled"), nil
}

func (c *Client) SetSoundEnabled(ctx context.Context, enabled bool) error {
	_, err := c.call(ctx, MethodSetSoundEnabled, map[string]any{"enabled": enabled})
	return err
}

var watchChatDesc = grpc.StreamDesc{StreamName: MethodWatchChat, ServerStreams: true}

// WatchChat calls fn with the chat's view now and after every change, until
// ctx is done, the chat is closed, or fn returns an error.
func (c *Client) WatchChat(ctx context.Context, contact string, fn func(View) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	in, err := structpb.NewStruct(map[string]any{"contact": contact})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &watchChatDesc, fullMethod(MethodWatchChat))
	if err != nil {
		return chaterr.FromStatus(err)
	}
	if err := stream.SendMsg(in); err != nil {
		return chaterr.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		err := stream.RecvMsg(out)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return chaterr.FromStatus(err)
		}
		if err := fn(decodeView(out.AsMap())); err != nil {
			return err
		}
	}
}

// Contacts lists the daemon user's contacts with their presence.
func (c *Client) Contacts(ctx context.Context) ([]model.Contact, error) {
	f, err := c.call(ctx, MethodListContacts, nil)
	if err != nil {
		return nil, err
	}
	return decodeContacts(f.list("contacts")), nil
}

func (c *Client) AddContact(ctx context.Context, contact string) error {
	_, err := c.call(ctx, MethodAddContact, map[string]any{"contact": contact})
	return err
}

func (c *Client) RemoveContact(ctx context.Context, contact string) error {
	_, err := c.call(ctx, MethodRemoveContact, map[string]any{"contact": contact})
	return err
}

// UpdateContactMetadata merges md into the notes kept about contact. An empty
// value deletes its key.
func (c *Client) UpdateContactMetadata(ctx context.Context, contact string, md map[string]string) error {
	values := make(map[string]any, len(md))
	for k, v := range md {
		values[k] = v
	}
	_, err := c.call(ctx, MethodUpdateContactMetadata, map[string]any{"contact": contact, "metadata": values})
	return err
}

func (c *Client) SetProfile(ctx context.Context, name, avatar string) error {
	_, err := c.call(ctx, MethodSetProfile, map[string]any{"name": name, "avatar": avatar})
	return err
}

var watchContactsDesc = grpc.StreamDesc{StreamName: MethodWatchContacts, ServerStreams: true}

// WatchContacts calls fn with the contact list now and after every change,
// until ctx is done or fn returns an error.
func (c *Client) WatchContacts(ctx context.Context, fn func([]model.Contact) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.conn.NewStream(ctx, &watchContactsDesc, fullMethod(MethodWatchContacts))
	if err != nil {
		return chaterr.FromStatus(err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return chaterr.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		err := stream.RecvMsg(out)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return chaterr.FromStatus(err)
		}
		if err := fn(decodeContacts(fields(out.AsMap()).list("contacts"))); err != nil {
			return err
		}
	}
}
