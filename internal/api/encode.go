package api

import (
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"google.golang.org/protobuf/types/known/structpb"
)

// View is what WatchChat streams and OpenChat returns: the client's picture
// of one open chat.
type View struct {
	ChatID   string
	Contact  string
	Messages []model.Message // newest first
	HasMore  bool
	Typing   []string
	Presence Presence
	Outbox   []outbox.Entry
}

// Presence is a contact's derived presence.
type Presence struct {
	State    presence.State
	LastSeen time.Time
}

func (p Presence) Online() bool { return p.State.IsOnline() }

// fields reads a decoded Struct. JSON numbers arrive as float64.
type fields map[string]any

func (f fields) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f fields) boolean(key string) bool {
	b, _ := f[key].(bool)
	return b
}

func (f fields) int(key string) int64 {
	n, _ := f[key].(float64)
	return int64(n)
}

func (f fields) time(key string) time.Time {
	ms := f.int(key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (f fields) obj(key string) fields {
	m, _ := f[key].(map[string]any)
	return m
}

func (f fields) list(key string) []any {
	l, _ := f[key].([]any)
	return l
}

func (f fields) required(key string) (string, error) {
	s := f.str(key)
	if s == "" {
		return "", chaterr.Validationf("%s is required", key)
	}
	return s, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeMessage(m model.Message) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"chat_id":    m.ChatID,
		"sender_id":  m.SenderID,
		"client_id":  m.ClientID,
		"text":       m.Body.Text,
		"created_at": millis(m.CreatedAt),
		"status":     string(m.Status),
		"read_at":    millis(m.ReadAt),
		"edited":     m.Edited,
		"edited_at":  millis(m.EditedAt),
		"deleted":    m.Deleted,
		"deleted_at": millis(m.DeletedAt),
		"forwarded":  m.Forwarded,
		"device":     m.Metadata.Device,
	}
	if m.Body.Media != nil {
		out["media"] = map[string]any{
			"kind":        string(m.Body.Media.Kind),
			"ref":         m.Body.Media.Ref,
			"duration_ms": m.Body.Media.Duration.Milliseconds(),
		}
	}
	if m.Forwarded {
		out["original_chat_id"] = m.OriginalChatID
		out["original_message_id"] = m.OriginalMessageID
	}
	return out
}

func decodeMessage(f fields) model.Message {
	m := model.Message{
		ID:                f.str("id"),
		ChatID:            f.str("chat_id"),
		SenderID:          f.str("sender_id"),
		ClientID:          f.str("client_id"),
		Body:              model.Body{Text: f.str("text")},
		CreatedAt:         f.time("created_at"),
		Status:            model.Status(f.str("status")),
		ReadAt:            f.time("read_at"),
		Edited:            f.boolean("edited"),
		EditedAt:          f.time("edited_at"),
		Deleted:           f.boolean("deleted"),
		DeletedAt:         f.time("deleted_at"),
		Forwarded:         f.boolean("forwarded"),
		OriginalChatID:    f.str("original_chat_id"),
		OriginalMessageID: f.str("original_message_id"),
		Metadata:          model.Metadata{Device: f.str("device")},
	}
	if media := f.obj("media"); media != nil {
		m.Body.Media = decodeMedia(media)
	}
	return m
}

func decodeMedia(f fields) *model.Media {
	return &model.Media{
		Kind:     model.MediaKind(f.str("kind")),
		Ref:      f.str("ref"),
		Duration: time.Duration(f.int("duration_ms")) * time.Millisecond,
	}
}

func encodeMessages(msgs []model.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = encodeMessage(m)
	}
	return out
}

func decodeMessages(l []any) []model.Message {
	out := make([]model.Message, 0, len(l))
	for _, v := range l {
		if m, ok := v.(map[string]any); ok {
			out = append(out, decodeMessage(m))
		}
	}
	return out
}

func encodeEntry(e outbox.Entry) map[string]any {
	return map[string]any{
		"client_id":  e.ClientID,
		"chat_id":    e.ChatID,
		"text":       e.Body.Text,
		"state":      string(e.State),
		"message_id": e.MessageID,
		"error":      e.Error,
		"attempts":   e.Attempts,
		"created_at": millis(e.CreatedAt),
		"updated_at": millis(e.UpdatedAt),
	}
}

func decodeEntry(f fields) outbox.Entry {
	return outbox.Entry{
		ClientID:  f.str("client_id"),
		ChatID:    f.str("chat_id"),
		Body:      model.Body{Text: f.str("text")},
		State:     outbox.State(f.str("state")),
		MessageID: f.str("message_id"),
		Error:     f.str("error"),
		Attempts:  int(f.int("attempts")),
		CreatedAt: f.time("created_at"),
		UpdatedAt: f.time("updated_at"),
	}
}

func encodePresence(p Presence) map[string]any {
	return map[string]any{
		"state":     string(p.State),
		"last_seen": millis(p.LastSeen),
		"online":    p.Online(),
	}
}

func decodePresence(f fields) Presence {
	return Presence{State: presence.State(f.str("state")), LastSeen: f.time("last_seen")}
}

func encodeStrings(l []string) []any {
	out := make([]any, len(l))
	for i, s := range l {
		out[i] = s
	}
	return out
}

func decodeStrings(l []any) []string {
	out := make([]string, 0, len(l))
	for _, v := range l {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func encodeView(v View) map[string]any {
	entries := make([]any, len(v.Outbox))
	for i, e := range v.Outbox {
		entries[i] = encodeEntry(e)
	}
	return map[string]any{
		"chat_id":  v.ChatID,
		"contact":  v.Contact,
		"messages": encodeMessages(v.Messages),
		"has_more": v.HasMore,
		"typing":   encodeStrings(v.Typing),
		"presence": encodePresence(v.Presence),
		"outbox":   entries,
	}
}

func decodeView(f fields) View {
	v := View{
		ChatID:   f.str("chat_id"),
		Contact:  f.str("contact"),
		Messages: decodeMessages(f.list("messages")),
		HasMore:  f.boolean("has_more"),
		Typing:   decodeStrings(f.list("typing")),
		Presence: decodePresence(f.obj("presence")),
	}
	for _, e := range f.list("outbox") {
		if m, ok := e.(map[string]any); ok {
			v.Outbox = append(v.Outbox, decodeEntry(m))
		}
	}
	return v
}

func encodeContacts(list []model.Contact) []any {
	out := make([]any, len(list))
	for i, c := range list {
		md := make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			md[k] = v
		}
		out[i] = map[string]any{
			"id":        c.ID,
			"name":      c.Name,
			"avatar":    c.Avatar,
			"online":    c.Online,
			"last_seen": millis(c.LastSeen),
			"metadata":  md,
		}
	}
	return out
}

func decodeContacts(l []any) []model.Contact {
	out := make([]model.Contact, 0, len(l))
	for _, v := range l {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		f := fields(m)
		c := model.Contact{
			ID:       f.str("id"),
			Name:     f.str("name"),
			Avatar:   f.str("avatar"),
			Online:   f.boolean("online"),
			LastSeen: f.time("last_seen"),
		}
		if md := decodeMetadata(f.obj("metadata")); len(md) > 0 {
			c.Metadata = md
		}
		out = append(out, c)
	}
	return out
}

// decodeMetadata keeps string values only. A null value decodes as "", which
// the contact book treats as a deletion.
func decodeMetadata(f fields) map[string]string {
	out := make(map[string]string, len(f))
	for k, v := range f {
		s, _ := v.(string)
		out[k] = s
	}
	return out
}

// toStruct builds a response. Values must be of the kinds structpb.NewValue
// accepts.
func toStruct(m map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(m)
}
