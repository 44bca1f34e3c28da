package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

const messageColumns = `chat_id, id, sender_id, client_id, body,
	media_kind, media_ref, media_duration_ms, created_at, status, read_at,
	edited, edited_at, deleted, deleted_at,
	forwarded, original_chat_id, original_message_id,
	device, app_version, client_sent_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m                                    model.Message
		mediaKind, mediaRef, status          string
		mediaMillis                          int64
		created, readAt, editedAt, deletedAt int64
		clientSentAt                         int64
	)
	if err := row.Scan(&m.ChatID, &m.ID, &m.SenderID, &m.ClientID, &m.Body.Text,
		&mediaKind, &mediaRef, &mediaMillis, &created, &status, &readAt,
		&m.Edited, &editedAt, &m.Deleted, &deletedAt,
		&m.Forwarded, &m.OriginalChatID, &m.OriginalMessageID,
		&m.Metadata.Device, &m.Metadata.AppVersion, &clientSentAt); err != nil {
		return nil, err
	}
	if mediaKind != "" {
		m.Body.Media = &model.Media{
			Kind:     model.MediaKind(mediaKind),
			Ref:      mediaRef,
			Duration: time.Duration(mediaMillis) * time.Millisecond,
		}
	}
	m.Status = model.Status(status)
	m.CreatedAt = fromNanos(created)
	m.ReadAt = fromNanos(readAt)
	m.EditedAt = fromNanos(editedAt)
	m.DeletedAt = fromNanos(deletedAt)
	m.Metadata.ClientSentAt = fromNanos(clientSentAt)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func getMessage(ctx context.Context, q queryer, chatID, id string) (*model.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND id = ?`, chatID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("message %q in chat %q", id, chatID)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get message: %w", err))
	}
	return m, nil
}

func putMessage(ctx context.Context, q queryer, m *model.Message) error {
	var media model.Media
	if m.Body.Media != nil {
		media = *m.Body.Media
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, id) DO UPDATE SET
			body = excluded.body,
			media_kind = excluded.media_kind,
			media_ref = excluded.media_ref,
			media_duration_ms = excluded.media_duration_ms,
			status = excluded.status,
			read_at = excluded.read_at,
			edited = excluded.edited,
			edited_at = excluded.edited_at,
			deleted = excluded.deleted,
			deleted_at = excluded.deleted_at`,
		m.ChatID, m.ID, m.SenderID, m.ClientID, m.Body.Text,
		string(media.Kind), media.Ref, media.Duration.Milliseconds(), nanos(m.CreatedAt), string(m.Status), nanos(m.ReadAt),
		m.Edited, nanos(m.EditedAt), m.Deleted, nanos(m.DeletedAt),
		m.Forwarded, m.OriginalChatID, m.OriginalMessageID,
		m.Metadata.Device, m.Metadata.AppVersion, nanos(m.Metadata.ClientSentAt),
	)
	if err != nil {
		return classify(fmt.Errorf("put message: %w", err))
	}
	return nil
}

// GetMessage returns the message or chaterr.ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, chatID, id string) (*model.Message, error) {
	return getMessage(ctx, db.DB, chatID, id)
}

// ListMessages returns one page, newest first.
func (db *DB) ListMessages(ctx context.Context, q remote.Query) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = ?`
	args := []any{q.ChatID}
	if !q.Before.IsZero() {
		ts := nanos(q.Before.CreatedAt)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ts, ts, q.Before.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list messages: %w", err))
	}
	return scanMessages(rows)
}

// SearchMessages runs a text prefix range query over non-deleted messages.
func (db *DB) SearchMessages(ctx context.Context, chatID, prefix string, limit int) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE chat_id = ? AND deleted = 0 AND body >= ? AND body <= ?
		ORDER BY created_at DESC, id DESC`
	args := []any{chatID, prefix, prefix + remote.PrefixEnd}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("search messages: %w", err))
	}
	return scanMessages(rows)
}

// SubscribeMessages feeds the newest limit messages of a chat to fn.
func (db *DB) SubscribeMessages(chatID string, limit int, fn func([]model.Message, error)) func() {
	return remote.Watch(db.bus, remote.MessagesTopic(chatID), func(ctx context.Context) ([]model.Message, error) {
		return db.ListMessages(ctx, remote.Query{ChatID: chatID, Limit: limit})
	}, fn)
}
