package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
)

const chatColumns = `id, participant_a, participant_b, created_at, updated_at,
	last_message_id, last_message_text, last_message_sender, last_message_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanChat(row rowScanner) (*model.Chat, error) {
	var (
		c                    model.Chat
		created, updated     int64
		lmID, lmText, lmFrom string
		lmAt                 int64
	)
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &created, &updated,
		&lmID, &lmText, &lmFrom, &lmAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	if lmAt != 0 {
		c.LastMessage = &model.LastMessage{
			MessageID: lmID,
			Text:      lmText,
			SenderID:  lmFrom,
			CreatedAt: fromNanos(lmAt),
		}
	}
	return &c, nil
}

func getChat(ctx context.Context, q queryer, id string) (*model.Chat, error) {
	c, err := scanChat(q.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("chat %q", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get chat: %w", err))
	}
	return c, nil
}

func putChat(ctx context.Context, q queryer, c *model.Chat) error {
	var lm model.LastMessage
	if c.LastMessage != nil {
		lm = *c.LastMessage
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_a = excluded.participant_a,
			participant_b = excluded.participant_b,
			updated_at = excluded.updated_at,
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_sender = excluded.last_message_sender,
			last_message_at = excluded.last_message_at`,
		c.ID, c.Participants[0], c.Participants[1], nanos(c.CreatedAt), nanos(c.UpdatedAt),
		lm.MessageID, lm.Text, lm.SenderID, nanos(lm.CreatedAt),
	)
	if err != nil {
		return classify(fmt.Errorf("put chat: %w", err))
	}
	return nil
}

// GetChat returns the chat or chaterr.ErrNotFound.
func (db *DB) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	return getChat(ctx, db.DB, id)
}

// CreateChat inserts c if its ID is unused.
func (db *DB) CreateChat(ctx context.Context, c *model.Chat) (bool, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	now := nanos(db.clock.Next())
	res, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chats (id, participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Participants[0], c.Participants[1], now, now,
	)
	if err != nil {
		return false, classify(fmt.Errorf("create chat: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create chat: %w", err)
	}
	return n > 0, nil
}
