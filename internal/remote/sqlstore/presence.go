package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// SetPresence merges rec into the subject's record.
func (db *DB) SetPresence(ctx context.Context, rec model.PresenceRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO presence (subject_id, state, last_seen, device)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			state = excluded.state,
			last_seen = excluded.last_seen,
			device = CASE WHEN excluded.device != '' THEN excluded.device ELSE presence.device END`,
		rec.SubjectID, string(rec.State), nanos(db.clock.Next()), rec.Device,
	)
	if err != nil {
		return classify(fmt.Errorf("set presence: %w", err))
	}
	db.bus.Notify(remote.PresenceTopic(rec.SubjectID))
	return nil
}

// GetPresence returns the subject's record or chaterr.ErrNotFound.
func (db *DB) GetPresence(ctx context.Context, subjectID string) (*model.PresenceRecord, error) {
	var (
		rec      = model.PresenceRecord{SubjectID: subjectID}
		state    string
		lastSeen int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT state, last_seen, device FROM presence WHERE subject_id = ?`, subjectID,
	).Scan(&state, &lastSeen, &rec.Device)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("presence of %q", subjectID)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get presence: %w", err))
	}
	rec.State = model.PresenceState(state)
	rec.LastSeen = fromNanos(lastSeen)
	return &rec, nil
}

// SubscribePresence feeds the subject's record to fn; nil means no record yet.
func (db *DB) SubscribePresence(subjectID string, fn func(*model.PresenceRecord, error)) func() {
	return remote.Watch(db.bus, remote.PresenceTopic(subjectID), func(ctx context.Context) (*model.PresenceRecord, error) {
		rec, err := db.GetPresence(ctx, subjectID)
		if errors.Is(err, chaterr.ErrNotFound) {
			return nil, nil
		}
		return rec, err
	}, fn)
}

// SetTyping sets or clears userID's typing flag in a chat.
func (db *DB) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	var err error
	if typing {
		_, err = db.ExecContext(ctx, `
			INSERT INTO typing (chat_id, user_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(chat_id, user_id) DO UPDATE SET updated_at = excluded.updated_at`,
			chatID, userID, nanos(db.clock.Next()))
	} else {
		_, err = db.ExecContext(ctx, `DELETE FROM typing WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	}
	if err != nil {
		return classify(fmt.Errorf("set typing: %w", err))
	}
	db.bus.Notify(remote.TypingTopic(chatID))
	return nil
}

// SubscribeTyping feeds the sorted ids of users typing in a chat to fn.
func (db *DB) SubscribeTyping(chatID string, fn func([]string, error)) func() {
	return remote.Watch(db.bus, remote.TypingTopic(chatID), func(ctx context.Context) ([]string, error) {
		cutoff := db.clock.Now().Add(-remote.TypingTTL)
		rows, err := db.QueryContext(ctx,
			`SELECT user_id FROM typing WHERE chat_id = ? AND updated_at > ? ORDER BY user_id`,
			chatID, nanos(cutoff))
		if err != nil {
			return nil, classify(fmt.Errorf("list typing: %w", err))
		}
		defer func() { _ = rows.Close() }()
		var users []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan typing: %w", err)
			}
			users = append(users, id)
		}
		return users, rows.Err()
	}, fn)
}
