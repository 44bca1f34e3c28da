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

func getUser(ctx context.Context, q queryer, id string) (*model.User, error) {
	u := model.User{ID: id}
	var created, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT name, avatar, created_at, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.Name, &u.Avatar, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("user %q", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get user: %w", err))
	}
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)

	if u.Contacts, err = listContacts(ctx, q, id); err != nil {
		return nil, err
	}
	if u.ContactMetadata, err = listContactMetadata(ctx, q, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func listContacts(ctx context.Context, q queryer, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT contact_id FROM contacts WHERE user_id = ? ORDER BY position`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("list contacts: %w", err))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("list contacts: %w", err))
	}
	return out, nil
}

func listContactMetadata(ctx context.Context, q queryer, userID string) (map[string]map[string]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT contact_id, key, value FROM contact_metadata WHERE user_id = ?`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("list contact metadata: %w", err))
	}
	defer rows.Close()
	var out map[string]map[string]string
	for rows.Next() {
		var contact, key, value string
		if err := rows.Scan(&contact, &key, &value); err != nil {
			return nil, fmt.Errorf("scan contact metadata: %w", err)
		}
		if out == nil {
			out = make(map[string]map[string]string)
		}
		if out[contact] == nil {
			out[contact] = make(map[string]string)
		}
		out[contact][key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("list contact metadata: %w", err))
	}
	return out, nil
}

// putUser replaces the user row and rewrites its contact list and metadata.
func putUser(ctx context.Context, q queryer, u *model.User) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, name, avatar, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Avatar, nanos(u.CreatedAt), nanos(u.UpdatedAt),
	)
	if err != nil {
		return classify(fmt.Errorf("put user: %w", err))
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM contacts WHERE user_id = ?`, u.ID); err != nil {
		return classify(fmt.Errorf("clear contacts: %w", err))
	}
	for i, c := range u.Contacts {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO contacts (user_id, contact_id, position) VALUES (?, ?, ?)`, u.ID, c, i,
		); err != nil {
			return classify(fmt.Errorf("put contact: %w", err))
		}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM contact_metadata WHERE user_id = ?`, u.ID); err != nil {
		return classify(fmt.Errorf("clear contact metadata: %w", err))
	}
	for contact, md := range u.ContactMetadata {
		for key, value := range md {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO contact_metadata (user_id, contact_id, key, value) VALUES (?, ?, ?, ?)`,
				u.ID, contact, key, value,
			); err != nil {
				return classify(fmt.Errorf("put contact metadata: %w", err))
			}
		}
	}
	return nil
}

// GetUser returns the user or chaterr.ErrNotFound.
func (db *DB) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, db.DB, id)
}

// CreateUser inserts u if its ID is unused.
func (db *DB) CreateUser(ctx context.Context, u *model.User) (bool, error) {
	created := false
	err := db.Transact(ctx, func(tx remote.Tx) error {
		if _, err := tx.GetUser(u.ID); err == nil {
			return nil
		} else if !errors.Is(err, chaterr.ErrNotFound) {
			return err
		}
		stored := u.Clone()
		stored.CreatedAt = tx.Now()
		created = true
		return tx.PutUser(stored)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// SubscribeUser feeds the user document to fn; nil means no such user.
func (db *DB) SubscribeUser(id string, fn func(*model.User, error)) func() {
	return remote.Watch(db.bus, remote.UserTopic(id), func(ctx context.Context) (*model.User, error) {
		u, err := db.GetUser(ctx, id)
		if errors.Is(err, chaterr.ErrNotFound) {
			return nil, nil
		}
		return u, err
	}, fn)
}
