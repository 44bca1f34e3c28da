package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Transact runs fn inside a SQLite transaction. Subscribers of every chat the
// transaction wrote to are notified after commit.
func (db *DB) Transact(ctx context.Context, fn func(tx remote.Tx) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	tx := &txn{ctx: ctx, tx: sqlTx, now: db.clock.Next()}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	for _, chatID := range tx.touched {
		db.bus.Notify(remote.MessagesTopic(chatID))
	}
	for _, id := range tx.users {
		db.bus.Notify(remote.UserTopic(id))
	}
	return nil
}

type txn struct {
	ctx     context.Context
	tx      *sql.Tx
	now     time.Time
	touched []string
	users   []string
}

func (tx *txn) touch(chatID string) {
	if !slices.Contains(tx.touched, chatID) {
		tx.touched = append(tx.touched, chatID)
	}
}

func (tx *txn) Now() time.Time { return tx.now }

func (tx *txn) GetChat(id string) (*model.Chat, error) {
	return getChat(tx.ctx, tx.tx, id)
}

func (tx *txn) PutChat(c *model.Chat) error {
	if err := putChat(tx.ctx, tx.tx, c); err != nil {
		return err
	}
	tx.touch(c.ID)
	return nil
}

func (tx *txn) GetMessage(chatID, id string) (*model.Message, error) {
	return getMessage(tx.ctx, tx.tx, chatID, id)
}

func (tx *txn) PutMessage(m *model.Message) error {
	if err := putMessage(tx.ctx, tx.tx, m); err != nil {
		return err
	}
	tx.touch(m.ChatID)
	return nil
}

func (tx *txn) GetUser(id string) (*model.User, error) {
	return getUser(tx.ctx, tx.tx, id)
}

func (tx *txn) PutUser(u *model.User) error {
	stored := u.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = tx.now
	}
	stored.UpdatedAt = tx.now
	if err := putUser(tx.ctx, tx.tx, stored); err != nil {
		return err
	}
	if !slices.Contains(tx.users, u.ID) {
		tx.users = append(tx.users, u.ID)
	}
	return nil
}

func (tx *txn) AddMessage(m *model.Message) (string, error) {
	if m.ClientID != "" {
		var id string
		err := tx.tx.QueryRowContext(tx.ctx,
			`SELECT id FROM messages WHERE chat_id = ? AND client_id = ?`, m.ChatID, m.ClientID).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", classify(fmt.Errorf("find client id: %w", err))
		}
	}
	stored := *m
	stored.ID = uuid.NewString()
	stored.CreatedAt = tx.now
	if err := tx.PutMessage(&stored); err != nil {
		return "", err
	}
	return stored.ID, nil
}
