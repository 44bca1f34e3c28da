// Package sqlstore is a remote.Store on SQLite. It emulates the hosted
// document store locally: server timestamps come from a monotonic clock and
// change notifications are published on a bus after each commit.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite connection pool.
type DB struct {
	*sql.DB

	clock *remote.Clock
	bus   *bus.Bus
	// txMu serializes writers; SQLite allows one at a time anyway and this
	// keeps them from spinning on SQLITE_BUSY.
	txMu sync.Mutex
}

// Option configures a DB.
type Option func(*DB)

// WithClock sets the source of server timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.clock = remote.NewClock(now) }
}

// WithBus shares a bus for change notifications.
func WithBus(b *bus.Bus) Option {
	return func(db *DB) { db.bus = b }
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts ...Option) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := &DB{DB: sqlDB}
	for _, opt := range opts {
		opt(db)
	}
	if db.clock == nil {
		db.clock = remote.NewClock(nil)
	}
	if db.bus == nil {
		db.bus = bus.New()
	}
	return db, nil
}

var _ remote.Store = (*DB)(nil)

// classify marks lock contention as transient so callers retry it.
func classify(err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked) {
		return chaterr.Transient(err)
	}
	return err
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
