package model

import (
	"encoding/base64"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

// Cursor points into a chat's message sequence at (CreatedAt, ID). A page
// fetched with a cursor holds only messages strictly older than it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether c is the empty cursor (start from the newest page).
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// Before reports whether c orders strictly before o, oldest first.
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// String encodes the cursor in its opaque wire form.
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a cursor produced by Cursor.String. The empty string
// decodes to the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, chaterr.Validationf("malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, chaterr.Validationf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, chaterr.Validationf("malformed cursor")
	}
	return Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// SortNewestFirst orders msgs by (CreatedAt, ID) descending.
func SortNewestFirst(msgs []Message) {
	sortMessages(msgs, true)
}

// SortOldestFirst orders msgs by (CreatedAt, ID) ascending.
func SortOldestFirst(msgs []Message) {
	sortMessages(msgs, false)
}

func sortMessages(msgs []Message, desc bool) {
	slices.SortFunc(msgs, func(a, b Message) int {
		ka, kb := a.Key(), b.Key()
		switch {
		case ka.Before(kb):
			if desc {
				return 1
			}
			return -1
		case kb.Before(ka):
			if desc {
				return -1
			}
			return 1
		}
		return 0
	})
}
