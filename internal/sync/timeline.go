// Package sync merges the live newest page of a chat with the older pages
// loaded on demand into one ordered, de-duplicated view.
package sync

import (
	gosync "sync"

	"github.com/matheus3301/chatsync/internal/model"
)

// Timeline is the set of messages one screen has seen. Ingestion is
// idempotent: a message is stored once per id, and the live feed's copy of a
// message always replaces an older one.
type Timeline struct {
	mu       gosync.Mutex
	pageSize int
	byID     map[string]model.Message
	live     map[string]bool

	cursor  model.Cursor
	paged   bool
	hasMore bool
}

// NewTimeline creates an empty timeline for pages of pageSize messages.
func NewTimeline(pageSize int) *Timeline {
	return &Timeline{
		pageSize: pageSize,
		byID:     make(map[string]model.Message),
		live:     make(map[string]bool),
		hasMore:  true,
	}
}

// ApplySnapshot ingests a full live snapshot (newest page). Messages that
// scrolled out of the live window are kept.
//
// A full snapshot lying entirely above every message held means more than a
// page arrived between deliveries. Paging then restarts below the snapshot so
// LoadMore walks the messages in between.
func (t *Timeline) ApplySnapshot(msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gap := len(t.byID) > 0 && len(msgs) > 0 && len(msgs) >= t.pageSize &&
		t.newestLocked().Before(msgs[len(msgs)-1].Key())

	clear(t.live)
	for _, m := range msgs {
		t.byID[m.ID] = m
		t.live[m.ID] = true
	}
	switch {
	case gap:
		t.cursor = msgs[len(msgs)-1].Key()
		t.paged = true
		t.hasMore = true
	case !t.paged:
		t.hasMore = len(msgs) >= t.pageSize
	}
}

// newestLocked returns the key of the newest message held.
func (t *Timeline) newestLocked() model.Cursor {
	var newest model.Cursor
	for _, m := range t.byID {
		if k := m.Key(); newest.IsZero() || newest.Before(k) {
			newest = k
		}
	}
	return newest
}

// AppendPage ingests an older page fetched with Cursor and records where the
// next one starts. Messages already delivered by the live feed keep their
// live copy. It returns how many messages were new.
func (t *Timeline) AppendPage(msgs []model.Message, hasMore bool, next model.Cursor) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if t.live[m.ID] {
			continue
		}
		if _, ok := t.byID[m.ID]; !ok {
			added++
		}
		t.byID[m.ID] = m
	}
	t.paged = true
	t.hasMore = hasMore
	if !next.IsZero() {
		t.cursor = next
	}
	return added
}

// Cursor is where the next older page starts: the cursor of the last page,
// or the oldest message seen when no page has been loaded.
func (t *Timeline) Cursor() model.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paged && !t.cursor.IsZero() {
		return t.cursor
	}
	var oldest model.Cursor
	for _, m := range t.byID {
		if k := m.Key(); oldest.IsZero() || k.Before(oldest) {
			oldest = k
		}
	}
	return oldest
}

// HasMore reports whether older messages may exist.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Messages returns every message seen, newest first.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	out := make([]model.Message, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m)
	}
	t.mu.Unlock()

	model.SortNewestFirst(out)
	return out
}

