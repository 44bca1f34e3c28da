package messages

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// DefaultCacheTTL is how long a fetched message stays cached.
const DefaultCacheTTL = 5 * time.Minute

// cache holds messages by "{chatId}:{messageId}". Each entry carries its own
// eviction timer.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	msg   model.Message
	timer *time.Timer
}

func newCache(ttl time.Duration) *cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &cache{ttl: ttl, entries: make(map[string]*cacheEntry)}
}

func cacheKey(chatID, messageID string) string {
	return chatID + ":" + messageID
}

func (c *cache) get(key string) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return model.Message{}, false
	}
	return e.msg, true
}

func (c *cache) put(key string, msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}
	e := &cacheEntry{msg: msg}
	e.timer = time.AfterFunc(c.ttl, func() { c.evict(key, e) })
	c.entries[key] = e
}

// evict removes key only if it still maps to e; a newer put owns the slot.
func (c *cache) evict(key string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
}

func (c *cache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.timer.Stop()
		delete(c.entries, key)
	}
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, key)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
