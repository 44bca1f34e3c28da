// Package keyedmutex provides per-key mutual exclusion.
//
// At most one operation runs per key at a time. Waiters are not queued in
// call order: when the holder finishes, any waiter may win. Callers must not
// re-enter the same key from inside a running operation; that deadlocks.
package keyedmutex

import (
	"context"
	"sync"
)

// Mutex serializes operations that share a key. The zero value is not usable;
// construct one with New and pass it down.
type Mutex struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// New creates an empty keyed mutex.
func New() *Mutex {
	return &Mutex{held: make(map[string]chan struct{})}
}

// Do runs fn while holding key. It returns fn's error unchanged, or ctx.Err()
// if ctx ends before the key becomes free.
func (m *Mutex) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := m.acquire(ctx, key); err != nil {
		return err
	}
	defer m.release(key)
	return fn(ctx)
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, m *Mutex, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, key, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Len reports how many keys are currently held.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *Mutex) acquire(ctx context.Context, key string) error {
	for {
		m.mu.Lock()
		done, busy := m.held[key]
		if !busy {
			m.held[key] = make(chan struct{})
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case <-done:
			// Holder finished; race the other waiters for the key.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mutex) release(key string) {
	m.mu.Lock()
	done := m.held[key]
	delete(m.held, key)
	m.mu.Unlock()
	close(done)
}
