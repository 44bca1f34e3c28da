package remote

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Watch runs load once immediately and again after every event published on
// topic, handing each result to fn. Deliveries are sequential. The returned
// function stops the feed and may be called any number of times; fn is not
// invoked once a stop has been observed.
func Watch[T any](b *bus.Bus, topic string, load func(ctx context.Context) (T, error), fn func(T, error)) (stop func()) {
	events, cancelSub := b.Subscribe(topic, 1)
	ctx, cancel := context.WithCancel(context.Background())
	var stopped atomic.Bool

	deliver := func() {
		v, err := load(ctx)
		if stopped.Load() || ctx.Err() != nil {
			return
		}
		fn(v, err)
	}

	go func() {
		deliver()
		for range events {
			deliver()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			cancel()
			cancelSub()
		})
	}
}

// Topics used by the store implementations. Each ends in the separator so a
// subscription to one id never matches a longer id sharing its prefix.
func MessagesTopic(chatID string) string { return bus.Topic("messages", chatID, "") }
func PresenceTopic(subject string) string { return bus.Topic("presence", subject, "") }
func TypingTopic(chatID string) string { return bus.Topic("typing", chatID, "") }
func UserTopic(userID string) string { return bus.Topic("users", userID, "") }
