package remote

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestWatchDeliversInitialAndOnChange(t *testing.T) {
	b := bus.New()
	var version atomic.Int32
	got := make(chan int32, 10)

	stop := Watch(b, "messages/a_b", func(context.Context) (int32, error) {
		return version.Load(), nil
	}, func(v int32, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got <- v
	})
	defer stop()

	if v := <-got; v != 0 {
		t.Fatalf("initial delivery = %d, want 0", v)
	}

	version.Store(1)
	b.Notify("messages/a_b")

	select {
	case v := <-got:
		if v != 1 {
			t.Errorf("delivery after change = %d, want 1", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change delivery")
	}
}

func TestWatchStopIsIdempotentAndSilences(t *testing.T) {
	b := bus.New()
	var calls atomic.Int32
	first := make(chan struct{}, 1)

	stop := Watch(b, PresenceTopic("alice"), func(context.Context) (string, error) {
		return "x", nil
	}, func(string, error) {
		calls.Add(1)
		select {
		case first <- struct{}{}:
		default:
		}
	})
	<-first
	stop()
	stop()

	b.Notify(PresenceTopic("alice"))
	time.Sleep(50 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 (no delivery after stop)", n)
	}
	if b.Len() != 0 {
		t.Errorf("bus subscriptions = %d, want 0", b.Len())
	}
}

func TestWatchIgnoresLongerIDs(t *testing.T) {
	b := bus.New()
	var loads atomic.Int32
	first := make(chan struct{}, 1)

	stop := Watch(b, MessagesTopic("alice_bob"), func(context.Context) (int32, error) {
		return loads.Add(1), nil
	}, func(int32, error) {
		select {
		case first <- struct{}{}:
		default:
		}
	})
	defer stop()
	<-first

	b.Notify(MessagesTopic("alice_bobby"))
	b.Notify(PresenceTopic("alice_bob"))
	time.Sleep(50 * time.Millisecond)

	if n := loads.Load(); n != 1 {
		t.Errorf("loads = %d, want 1 (no reload for other topics)", n)
	}
}

func TestClockStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return fixed })
	a, b := c.Next(), c.Next()
	if !b.After(a) {
		t.Errorf("Next() = %v then %v, want strictly increasing", a, b)
	}
}
