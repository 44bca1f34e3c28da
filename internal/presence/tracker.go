// Package presence publishes the local user's heartbeats and derives the
// online state of contacts from theirs.
package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultRecheckInterval   = 15 * time.Second
)

// offlineTimeout bounds the best-effort offline write on stop.
const offlineTimeout = 5 * time.Second

// Lifecycle is an application lifecycle transition.
type Lifecycle int

const (
	Foreground Lifecycle = iota
	Background
	Terminating
)

func (l Lifecycle) String() string {
	switch l {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	case Terminating:
		return "terminating"
	}
	return "unknown"
}

// Update is delivered to presence subscribers.
type Update struct {
	ContactID string
	State     State
	LastSeen  time.Time
}

// Online reports whether the contact counts as online.
func (u Update) Online() bool { return u.State.IsOnline() }

// Tracker writes and observes presence records.
type Tracker struct {
	backend   remote.PresenceBackend
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time
	device    string
	heartbeat time.Duration
	recheck   time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the observer's clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithIntervals overrides the heartbeat and recheck periods. Zero keeps the
// default.
func WithIntervals(heartbeat, recheck time.Duration) Option {
	return func(t *Tracker) {
		if heartbeat > 0 {
			t.heartbeat = heartbeat
		}
		if recheck > 0 {
			t.recheck = recheck
		}
	}
}

// WithDevice names the device written with heartbeats.
func WithDevice(device string) Option {
	return func(t *Tracker) { t.device = device }
}

// NewTracker creates a Tracker.
func NewTracker(backend remote.PresenceBackend, b *bus.Bus, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		backend:   backend,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		heartbeat: DefaultHeartbeatInterval,
		recheck:   DefaultRecheckInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Heartbeat marks subjectID online as of now.
func (t *Tracker) Heartbeat(ctx context.Context, subjectID string) error {
	return t.backend.SetPresence(ctx, model.PresenceRecord{
		SubjectID: subjectID,
		State:     model.PresenceOnline,
		Device:    t.device,
	})
}

// MarkOffline marks subjectID offline.
func (t *Tracker) MarkOffline(ctx context.Context, subjectID string) error {
	return t.backend.SetPresence(ctx, model.PresenceRecord{
		SubjectID: subjectID,
		State:     model.PresenceOffline,
	})
}

// State reads the contact's record and derives its state now.
func (t *Tracker) State(ctx context.Context, contactID string) (State, *model.PresenceRecord, error) {
	rec, err := t.backend.GetPresence(ctx, contactID)
	if errors.Is(err, chaterr.ErrNotFound) {
		return Unknown, nil, nil
	}
	if err != nil {
		return Unknown, nil, err
	}
	return Evaluate(rec, t.now()), rec, nil
}

// IsOnline reports whether the contact is online now.
func (t *Tracker) IsOnline(ctx context.Context, contactID string) (bool, error) {
	s, _, err := t.State(ctx, contactID)
	return s.IsOnline(), err
}

// Tracking is a running heartbeat loop.
type Tracking struct {
	tracker *Tracker
	subject string
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// StartTracking heartbeats for subjectID while the application is in the
// foreground. Background and Terminating transitions write a best-effort
// offline record; Terminating also ends the loop.
func (t *Tracker) StartTracking(ctx context.Context, subjectID string, lifecycle <-chan Lifecycle) *Tracking {
	ctx, cancel := context.WithCancel(ctx)
	tr := &Tracking{tracker: t, subject: subjectID, cancel: cancel, done: make(chan struct{})}
	go tr.loop(ctx, lifecycle)
	return tr
}

func (tr *Tracking) loop(ctx context.Context, lifecycle <-chan Lifecycle) {
	defer close(tr.done)
	t := tr.tracker
	log := t.logger.With(zap.String("subject", tr.subject))

	beat := func() {
		if err := t.Heartbeat(ctx, tr.subject); err != nil && ctx.Err() == nil {
			log.Warn("heartbeat failed", zap.Error(err))
		}
	}
	offline := func() {
		if err := t.MarkOffline(ctx, tr.subject); err != nil && ctx.Err() == nil {
			log.Warn("offline write failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	foreground := true
	beat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if foreground {
				beat()
			}
		case l, ok := <-lifecycle:
			if !ok {
				lifecycle = nil
				continue
			}
			log.Debug("lifecycle transition", zap.Stringer("to", l))
			switch l {
			case Foreground:
				if !foreground {
					foreground = true
					beat()
					ticker.Reset(t.heartbeat)
				}
			case Background:
				foreground = false
				offline()
			case Terminating:
				offline()
				return
			}
		}
	}
}

// Stop ends the loop and writes a final offline record. It may be called
// more than once.
func (tr *Tracking) Stop() {
	tr.once.Do(func() {
		tr.cancel()
		<-tr.done
		ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
		defer cancel()
		if err := tr.tracker.MarkOffline(ctx, tr.subject); err != nil {
			tr.tracker.logger.Warn("final offline write failed", zap.String("subject", tr.subject), zap.Error(err))
		}
	})
}

// Done is closed when the loop has exited.
func (tr *Tracking) Done() <-chan struct{} {
	return tr.done
}

// Subscribe calls onUpdate with the contact's derived state now and whenever
// it changes, whether by a remote write or by the last heartbeat ageing past
// OnlineThreshold. The returned function stops delivery and may be called
// more than once.
func (t *Tracker) Subscribe(contactID string, onUpdate func(Update)) (unsubscribe func()) {
	var (
		mu        sync.Mutex
		latest    *model.PresenceRecord
		delivered bool
		closed    atomic.Bool
	)
	machine := NewMachine(contactID, t.bus)
	log := t.logger.With(zap.String("contact", contactID))

	evaluate := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed.Load() {
			return
		}
		state := Evaluate(latest, t.now())
		if state == machine.Current() {
			if !delivered {
				delivered = true
				onUpdate(t.update(contactID, state, latest))
			}
			return
		}
		if err := machine.Transition(state); err != nil {
			log.Warn("unexpected presence transition", zap.Error(err))
			return
		}
		delivered = true
		onUpdate(t.update(contactID, state, latest))
	}

	stopFeed := t.backend.SubscribePresence(contactID, func(rec *model.PresenceRecord, err error) {
		if err != nil {
			log.Warn("presence subscription error", zap.Error(err))
			return
		}
		mu.Lock()
		latest = rec
		mu.Unlock()
		evaluate()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(t.recheck)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evaluate()
			}
		}
	}()

	return func() {
		if closed.Swap(true) {
			return
		}
		cancel()
		stopFeed()
	}
}

func (t *Tracker) update(contactID string, s State, rec *model.PresenceRecord) Update {
	u := Update{ContactID: contactID, State: s}
	if rec != nil {
		u.LastSeen = rec.LastSeen
	}
	return u
}
