package presence

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// OnlineThreshold is how long a heartbeat keeps a subject online.
const OnlineThreshold = 2 * time.Minute

// State is the presence of a subject as derived by an observer.
type State string

const (
	Unknown State = "UNKNOWN" // no record
	Online  State = "ONLINE"
	Stale   State = "STALE" // record says online but the last heartbeat is too old
	Offline State = "OFFLINE"
)

// IsOnline reports whether s counts as online.
func (s State) IsOnline() bool { return s == Online }

// Evaluate derives the state of rec at now. Presence is a time-windowed
// property: a record stays "online" in storage after its subject vanishes,
// and only the age of LastSeen downgrades it.
func Evaluate(rec *model.PresenceRecord, now time.Time) State {
	switch {
	case rec == nil:
		return Unknown
	case rec.State != model.PresenceOnline:
		return Offline
	case now.Sub(rec.LastSeen) < OnlineThreshold:
		return Online
	default:
		return Stale
	}
}

// validTransitions defines the state changes an observer can see.
var validTransitions = map[State][]State{
	Unknown: {Online, Stale, Offline},
	Online:  {Stale, Offline},
	Stale:   {Online, Offline},
	Offline: {Online, Stale},
}

// Machine tracks the observed state of one subject.
type Machine struct {
	mu      sync.RWMutex
	subject string
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine for subject starting in Unknown.
func NewMachine(subject string, b *bus.Bus) *Machine {
	return &Machine{subject: subject, current: Unknown, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state. Returns error if the transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid presence transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Topic: TopicChanged,
			Payload: Change{
				SubjectID: m.subject,
				From:      from,
				To:        to,
			},
		})
	}
	return nil
}

// TopicChanged is the bus topic of presence changes.
const TopicChanged = "presence.changed"

// Change is the payload of a presence.changed event.
type Change struct {
	SubjectID string
	From      State
	To        State
}
