package transmission

import (
	"sync"
	"time"

	"github.com/skypro1111/usrp-recorder/internal/protocol"
)

// Tracker owns the current transmission for one receiver.
// Apply must be called from a single goroutine; Snapshot is safe for concurrent use.
type Tracker struct {
	group string
	now   func() time.Time
	newID func() string

	state State

	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot is a read-only view of the current transmission for monitoring
type Snapshot struct {
	ID         string    `json:"id"`
	Group      string    `json:"group"`
	Callsign   string    `json:"callsign"`
	Talkgroup  uint32    `json:"talkgroup"`
	Phase      string    `json:"phase"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitzero"`
	AudioBytes int       `json:"audio_bytes"`
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithIDGenerator replaces the uuid generator for transmission IDs
func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) {
		t.newID = newID
	}
}

// NewTracker creates a tracker seeded with an open transmission under the sentinel callsign
func NewTracker(group string, opts ...Option) *Tracker {
	t := &Tracker{
		group: group,
		now:   time.Now,
	}
	for _, o := range opts {
		o(t)
	}

	t.state = Begin(t.env(), protocol.UnknownCallsign)
	t.publish()

	return t
}

// Apply feeds one decoded frame through the state machine.
// It returns a FlushRequest when the frame ended the current transmission.
func (t *Tracker) Apply(f *protocol.Frame) (*FlushRequest, Event) {
	next, flush, ev := Apply(t.state, f, t.env())
	t.state = next

	if ev.Kind != EventNone {
		t.publish()
	}

	return flush, ev
}

// State returns the current state. Only the goroutine calling Apply may use it.
func (t *Tracker) State() State {
	return t.state
}

// Current returns the current transmission. Only the goroutine calling Apply may use it.
func (t *Tracker) Current() *Transmission {
	return t.state.Current
}

// Snapshot returns the last published view of the current transmission
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot
}

func (t *Tracker) env() Env {
	return Env{
		Group: t.group,
		Now:   t.now(),
		NewID: t.newID,
	}
}

// publish copies the state into the monitoring snapshot
func (t *Tracker) publish() {
	cur := t.state.Current
	snap := Snapshot{
		ID:         cur.ID,
		Group:      cur.Group,
		Callsign:   cur.Callsign,
		Talkgroup:  cur.Talkgroup,
		Phase:      t.state.Phase.String(),
		StartTime:  cur.StartTime,
		EndTime:    cur.EndTime,
		AudioBytes: len(cur.Audio),
	}

	t.mu.Lock()
	t.snapshot = snap
	t.mu.Unlock()
}
