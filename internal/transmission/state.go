package transmission

import (
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/usrp-recorder/internal/protocol"
)

// Phase is the lifecycle position of the current transmission
type Phase int

const (
	PhaseOpen   Phase = iota // accumulating audio
	PhaseClosed              // ended and flushed, retained until superseded
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transmission is one logical key-up to key-down radio transmission
type Transmission struct {
	ID        string
	Group     string
	Callsign  string
	Talkgroup uint32 // from the first voice frame
	StartTime time.Time
	EndTime   time.Time
	Audio     []byte
}

// Duration returns the transmission window length, zero while open
func (t *Transmission) Duration() time.Duration {
	if t.EndTime.IsZero() {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

// FlushRequest asks storage to persist a completed transmission
type FlushRequest struct {
	ID        string
	Group     string
	Callsign  string
	Talkgroup uint32
	StartTime time.Time
	EndTime   time.Time
	Audio     []byte
}

// Duration returns the length of the flushed transmission
func (r *FlushRequest) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// State is the tracker's tagged state. Current is never nil.
type State struct {
	Phase   Phase
	Current *Transmission
}

// EventKind classifies what a frame did to the state
type EventKind int

const (
	EventNone    EventKind = iota // frame ignored
	EventStarted                  // a new transmission was installed
	EventAudio                    // audio appended
	EventEnded                    // transmission ended, flush emitted
)

// String returns the event kind name
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventAudio:
		return "audio"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event reports the outcome of one transition.
// Err is set when an identification payload was malformed and the sentinel callsign was used.
type Event struct {
	Kind EventKind
	Err  error
}

// Env carries the inputs of a transition that are not part of the state
type Env struct {
	Group string
	Now   time.Time
	NewID func() string
}

func (e Env) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Begin creates a fresh open transmission
func Begin(env Env, callsign string) State {
	return State{
		Phase: PhaseOpen,
		Current: &Transmission{
			ID:        env.newID(),
			Group:     env.Group,
			Callsign:  callsign,
			StartTime: env.Now,
		},
	}
}

// Apply computes the next state for a decoded frame.
// The input state is not modified.
func Apply(s State, f *protocol.Frame, env Env) (State, *FlushRequest, Event) {
	switch f.Type {
	case protocol.TypeVoice:
		if !f.IsKeyed() {
			return end(s, env)
		}
		return appendAudio(s, f, env)

	case protocol.TypeText:
		if !protocol.IsSetInfo(f.Payload) {
			return s, nil, Event{Kind: EventNone}
		}
		callsign, err := protocol.ParseCallsign(f.Payload)
		if err != nil {
			callsign = protocol.UnknownCallsign
		}
		return Begin(env, callsign), nil, Event{Kind: EventStarted, Err: err}

	default:
		// PING, DTMF, TLV, ADPCM, ULAW and unknown types carry nothing we track
		return s, nil, Event{Kind: EventNone}
	}
}

func end(s State, env Env) (State, *FlushRequest, Event) {
	if s.Phase == PhaseClosed {
		// trailing unkey frames
		return s, nil, Event{Kind: EventNone}
	}

	ended := *s.Current
	ended.EndTime = env.Now

	flush := &FlushRequest{
		ID:        ended.ID,
		Group:     ended.Group,
		Callsign:  ended.Callsign,
		Talkgroup: ended.Talkgroup,
		StartTime: ended.StartTime,
		EndTime:   ended.EndTime,
		Audio:     ended.Audio,
	}

	return State{Phase: PhaseClosed, Current: &ended}, flush, Event{Kind: EventEnded}
}

func appendAudio(s State, f *protocol.Frame, env Env) (State, *FlushRequest, Event) {
	kind := EventAudio
	if s.Phase == PhaseClosed {
		// voice after an end opens a new window
		s = Begin(env, protocol.UnknownCallsign)
		kind = EventStarted
	}

	next := *s.Current
	if next.Talkgroup == 0 {
		next.Talkgroup = f.Talkgroup
	}
	next.Audio = append(next.Audio, f.Payload...)

	return State{Phase: PhaseOpen, Current: &next}, nil, Event{Kind: kind}
}
