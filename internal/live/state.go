package live

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// Idle holds no device and no channel.
	Idle State = iota
	// Initializing is acquiring the microphone, the speaker and the channel.
	Initializing
	// Listening streams microphone audio to the agent.
	Listening
	// Speaking plays the agent's answer while still streaming the microphone.
	Speaking
	// Error is entered on a runtime channel failure and immediately left for
	// Idle.
	Error
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventKind is an input to the state reducer.
type EventKind int

const (
	EvStart        EventKind = iota // explicit user start
	EvReady                         // channel reported ready
	EvAudio                         // agent audio chunk arrived
	EvTurnComplete                  // agent finished its turn
	EvInitFailed                    // capture, output or connect failed during start
	EvChannelError                  // channel failed after ready
	EvClosed                        // channel closed by the remote side
	EvTeardown                      // terminate, unmount or post-error cleanup
)

var eventNames = [...]string{
	EvStart:        "start",
	EvReady:        "ready",
	EvAudio:        "audio",
	EvTurnComplete: "turn_complete",
	EvInitFailed:   "init_failed",
	EvChannelError: "channel_error",
	EvClosed:       "closed",
	EvTeardown:     "teardown",
}

func (e EventKind) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrIllegalTransition is returned by [Next] for an event that has no meaning
// in the current state.
var ErrIllegalTransition = errors.New("live: illegal state transition")

// legal lists every permitted state change. Self-loops are not transitions.
var legal = map[State][]State{
	Idle:         {Initializing},
	Initializing: {Listening, Idle},
	Listening:    {Speaking, Idle, Error},
	Speaking:     {Listening, Idle, Error},
	Error:        {Idle},
}

// Legal reports whether from→to is a permitted transition.
func Legal(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next is the pure state reducer. It returns the state after ev occurs in s.
// An event that is accepted but changes nothing (audio while Speaking, a turn
// completing while Listening, teardown while Idle) returns s unchanged.
func Next(s State, ev EventKind) (State, error) {
	to, ok := next(s, ev)
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, s)
	}
	return to, nil
}

func next(s State, ev EventKind) (State, bool) {
	if ev == EvTeardown {
		return Idle, true
	}
	switch s {
	case Idle:
		if ev == EvStart {
			return Initializing, true
		}
	case Initializing:
		switch ev {
		case EvReady:
			return Listening, true
		case EvInitFailed, EvChannelError, EvClosed:
			return Idle, true
		}
	case Listening:
		switch ev {
		case EvAudio:
			return Speaking, true
		case EvTurnComplete:
			return Listening, true
		case EvChannelError:
			return Error, true
		case EvClosed:
			return Idle, true
		}
	case Speaking:
		switch ev {
		case EvAudio:
			return Speaking, true
		case EvTurnComplete:
			return Listening, true
		case EvChannelError:
			return Error, true
		case EvClosed:
			return Idle, true
		}
	}
	return s, false
}
