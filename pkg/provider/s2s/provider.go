// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time conversational voice service: the client
// streams base64-encoded PCM audio in, and the service streams synthesised
// audio back over the same long-lived duplex session. The session also
// reports lifecycle signals (ready, turn complete, interrupted, error,
// closed) as typed events on a single channel so consumers see them in
// arrival order.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
)

// ErrMissingCredential is returned by [Provider.Connect] when the provider has
// no API key configured. Implementations must return it before any network
// activity.
var ErrMissingCredential = errors.New("s2s: missing API credential")

// ErrSessionClosed is returned by [SessionHandle.SendAudio] after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model overrides the provider's default model. Empty means the default.
	Model string

	// Instructions is the system-level prompt that defines the agent's
	// persona.
	Instructions string

	// Voice is the provider-specific prebuilt voice name. Empty means the
	// provider's default voice.
	Voice string

	// ResponseModality is the modality the agent answers in. Empty means
	// "AUDIO".
	ResponseModality string
}

// Chunk is one encoded audio frame sent to the agent.
type Chunk struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64-encoded little-endian PCM16 payload.
	Data string
}

// EventType discriminates [Event] values.
type EventType int

const (
	// EventReady signals that the session handshake completed and audio may
	// flow.
	EventReady EventType = iota

	// EventAudio carries one base64-encoded PCM16 chunk at 24 kHz in
	// [Event.Audio].
	EventAudio

	// EventTurnComplete signals that the agent finished its response.
	EventTurnComplete

	// EventInterrupted signals that the agent's response was cut short.
	EventInterrupted

	// EventError carries a fatal session error in [Event.Err]. It is always
	// the last event before the channel closes.
	EventError

	// EventClosed signals an orderly remote close. It is always the last
	// event before the channel closes.
	EventClosed
)

// String returns a lower-case name for the event type.
func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single inbound signal from the agent.
type Event struct {
	Type EventType

	// Audio is the base64 PCM payload for EventAudio.
	Audio string

	// Err is the cause for EventError.
	Err error
}

// Terminal reports whether e ends the session.
func (e Event) Terminal() bool {
	return e.Type == EventError || e.Type == EventClosed
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio queues an audio chunk for delivery. It never blocks on the
	// network; delivery failures surface as an error return (queue full,
	// session closed) or as an EventError on the event channel.
	SendAudio(chunk Chunk) error

	// Events returns the inbound event channel. Events arrive in the order the
	// provider received them. At most one terminal event (EventError or
	// EventClosed) is sent, after which the channel is closed. A session
	// closed locally via Close closes the channel without a terminal event.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session. The handle is returned once the transport
	// is established; the caller waits for EventReady before streaming audio.
	//
	// Returns an error wrapping [ErrMissingCredential] when no credential is
	// configured, or any dial/handshake error. The caller owns the handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
