// Package device defines the capture and playback abstractions the live voice
// session runs on.
//
// A [Capturer] grants exclusive access to a microphone and delivers fixed-size
// [audio.Block] values from a device-driven goroutine. An [Output] opens a
// [Sink]: a playback clock plus a non-blocking "start this buffer at time t"
// call, which lets the session schedule synthesised audio gaplessly.
//
// Platform adapters live in sub-packages (device/portaudio); test doubles live
// in device/mock.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/prismnexus/pkg/audio"
)

// ErrPermissionDenied is returned (wrapped) when the user or operating system
// refuses access to the capture device.
var ErrPermissionDenied = errors.New("device: permission denied")

// ErrClosed is returned by operations on a closed stream or sink.
var ErrClosed = errors.New("device: closed")

// Capturer opens capture streams on an input device.
//
// Implementations must be safe for concurrent use.
type Capturer interface {
	// Open requests exclusive access to the capture device and starts
	// delivering blocks of blockSize samples in the given format. ctx governs
	// the acquisition only; the stream lives until [CaptureStream.Close].
	//
	// Returns an error wrapping [ErrPermissionDenied] if access is refused.
	Open(ctx context.Context, format audio.Format, blockSize int) (CaptureStream, error)
}

// CaptureStream is an open capture device.
type CaptureStream interface {
	// Blocks returns the channel on which captured blocks arrive. The channel
	// is closed when the stream stops. If the consumer falls behind, blocks
	// are dropped rather than stalling the device.
	Blocks() <-chan audio.Block

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Output opens playback sinks on an output device.
type Output interface {
	// Open starts a playback sink in the given format.
	Open(format audio.Format) (Sink, error)
}

// Sink is an open playback device with its own output clock.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Now returns the current output clock time, measured from when the sink
	// was opened.
	Now() time.Duration

	// Play schedules buf to start at output clock time at. It returns
	// immediately; the device plays the buffer later. Callers are expected to
	// supply non-decreasing, non-overlapping start times.
	Play(at time.Duration, buf audio.Buffer) error

	// Close stops playback and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Platform bundles the capture and playback sides of one audio backend.
type Platform interface {
	Capturer

	// Output returns the playback side of the backend.
	Output() Output
}
