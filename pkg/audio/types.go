// Package audio defines the sample types, PCM codec, and visualisation helpers
// shared by the live voice session and its device adapters.
//
// Two directions flow through the package:
//
//   - Capture: microphone [Block] values (float32 in [-1,1]) are quantised to
//     16-bit little-endian PCM and base64-encoded for the remote agent.
//   - Playback: base64 PCM received from the remote agent is decoded back to
//     float32 samples and wrapped in a [Buffer] for scheduling.
//
// Device implementations live in the device sub-packages; this package has no
// platform dependencies.
package audio

import (
	"fmt"
	"time"
)

// Sample rates negotiated with the remote agent. Capture runs at a low rate
// suited to speech recognition; playback runs at the synthesis rate.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	// DefaultBlockSize is the number of samples per capture block.
	DefaultBlockSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// InputFormat is the capture format: 16 kHz mono.
var InputFormat = Format{SampleRate: InputSampleRate, Channels: 1}

// OutputFormat is the playback format: 24 kHz mono.
var OutputFormat = Format{SampleRate: OutputSampleRate, Channels: 1}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Block is a fixed-size block of captured mono samples in the range [-1,1].
// Blocks are ephemeral: produced by a capture device, encoded, transmitted,
// and discarded.
type Block []float32

// Buffer is a decoded block of synthesised mono samples ready for playback.
type Buffer struct {
	// Samples holds float32 samples in the range [-1,1].
	Samples []float32

	// SampleRate in Hz. Must be > 0 for Duration to be meaningful.
	SampleRate int
}

// Duration returns the playback length of the buffer. A buffer with a
// non-positive sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
