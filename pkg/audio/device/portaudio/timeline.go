package portaudio

import (
	"time"

	"github.com/MrWong99/prismnexus/pkg/audio"
)

// frameWriter hands exactly one device buffer to the output and blocks until
// the device has accepted it.
type frameWriter interface {
	WriteFrames(samples []float32) error
}

// timeline lays scheduled buffers onto an output that only takes fixed-size
// blocking writes. pos is counted in device samples. Before each buffer the
// timeline catches up with the sink clock, so time spent idle between turns
// is never replayed as silence.
type timeline struct {
	w     frameWriter
	rate  int
	frame int
	clock func() time.Duration

	pos     int64 // sample index just past the end of pending
	pending []float32
}

func newTimeline(w frameWriter, rate, frame int, clock func() time.Duration) *timeline {
	return &timeline{w: w, rate: rate, frame: frame, clock: clock}
}

// sampleAt converts a clock position to the nearest device sample.
func (t *timeline) sampleAt(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

// place queues buf to start at at, padding any gap with silence, and writes
// every complete frame.
func (t *timeline) place(at time.Duration, buf audio.Buffer) error {
	if now := t.sampleAt(t.clock()); t.pos < now {
		t.pos = now
	}
	if gap := t.sampleAt(at) - t.pos; gap > 0 {
		t.pending = append(t.pending, make([]float32, gap)...)
		t.pos += gap
	}
	samples := audio.Resample(buf.Samples, buf.SampleRate, t.rate)
	t.pending = append(t.pending, samples...)
	t.pos += int64(len(samples))

	for len(t.pending) >= t.frame {
		if err := t.w.WriteFrames(t.pending[:t.frame]); err != nil {
			return err
		}
		t.pending = t.pending[t.frame:]
	}
	return nil
}

// flush writes the partial frame left in pending, padded with silence.
func (t *timeline) flush() error {
	if len(t.pending) == 0 {
		return nil
	}
	tail := make([]float32, t.frame)
	copy(tail, t.pending)
	t.pos += int64(t.frame - len(t.pending))
	t.pending = t.pending[:0]
	return t.w.WriteFrames(tail)
}
