package live

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/prismnexus/pkg/audio"
	"github.com/MrWong99/prismnexus/pkg/audio/device"
)

// Playback describes where a buffer was placed on the output timeline.
type Playback struct {
	Start    time.Duration
	Duration time.Duration
}

// End is the instant the buffer finishes playing.
func (p Playback) End() time.Duration { return p.Start + p.Duration }

// Scheduler places decoded agent audio back to back on a sink's clock. Each
// buffer starts at max(sink.Now(), cursor), so buffers never overlap and
// play gaplessly when they arrive faster than real time.
//
// The cursor is kept as a sample count since the last anchor rather than a
// sum of rounded durations, so consecutive windows share their boundary
// exactly.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	sink   device.Sink
	cursor time.Duration

	anchor  time.Duration // where samples counts from
	rate    int
	samples int64
}

// NewScheduler returns a Scheduler with its cursor at zero.
func NewScheduler(sink device.Sink) *Scheduler {
	return &Scheduler{sink: sink}
}

// Schedule hands buf to the sink and advances the cursor past it. On a sink
// error the cursor is left unchanged.
func (s *Scheduler) Schedule(buf audio.Buffer) (Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.sink.Now(), s.cursor)
	if err := s.sink.Play(start, buf); err != nil {
		return Playback{}, fmt.Errorf("live: schedule playback: %w", err)
	}
	if start != s.cursor || buf.SampleRate != s.rate {
		s.anchor, s.rate, s.samples = start, buf.SampleRate, 0
	}
	if s.rate > 0 {
		s.samples += int64(len(buf.Samples))
		s.cursor = s.anchor + time.Duration(s.samples*int64(time.Second)/int64(s.rate))
	} else {
		s.cursor = start
	}
	return Playback{Start: start, Duration: s.cursor - start}, nil
}

// Cursor returns the end of the last scheduled buffer.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Reset moves the cursor back to zero.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor, s.anchor, s.rate, s.samples = 0, 0, 0, 0
}
