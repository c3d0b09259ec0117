// Package mock provides in-memory implementations of the [device.Capturer],
// [device.CaptureStream], [device.Output], and [device.Sink] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(8)
//	capturer := &mock.Capturer{Stream: stream}
//	sink := &mock.Sink{}
//	output := &mock.Output{Sink: sink}
//	stream.Push(audio.Block{0.1, 0.2})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/prismnexus/pkg/audio"
	"github.com/MrWong99/prismnexus/pkg/audio/device"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [Capturer.Open].
type OpenCall struct {
	Format    audio.Format
	BlockSize int
}

// Capturer is a mock implementation of [device.Capturer].
type Capturer struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, each Open returns a fresh Stream
	// with a buffer of 16 blocks, appended to Opened.
	Stream *Stream

	// Opened records the fresh streams created by Open when Stream is nil.
	Opened []*Stream

	// OpenErr, if non-nil, is returned from Open.
	OpenErr error

	// OpenFunc, if non-nil, is called before Open returns. Tests use it to
	// block acquisition (e.g. a pending permission prompt) until ctx is done
	// or a signal arrives. A non-nil return value is returned from Open.
	OpenFunc func(ctx context.Context) error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Stream or OpenErr.
func (c *Capturer) Open(ctx context.Context, format audio.Format, blockSize int) (device.CaptureStream, error) {
	c.mu.Lock()
	c.OpenCalls = append(c.OpenCalls, OpenCall{Format: format, BlockSize: blockSize})
	fn := c.OpenFunc
	c.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if c.Stream != nil {
		return c.Stream, nil
	}
	st := NewStream(16)
	c.Opened = append(c.Opened, st)
	return st, nil
}

// Last returns the most recently opened fresh stream, or Stream if set.
func (c *Capturer) Last() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Stream != nil {
		return c.Stream
	}
	if len(c.Opened) == 0 {
		return nil
	}
	return c.Opened[len(c.Opened)-1]
}

// OpenCount returns the number of Open calls. Thread-safe.
func (c *Capturer) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.OpenCalls)
}

var _ device.Capturer = (*Capturer)(nil)

// Stream is a mock implementation of [device.CaptureStream]. Feed blocks with
// [Stream.Push].
type Stream struct {
	mu         sync.Mutex
	ch         chan audio.Block
	closed     bool
	closeCalls int
}

// NewStream returns a Stream whose Blocks channel buffers up to size blocks.
func NewStream(size int) *Stream {
	return &Stream{ch: make(chan audio.Block, size)}
}

// Push delivers block as if the device had captured it. It never blocks: if
// the buffer is full or the stream is closed the block is dropped and Push
// returns false.
func (s *Stream) Push(block audio.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- block:
		return true
	default:
		return false
	}
}

// Blocks returns the capture channel.
func (s *Stream) Blocks() <-chan audio.Block { return s.ch }

// Close closes the Blocks channel. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ device.CaptureStream = (*Stream)(nil)

// ─── Playback ─────────────────────────────────────────────────────────────────

// Output is a mock implementation of [device.Output].
type Output struct {
	mu sync.Mutex

	// Sink is returned by Open. If nil, each Open returns a fresh Sink which
	// is appended to Opened.
	Sink *Sink

	// Opened records the fresh sinks created by Open when Sink is nil.
	Opened []*Sink

	// OpenErr, if non-nil, is returned from Open.
	OpenErr error

	// Formats records the format passed to each Open call.
	Formats []audio.Format
}

// Open records the call and returns Sink or OpenErr.
func (o *Output) Open(format audio.Format) (device.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Formats = append(o.Formats, format)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	if o.Sink != nil {
		return o.Sink, nil
	}
	s := &Sink{}
	o.Opened = append(o.Opened, s)
	return s, nil
}

// Last returns the most recently opened fresh sink, or Sink if set.
func (o *Output) Last() *Sink {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Sink != nil {
		return o.Sink
	}
	if len(o.Opened) == 0 {
		return nil
	}
	return o.Opened[len(o.Opened)-1]
}

var _ device.Output = (*Output)(nil)

// Play records a single [Sink.Play] call.
type Play struct {
	At  time.Duration
	Buf audio.Buffer
}

// Sink is a mock implementation of [device.Sink] driven by a manual clock.
// The clock only moves when the test calls [Sink.SetNow] or [Sink.Advance].
type Sink struct {
	mu         sync.Mutex
	now        time.Duration
	plays      []Play
	closed     bool
	closeCalls int

	// PlayErr, if non-nil, is returned from Play.
	PlayErr error
}

// Now returns the manual clock.
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow sets the manual clock.
func (s *Sink) SetNow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = d
}

// Advance moves the manual clock forward by d.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Play records the call.
func (s *Sink) Play(at time.Duration, buf audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrClosed
	}
	if s.PlayErr != nil {
		return s.PlayErr
	}
	s.plays = append(s.plays, Play{At: at, Buf: buf})
	return nil
}

// Plays returns a copy of all recorded Play calls.
func (s *Sink) Plays() []Play {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Play, len(s.plays))
	copy(out, s.plays)
	return out
}

// Close marks the sink closed. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *Sink) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ device.Sink = (*Sink)(nil)

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [device.Platform] that delegates to
// its Capturer and Out fields.
type Platform struct {
	Capturer *Capturer
	Out      *Output
}

// NewPlatform returns a Platform with fresh capture and output mocks.
func NewPlatform() *Platform {
	return &Platform{Capturer: &Capturer{}, Out: &Output{}}
}

// Open delegates to Capturer.
func (p *Platform) Open(ctx context.Context, format audio.Format, blockSize int) (device.CaptureStream, error) {
	return p.Capturer.Open(ctx, format, blockSize)
}

// Output returns Out.
func (p *Platform) Output() device.Output { return p.Out }

var _ device.Platform = (*Platform)(nil)
