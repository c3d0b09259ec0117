//go:build portaudio

// Package portaudio implements the [device.Capturer] and [device.Output]
// interfaces on top of PortAudio's blocking stream API.
//
// Build with -tags portaudio; the package needs the PortAudio C library.
// PortAudio is initialised lazily on first use and terminated when the last
// stream or sink closes.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/prismnexus/pkg/audio"
	"github.com/MrWong99/prismnexus/pkg/audio/device"
)

// Compile-time assertions.
var (
	_ device.Platform      = (*Device)(nil)
	_ device.Output        = outputAdapter{}
	_ device.CaptureStream = (*captureStream)(nil)
	_ device.Sink          = (*sink)(nil)
	_ frameWriter          = (*sink)(nil)
)

const (
	// outputFramesPerBuffer is 40 ms at 24 kHz.
	outputFramesPerBuffer = 960

	captureQueue  = 16
	playbackQueue = 256
)

// ── Library lifetime ──────────────────────────────────────────────────────────

var (
	libMu   sync.Mutex
	libRefs int
)

func acquire() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	libRefs++
	return nil
}

func release() {
	libMu.Lock()
	defer libMu.Unlock()
	libRefs--
	if libRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithInputDevice selects a capture device by name. Empty means the system
// default input.
func WithInputDevice(name string) Option {
	return func(d *Device) { d.inputName = name }
}

// WithOutputDevice selects a playback device by name. Empty means the system
// default output.
func WithOutputDevice(name string) Option {
	return func(d *Device) { d.outputName = name }
}

// WithOutputSampleRate forces the playback device to run at rate; buffers in
// other rates are resampled. Zero means "use the buffer's rate".
func WithOutputSampleRate(rate int) Option {
	return func(d *Device) { d.outputRate = rate }
}

// ── Device ────────────────────────────────────────────────────────────────────

// Device opens PortAudio capture streams and playback sinks.
type Device struct {
	inputName  string
	outputName string
	outputRate int
}

// New returns a Device configured with opts.
func New(opts ...Option) *Device {
	d := &Device{}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Info describes an audio device visible to PortAudio.
type Info struct {
	Name            string
	MaxInputs       int
	MaxOutputs      int
	DefaultInput    bool
	DefaultOutput   bool
	DefaultRateHz   float64
	LowInputLatency time.Duration
}

// Devices lists the devices PortAudio can see.
func Devices() ([]Info, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	defer release()

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]Info, 0, len(devs))
	for _, d := range devs {
		out = append(out, Info{
			Name:            d.Name,
			MaxInputs:       d.MaxInputChannels,
			MaxOutputs:      d.MaxOutputChannels,
			DefaultInput:    d == defIn,
			DefaultOutput:   d == defOut,
			DefaultRateHz:   d.DefaultSampleRate,
			LowInputLatency: d.DefaultLowInputLatency,
		})
	}
	return out, nil
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if d.Name != name {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

// ── Capture ───────────────────────────────────────────────────────────────────

// Open acquires the input device and starts a blocking read loop delivering
// blocks of blockSize samples. Any failure to acquire the device is reported
// as [device.ErrPermissionDenied].
func (d *Device) Open(ctx context.Context, format audio.Format, blockSize int) (device.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		blockSize = audio.DefaultBlockSize
	}
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrPermissionDenied, err)
	}

	info, err := findDevice(d.inputName, true)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", device.ErrPermissionDenied, err)
	}

	buf := make([]float32, blockSize*max(format.Channels, 1))
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: max(format.Channels, 1),
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: blockSize,
	}, buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: open input stream: %v", device.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return nil, fmt.Errorf("%w: start input stream: %v", device.ErrPermissionDenied, err)
	}

	cs := &captureStream{
		stream:   stream,
		buf:      buf,
		channels: max(format.Channels, 1),
		out:      make(chan audio.Block, captureQueue),
		done:     make(chan struct{}),
	}
	slog.Debug("portaudio: capture started", "device", info.Name, "format", format.String(), "block_size", blockSize)
	go cs.readLoop()
	return cs, nil
}

type captureStream struct {
	stream   *portaudio.Stream
	buf      []float32
	channels int
	out      chan audio.Block

	stopping  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func (c *captureStream) Blocks() <-chan audio.Block { return c.out }

// readLoop owns the stream: it stops and closes it on exit.
func (c *captureStream) readLoop() {
	defer close(c.done)
	defer release()
	defer close(c.out)
	defer func() {
		_ = c.stream.Stop()
		_ = c.stream.Close()
	}()

	for !c.stopping.Load() {
		if err := c.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			if !c.stopping.Load() {
				slog.Warn("portaudio: capture read failed", "err", err)
			}
			return
		}

		block := downmix(c.buf, c.channels)
		select {
		case c.out <- block:
		default:
			// Consumer is behind; drop rather than stall the device.
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("portaudio: dropping capture blocks", "dropped", n)
			}
		}
	}
}

// Close stops the read loop and waits for the device to be released.
func (c *captureStream) Close() error {
	c.closeOnce.Do(func() {
		c.stopping.Store(true)
	})
	<-c.done
	return nil
}

// downmix copies an interleaved buffer into a fresh mono block.
func downmix(buf []float32, channels int) audio.Block {
	if channels <= 1 {
		out := make(audio.Block, len(buf))
		copy(out, buf)
		return out
	}
	frames := len(buf) / channels
	out := make(audio.Block, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += buf[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ── Playback ──────────────────────────────────────────────────────────────────

type scheduled struct {
	at  time.Duration
	buf audio.Buffer
}

// OpenSink starts an output stream. The sink's clock starts at zero when Open
// returns.
func (d *Device) OpenSink(format audio.Format) (device.Sink, error) {
	rate := format.SampleRate
	if d.outputRate > 0 {
		rate = d.outputRate
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	info, err := findDevice(d.outputName, false)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: output device: %w", err)
	}

	frames := outputFramesPerBuffer * rate / audio.OutputSampleRate
	out := make([]float32, frames)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: 1,
			Latency:  info.DefaultLowOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frames,
	}, out)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}

	s := &sink{
		stream: stream,
		out:    out,
		rate:   rate,
		queue:  make(chan scheduled, playbackQueue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		opened: time.Now(),
	}
	slog.Debug("portaudio: playback started", "device", info.Name, "rate", rate)
	go s.writeLoop()
	return s, nil
}

// outputAdapter exposes OpenSink under the [device.Output] method name.
type outputAdapter struct{ d *Device }

func (o outputAdapter) Open(format audio.Format) (device.Sink, error) { return o.d.OpenSink(format) }

// Output returns d as a [device.Output].
func (d *Device) Output() device.Output { return outputAdapter{d: d} }

type sink struct {
	stream *portaudio.Stream
	out    []float32
	rate   int
	queue  chan scheduled

	opened time.Time

	mu        sync.Mutex
	closed    bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *sink) Now() time.Duration { return time.Since(s.opened) }

func (s *sink) Play(at time.Duration, buf audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrClosed
	}
	select {
	case s.queue <- scheduled{at: at, buf: buf}:
		return nil
	default:
		return errors.New("portaudio: playback queue full")
	}
}

// writeLoop places scheduled buffers on the device timeline in order and
// flushes the partial frame whenever the queue runs dry.
func (s *sink) writeLoop() {
	defer close(s.done)

	tl := newTimeline(s, s.rate, len(s.out), s.Now)
	for {
		select {
		case <-s.stop:
			return
		case item := <-s.queue:
			err := tl.place(item.at, item.buf)
			if err == nil && len(s.queue) == 0 {
				err = tl.flush()
			}
			if err != nil {
				select {
				case <-s.stop:
				default:
					slog.Warn("portaudio: playback write failed", "err", err)
				}
				return
			}
		}
	}
}

// WriteFrames copies one buffer of samples to the stream. Underflows are
// expected after idle periods and are not errors.
func (s *sink) WriteFrames(chunk []float32) error {
	copy(s.out, chunk)
	if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return err
	}
	return nil
}

func (s *sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		<-s.done
		_ = s.stream.Stop()
		_ = s.stream.Close()
		release()
	})
	return nil
}
