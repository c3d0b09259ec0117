// Package live runs a real-time voice session between the local microphone
// and speaker and a remote conversational agent.
//
// A [Session] owns at most one capture stream, one output sink and one agent
// channel at a time. It is started explicitly with [Session.Start] and torn
// down by [Session.Terminate], by a channel error or remote close, or by
// [Session.Close]; all of these converge on the same teardown routine.
//
// Every state change goes through the pure reducer [Next] under one mutex.
// Observers subscribe with [Session.OnStateChange] and [Session.OnLevels].
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/prismnexus/internal/observe"
	"github.com/MrWong99/prismnexus/pkg/audio"
	"github.com/MrWong99/prismnexus/pkg/audio/device"
	"github.com/MrWong99/prismnexus/pkg/provider/s2s"
)

// DefaultInstructions is the agent persona used when Config.Instructions is
// empty.
const DefaultInstructions = "You are 'Echo', the sentient voice of Prism Nexus. " +
	"You are concise, intelligent, and helpful. You analyze data and provide insights."

// DefaultFrameInterval is the visualiser refresh period (about 30 fps).
const DefaultFrameInterval = 33 * time.Millisecond

// Config tunes a Session. The zero value is usable.
type Config struct {
	// Model overrides the provider's default model.
	Model string

	// Instructions is the agent persona. Default: [DefaultInstructions].
	Instructions string

	// Voice is the provider's prebuilt voice name. Empty keeps its default.
	Voice string

	// BlockSize is the capture block length in samples.
	// Default: [audio.DefaultBlockSize].
	BlockSize int

	// Envelope shapes the visualiser bars. Default: [audio.DefaultEnvelope].
	Envelope audio.Envelope

	// FrameInterval is the visualiser refresh period.
	// Default: [DefaultFrameInterval].
	FrameInterval time.Duration

	// ConnectTimeout bounds Connect plus the wait for the agent's ready
	// signal. Zero waits until Terminate or ctx cancellation.
	ConnectTimeout time.Duration

	// ProviderName labels provider metrics. Default: "s2s".
	ProviderName string
}

func (c Config) withDefaults() Config {
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.BlockSize <= 0 {
		c.BlockSize = audio.DefaultBlockSize
	}
	if c.Envelope.Bars <= 0 {
		c.Envelope = audio.DefaultEnvelope
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.ProviderName == "" {
		c.ProviderName = "s2s"
	}
	return c
}

// Deps are the collaborators a Session drives.
type Deps struct {
	Provider s2s.Provider
	Capturer device.Capturer
	Output   device.Output

	// Metrics is optional.
	Metrics *observe.Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if d.Capturer == nil {
		errs = append(errs, errors.New("capturer is required"))
	}
	if d.Output == nil {
		errs = append(errs, errors.New("output is required"))
	}
	return errors.Join(errs...)
}

// StateChange is delivered to the OnStateChange callback.
type StateChange struct {
	From  State
	To    State
	Event EventKind

	// Message is the user-facing message set by this change, if any.
	Message string

	SessionID string
}

// Status is a point-in-time snapshot of a Session.
type Status struct {
	ID                string    `json:"id,omitempty"`
	State             State     `json:"state"`
	Active            bool      `json:"active"`
	PermissionGranted bool      `json:"permission_granted"`
	Message           string    `json:"message,omitempty"`
	PlaybackCursorMS  int64     `json:"playback_cursor_ms"`
	Levels            []float64 `json:"levels,omitempty"`
}

// Session is the controller for one live voice conversation. Start it,
// observe it, and terminate it from any goroutine.
type Session struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	state      State
	message    string
	permission bool
	closed     bool
	run        *run
	last       *run
	lastID     string

	// notifyMu orders callback delivery. It is taken while mu is still
	// held and kept after mu is released, so callbacks run in the order
	// the changes were made without holding mu.
	notifyMu sync.Mutex
	onState  func(StateChange)

	levelsMu sync.Mutex
	levels   []float64
	onLevels func([]float64)
}

// New returns an Idle session.
func New(cfg Config, deps Deps) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("live: new session: %w", err)
	}
	return &Session{cfg: cfg.withDefaults(), deps: deps}, nil
}

// SetConfig replaces the configuration. It takes effect on the next Start;
// a run in progress keeps the settings it started with.
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

// Config returns the configuration the next Start will use.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// OnStateChange sets the state-change callback. Callbacks are delivered in
// order from whichever goroutine made the change; they may read the session
// but must not call Start, Terminate or Close.
func (s *Session) OnStateChange(fn func(StateChange)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.onState = fn
}

// OnLevels sets the callback receiving visualiser bar heights each frame.
func (s *Session) OnLevels(fn func([]float64)) {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	s.onLevels = fn
}

// ── Start ─────────────────────────────────────────────────────────────────────

// Start acquires the microphone, opens the speaker, connects to the agent and
// waits for it to become ready. On success the session is Listening and
// audio flows in both directions until teardown.
//
// Errors wrap [ErrPermissionDenied], [ErrOutput] or [ErrConnection] along
// with the cause; the session is Idle again and ErrorMessage describes the
// failure. Start returns [ErrTerminated] if Terminate or Close won the race,
// [ErrSessionActive] unless Idle, and [ErrClosed] after Close.
func (s *Session) Start(ctx context.Context) (err error) {
	id := uuid.NewString()
	ctx = observe.WithSessionID(ctx, id)
	ctx, span := observe.StartSpan(ctx, "live.Session.Start",
		trace.WithAttributes(attribute.String("session.id", id)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Idle {
		s.mu.Unlock()
		return ErrSessionActive
	}
	r := newRun(id, s.cfg, observe.Logger(ctx))
	s.run, s.last = r, r
	s.lastID = id
	s.message = ""
	c, _ := s.applyLocked(r, EvStart, "")
	s.commit([]StateChange{c}, nil)

	// Pending steps abort when the run is torn down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	began := time.Now()
	if err := s.acquire(ctx, r); err != nil {
		s.record(func(m *observe.Metrics) { m.RecordConnect(context.Background(), time.Since(began).Seconds(), "error") })
		return err
	}
	s.record(func(m *observe.Metrics) { m.RecordConnect(context.Background(), time.Since(began).Seconds(), "ok") })

	s.mu.Lock()
	c, ok := s.applyLocked(r, EvReady, "")
	if !ok {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.commit([]StateChange{c}, func() { s.launch(r) })
	r.log.Info("live session ready", "model", r.cfg.Model)
	return nil
}

// acquire performs the INITIALIZING side effects in order.
func (s *Session) acquire(ctx context.Context, r *run) error {
	capture, err := s.deps.Capturer.Open(ctx, audio.InputFormat, r.cfg.BlockSize)
	if err != nil {
		if r.isReleased() {
			return ErrTerminated
		}
		s.setPermission(false)
		return s.failStart(r, fmt.Errorf("%w: %w", ErrPermissionDenied, err), userMessage(msgPermission, err))
	}
	if !r.attach(func() { r.capture = capture }) {
		_ = capture.Close()
		return ErrTerminated
	}
	s.setPermission(true)

	sink, err := s.deps.Output.Open(audio.OutputFormat)
	if err != nil {
		if r.isReleased() {
			return ErrTerminated
		}
		return s.failStart(r, fmt.Errorf("%w: %w", ErrOutput, err), userMessage(msgOutput, err))
	}
	if !r.attach(func() { r.sink, r.sched = sink, NewScheduler(sink) }) {
		_ = sink.Close()
		return ErrTerminated
	}

	if r.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
	}
	channel, err := s.deps.Provider.Connect(ctx, s2s.SessionConfig{
		Model:            r.cfg.Model,
		Instructions:     r.cfg.Instructions,
		Voice:            r.cfg.Voice,
		ResponseModality: "AUDIO",
	})
	if err != nil {
		if r.isReleased() {
			return ErrTerminated
		}
		s.record(func(m *observe.Metrics) { m.RecordProviderError(context.Background(), r.cfg.ProviderName, "connect") })
		return s.failStart(r, fmt.Errorf("%w: %w", ErrConnection, err), userMessage(msgConnection, err))
	}
	if !r.attach(func() { r.channel = channel }) {
		_ = channel.Close()
		return ErrTerminated
	}

	return s.awaitReady(ctx, r, channel)
}

var errClosedBeforeReady = errors.New("channel closed before ready")

// awaitReady consumes channel events until the agent reports ready.
func (s *Session) awaitReady(ctx context.Context, r *run, channel s2s.SessionHandle) error {
	for {
		select {
		case ev, ok := <-channel.Events():
			if !ok {
				if r.isReleased() {
					return ErrTerminated
				}
				return s.failStart(r, fmt.Errorf("%w: %w", ErrConnection, errClosedBeforeReady),
					userMessage(msgConnection, errClosedBeforeReady))
			}
			switch ev.Type {
			case s2s.EventReady:
				return nil
			case s2s.EventError:
				s.record(func(m *observe.Metrics) { m.RecordProviderError(context.Background(), r.cfg.ProviderName, "handshake") })
				return s.failStart(r, fmt.Errorf("%w: %w", ErrConnection, ev.Err), userMessage(msgConnection, ev.Err))
			case s2s.EventClosed:
				return s.failStart(r, fmt.Errorf("%w: %w", ErrConnection, errClosedBeforeReady),
					userMessage(msgConnection, errClosedBeforeReady))
			default:
				r.log.Debug("ignoring event before ready", "event", ev.Type)
			}
		case <-ctx.Done():
			if r.isReleased() {
				return ErrTerminated
			}
			cause := fmt.Errorf("waiting for agent: %w", ctx.Err())
			return s.failStart(r, fmt.Errorf("%w: %w", ErrConnection, cause), userMessage(msgConnection, cause))
		}
	}
}

// failStart moves an initializing run back to Idle and tears it down.
func (s *Session) failStart(r *run, err error, msg string) error {
	s.mu.Lock()
	c, ok := s.applyLocked(r, EvInitFailed, msg)
	if !ok {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.commit([]StateChange{c}, func() { s.teardown(r) })
	r.log.Warn("live session failed to start", "err", err)
	return err
}

// launch starts the event loop and the visualiser for a ready run.
func (s *Session) launch(r *run) {
	ok := r.attach(func() {
		r.live = true
		r.vis = newVisualiser(r.cfg.Envelope, r.cfg.FrameInterval, func(levels []float64) {
			r.mu.Lock()
			if r.released {
				r.mu.Unlock()
				return
			}
			fn := s.storeLevels(levels)
			r.mu.Unlock()
			if fn != nil {
				fn(levels)
			}
		})
		r.group.Go(r.vis.run)
		r.group.Go(func() error { return s.loop(r) })
	})
	if ok {
		s.record(func(m *observe.Metrics) { m.ActiveSessions.Add(context.Background(), 1) })
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// Terminate ends the session from any state. It is idempotent and safe to
// call while Start is still in progress, in which case Start returns
// [ErrTerminated].
func (s *Session) Terminate() {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	var changes []StateChange
	if c, ok := s.applyLocked(r, EvTeardown, ""); ok {
		changes = append(changes, c)
	}
	s.commit(changes, func() { s.teardown(r) })
}

// Close terminates the session and makes every later Start fail with
// [ErrClosed]. Use it when the owner of the session goes away.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Terminate()
	return nil
}

// Wait blocks until the goroutines of the most recent run have exited.
func (s *Session) Wait() {
	s.mu.Lock()
	r := s.last
	s.mu.Unlock()
	if r != nil {
		_ = r.group.Wait()
	}
}

// teardown releases everything r holds, once. Steps run in a fixed order and
// a failing step never prevents the later ones.
func (s *Session) teardown(r *run) {
	r.once.Do(func() {
		r.mu.Lock()
		r.released = true
		capture, channel, sink, vis, sched, live := r.capture, r.channel, r.sink, r.vis, r.sched, r.live
		r.mu.Unlock()
		r.cancel()

		var errs []error
		if capture != nil {
			if err := capture.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close capture: %w", err))
			}
		}
		if channel != nil {
			if err := channel.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close output: %w", err))
			}
		}
		if vis != nil {
			vis.halt()
		}
		if sched != nil {
			sched.Reset()
		}
		s.storeLevels(nil)

		if live {
			s.record(func(m *observe.Metrics) { m.ActiveSessions.Add(context.Background(), -1) })
		}
		if err := errors.Join(errs...); err != nil {
			r.log.Warn("live session teardown incomplete", "err", err)
			return
		}
		r.log.Info("live session torn down")
	})
}

// ── State ─────────────────────────────────────────────────────────────────────

// applyLocked feeds ev to the reducer on behalf of r. Events from a run that
// is no longer current, illegal events and no-op events produce no change.
// The caller holds s.mu.
func (s *Session) applyLocked(r *run, ev EventKind, msg string) (StateChange, bool) {
	if s.run != r {
		return StateChange{}, false
	}
	to, err := Next(s.state, ev)
	if err != nil {
		r.log.Debug("ignoring event", "err", err)
		return StateChange{}, false
	}
	if to == s.state {
		return StateChange{}, false
	}
	c := StateChange{From: s.state, To: to, Event: ev, Message: msg, SessionID: r.id}
	s.state = to
	if msg != "" {
		s.message = msg
	}
	if to == Idle {
		s.run = nil
	}
	return c, true
}

// apply is applyLocked plus delivery.
func (s *Session) apply(r *run, ev EventKind) {
	s.mu.Lock()
	c, ok := s.applyLocked(r, ev, "")
	if !ok {
		s.mu.Unlock()
		return
	}
	s.commit([]StateChange{c}, nil)
}

// commit releases s.mu, runs after, then delivers changes in order. The
// caller holds s.mu.
func (s *Session) commit(changes []StateChange, after func()) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if after != nil {
		after()
	}
	for _, c := range changes {
		s.record(func(m *observe.Metrics) {
			m.RecordStateTransition(context.Background(), c.From.String(), c.To.String())
		})
		slog.Info("live session state changed",
			"session_id", c.SessionID,
			"from", c.From.String(),
			"to", c.To.String(),
			"event", c.Event.String(),
		)
		if s.onState != nil {
			s.onState(c)
		}
	}
}

func (s *Session) setPermission(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = granted
}

// storeLevels records the latest bars and returns the callback to notify.
func (s *Session) storeLevels(levels []float64) func([]float64) {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	s.levels = levels
	return s.onLevels
}

func (s *Session) record(fn func(*observe.Metrics)) {
	if s.deps.Metrics != nil {
		fn(s.deps.Metrics)
	}
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorMessage returns the user-facing message of the last failure, or "".
// Starting a new run clears it.
func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// Active reports whether the session holds devices or a channel.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Initializing || s.state == Listening || s.state == Speaking
}

// PermissionGranted reports whether the last capture request succeeded.
func (s *Session) PermissionGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

// ID returns the current run's ID, or the last run's after teardown.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Cursor returns the playback cursor of the current run, or zero.
func (s *Session) Cursor() time.Duration {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	sched := r.sched
	r.mu.Unlock()
	if sched == nil {
		return 0
	}
	return sched.Cursor()
}

// Levels returns the latest visualiser bar heights.
func (s *Session) Levels() []float64 {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	if s.levels == nil {
		return nil
	}
	out := make([]float64, len(s.levels))
	copy(out, s.levels)
	return out
}

// Status returns a snapshot for status endpoints.
func (s *Session) Status() Status {
	st := Status{
		PlaybackCursorMS: s.Cursor().Milliseconds(),
		Levels:           s.Levels(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.ID = s.lastID
	st.State = s.state
	st.Active = s.state == Initializing || s.state == Listening || s.state == Speaking
	st.PermissionGranted = s.permission
	st.Message = s.message
	return st
}

// ── run ───────────────────────────────────────────────────────────────────────

// run holds the resources of one Start..teardown cycle.
type run struct {
	id     string
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	released bool
	live     bool
	capture  device.CaptureStream
	channel  s2s.SessionHandle
	sink     device.Sink
	sched    *Scheduler
	vis      *visualiser

	once  sync.Once
	group errgroup.Group
}

func newRun(id string, cfg Config, log *slog.Logger) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{id: id, cfg: cfg, log: log, ctx: ctx, cancel: cancel}
}

// attach runs fn under the run lock unless the run was already released.
func (r *run) attach(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	fn()
	return true
}

func (r *run) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
