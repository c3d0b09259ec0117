package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/prismnexus/pkg/audio"
	"github.com/MrWong99/prismnexus/pkg/audio/device"
	devmock "github.com/MrWong99/prismnexus/pkg/audio/device/mock"
	"github.com/MrWong99/prismnexus/pkg/provider/s2s"
	s2smock "github.com/MrWong99/prismnexus/pkg/provider/s2s/mock"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	provider *s2smock.Provider
	capturer *devmock.Capturer
	output   *devmock.Output
	session  *Session

	mu      sync.Mutex
	changes []StateChange
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		provider: &s2smock.Provider{AutoReady: true},
		capturer: &devmock.Capturer{},
		output:   &devmock.Output{},
	}
	s, err := New(cfg, Deps{Provider: f.provider, Capturer: f.capturer, Output: f.output})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.OnStateChange(func(c StateChange) {
		f.mu.Lock()
		f.changes = append(f.changes, c)
		f.mu.Unlock()
	})
	f.session = s
	t.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) transitions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.changes))
	for i, c := range f.changes {
		out[i] = c.From.String() + "->" + c.To.String()
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func audioEvent(samples int) s2s.Event {
	return s2s.Event{Type: s2s.EventAudio, Audio: audio.EncodeBase64(make(audio.Block, samples))}
}

func assertTransitions(t *testing.T, f *fixture, want ...string) {
	t.Helper()
	got := f.transitions()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

// ── happy path ────────────────────────────────────────────────────────────────

func TestSession_FullTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	s := f.session

	f.start(t)
	if got := s.State(); got != Listening {
		t.Fatalf("State = %s, want listening", got)
	}
	if !s.Active() || !s.PermissionGranted() {
		t.Errorf("Active = %v, PermissionGranted = %v, want both true", s.Active(), s.PermissionGranted())
	}
	if s.ID() == "" {
		t.Error("ID is empty")
	}

	// Device formats and session config.
	if got := f.capturer.OpenCalls[0]; got.Format != audio.InputFormat || got.BlockSize != audio.DefaultBlockSize {
		t.Errorf("capture open = %+v", got)
	}
	if got := f.output.Formats[0]; got != audio.OutputFormat {
		t.Errorf("output format = %v, want %v", got, audio.OutputFormat)
	}
	cfg := f.provider.ConnectCalls[0].Cfg
	if cfg.Instructions != DefaultInstructions || cfg.ResponseModality != "AUDIO" {
		t.Errorf("session config = %+v", cfg)
	}

	// Four samples at 24 kHz play from zero for 166666ns.
	ch := f.provider.Last()
	ch.Emit(audioEvent(4))
	sink := f.output.Last()
	waitFor(t, "first play", func() bool { return len(sink.Plays()) == 1 })
	waitFor(t, "speaking", func() bool { return s.State() == Speaking })
	if at := sink.Plays()[0].At; at != 0 {
		t.Errorf("first play at %v, want 0", at)
	}
	if got := s.Cursor(); got != 166666*time.Nanosecond {
		t.Errorf("Cursor = %v, want 166.666µs", got)
	}

	ch.Emit(audioEvent(4))
	waitFor(t, "second play", func() bool { return len(sink.Plays()) == 2 })
	if at := sink.Plays()[1].At; at != 166666*time.Nanosecond {
		t.Errorf("second play at %v, want 166.666µs", at)
	}

	ch.Emit(s2s.Event{Type: s2s.EventTurnComplete})
	waitFor(t, "listening", func() bool { return s.State() == Listening })

	s.Terminate()
	if got := s.State(); got != Idle {
		t.Fatalf("State after Terminate = %s, want idle", got)
	}
	if !f.capturer.Last().Closed() || !ch.Closed() || !sink.Closed() {
		t.Error("Terminate left a resource open")
	}
	if s.Cursor() != 0 || s.Active() {
		t.Errorf("Cursor = %v, Active = %v after Terminate", s.Cursor(), s.Active())
	}
	if s.ErrorMessage() != "" {
		t.Errorf("ErrorMessage = %q, want empty", s.ErrorMessage())
	}
	s.Wait()

	assertTransitions(t, f,
		"idle->initializing",
		"initializing->listening",
		"listening->speaking",
		"speaking->listening",
		"listening->idle",
	)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.changes {
		if !Legal(c.From, c.To) {
			t.Errorf("illegal transition reported: %s -> %s", c.From, c.To)
		}
	}
}

func TestSession_CaptureIsForwarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)

	block := audio.Block{0, 0.5, -0.5, 1}
	f.capturer.Last().Push(block)

	ch := f.provider.Last()
	waitFor(t, "chunk sent", func() bool { return len(ch.Sent()) == 1 })
	got := ch.Sent()[0]
	if got.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", got.MIMEType)
	}
	if got.Data != audio.EncodeBase64(block) {
		t.Errorf("Data = %q, want %q", got.Data, audio.EncodeBase64(block))
	}
}

func TestSession_LevelsFollowCapture(t *testing.T) {
	t.Parallel()
	env := audio.Envelope{Bars: 4, Height: 10, Gain: 1, Floor: 1}
	f := newFixture(t, Config{Envelope: env, FrameInterval: time.Millisecond})

	levels := make(chan []float64, 8)
	f.session.OnLevels(func(l []float64) {
		select {
		case levels <- l:
		default:
		}
	})
	f.start(t)
	f.capturer.Last().Push(audio.Block{0.5, 0.5, 0.5, 0.5})

	select {
	case l := <-levels:
		if len(l) != 4 || l[0] != 5 {
			t.Errorf("levels = %v, want [5 5 5 5]", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no levels delivered")
	}
	if got := f.session.Levels(); len(got) != 4 {
		t.Errorf("Levels = %v", got)
	}

	f.session.Terminate()
	if got := f.session.Levels(); got != nil {
		t.Errorf("Levels after Terminate = %v, want nil", got)
	}
}

func TestSession_LateChunkStartsAtClock(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)

	sink := f.output.Last()
	sink.SetNow(time.Second)
	f.provider.Last().Emit(audioEvent(24))
	waitFor(t, "play", func() bool { return len(sink.Plays()) == 1 })
	if at := sink.Plays()[0].At; at != time.Second {
		t.Errorf("play at %v, want 1s", at)
	}
}

// ── start failures ────────────────────────────────────────────────────────────

func TestSession_PermissionDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.capturer.OpenErr = fmt.Errorf("no microphone: %w", device.ErrPermissionDenied)

	err := f.session.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) || !errors.Is(err, device.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied wrapping the device error", err)
	}
	s := f.session
	if s.State() != Idle || s.PermissionGranted() {
		t.Errorf("State = %s, PermissionGranted = %v", s.State(), s.PermissionGranted())
	}
	if msg := s.ErrorMessage(); !strings.HasPrefix(msg, "Microphone access denied: ") {
		t.Errorf("ErrorMessage = %q", msg)
	}
	if n := f.provider.ConnectCount(); n != 0 {
		t.Errorf("Connect called %d times, want 0", n)
	}
	if len(f.output.Formats) != 0 {
		t.Error("output opened after capture failure")
	}
	assertTransitions(t, f, "idle->initializing", "initializing->idle")
}

func TestSession_MissingCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.provider.ConnectErr = fmt.Errorf("gemini: connect: %w", s2s.ErrMissingCredential)

	err := f.session.Start(context.Background())
	if !errors.Is(err, ErrConnection) || !errors.Is(err, s2s.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrConnection wrapping ErrMissingCredential", err)
	}
	if msg := f.session.ErrorMessage(); !strings.HasPrefix(msg, "Connection Failed: ") {
		t.Errorf("ErrorMessage = %q", msg)
	}
	if !f.capturer.Last().Closed() || !f.output.Last().Closed() {
		t.Error("devices not released after connect failure")
	}
	if f.session.State() != Idle {
		t.Errorf("State = %s, want idle", f.session.State())
	}
}

func TestSession_OutputUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.output.OpenErr = errors.New("no speaker")

	err := f.session.Start(context.Background())
	if !errors.Is(err, ErrOutput) {
		t.Fatalf("err = %v, want ErrOutput", err)
	}
	if !f.capturer.Last().Closed() {
		t.Error("capture not released")
	}
	if f.provider.ConnectCount() != 0 {
		t.Error("Connect called after output failure")
	}
	if msg := f.session.ErrorMessage(); msg != "Audio output unavailable: no speaker" {
		t.Errorf("ErrorMessage = %q", msg)
	}
}

func TestSession_HandshakeFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*s2smock.Session)
	}{
		{"error", func(c *s2smock.Session) {
			c.Finish(s2s.Event{Type: s2s.EventError, Err: errors.New("bad model")})
		}},
		{"closed", func(c *s2smock.Session) { c.Finish(s2s.Event{Type: s2s.EventClosed}) }},
		{"channel gone", func(c *s2smock.Session) { c.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			ch := s2smock.NewSession(4)
			tt.setup(ch)
			f.provider.Session = ch

			err := f.session.Start(context.Background())
			if !errors.Is(err, ErrConnection) {
				t.Fatalf("err = %v, want ErrConnection", err)
			}
			if f.session.State() != Idle {
				t.Errorf("State = %s, want idle", f.session.State())
			}
			if !ch.Closed() || !f.capturer.Last().Closed() || !f.output.Last().Closed() {
				t.Error("resources not released")
			}
			assertTransitions(t, f, "idle->initializing", "initializing->idle")
		})
	}
}

func TestSession_ConnectTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ConnectTimeout: 20 * time.Millisecond})
	f.provider.AutoReady = false

	err := f.session.Start(context.Background())
	if !errors.Is(err, ErrConnection) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrConnection wrapping DeadlineExceeded", err)
	}
	if !f.provider.Last().Closed() {
		t.Error("channel not closed after timeout")
	}
}

// ── terminate during start ────────────────────────────────────────────────────

func TestSession_TerminateWhileAcquiringCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	entered := make(chan struct{})
	f.capturer.OpenFunc = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	errc := make(chan error, 1)
	go func() { errc <- f.session.Start(context.Background()) }()
	<-entered
	f.session.Terminate()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTerminated) {
			t.Fatalf("err = %v, want ErrTerminated", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Terminate")
	}
	if f.session.State() != Idle || f.session.ErrorMessage() != "" {
		t.Errorf("State = %s, ErrorMessage = %q", f.session.State(), f.session.ErrorMessage())
	}
	if f.provider.ConnectCount() != 0 {
		t.Error("Connect called after Terminate")
	}
	assertTransitions(t, f, "idle->initializing", "initializing->idle")
}

func TestSession_TerminateWhileConnecting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	entered := make(chan struct{})
	f.provider.ConnectFunc = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	errc := make(chan error, 1)
	go func() { errc <- f.session.Start(context.Background()) }()
	<-entered
	f.session.Terminate()

	if err := <-errc; !errors.Is(err, ErrTerminated) {
		t.Fatalf("err = %v, want ErrTerminated", err)
	}
	if !f.capturer.Last().Closed() || !f.output.Last().Closed() {
		t.Error("devices not released")
	}
}

func TestSession_TerminateWhileAwaitingReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.provider.AutoReady = false

	errc := make(chan error, 1)
	go func() { errc <- f.session.Start(context.Background()) }()
	waitFor(t, "connect", func() bool { return f.provider.ConnectCount() == 1 })
	f.session.Terminate()

	if err := <-errc; !errors.Is(err, ErrTerminated) {
		t.Fatalf("err = %v, want ErrTerminated", err)
	}
	waitFor(t, "channel closed", func() bool { return f.provider.Last() != nil && f.provider.Last().Closed() })
}

// ── runtime failures ──────────────────────────────────────────────────────────

func TestSession_ChannelError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)

	ch := f.provider.Last()
	ch.Finish(s2s.Event{Type: s2s.EventError, Err: errors.New("socket reset")})
	waitFor(t, "idle", func() bool { return f.session.State() == Idle })
	f.session.Wait()

	if msg := f.session.ErrorMessage(); msg != "Neural Link Disrupted. Please reconnect." {
		t.Errorf("ErrorMessage = %q", msg)
	}
	if !f.capturer.Last().Closed() || !ch.Closed() || !f.output.Last().Closed() {
		t.Error("resources not released after channel error")
	}
	assertTransitions(t, f,
		"idle->initializing",
		"initializing->listening",
		"listening->error",
		"error->idle",
	)
}

func TestSession_RemoteClose(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"closed event", "channel closed"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			f.start(t)

			ch := f.provider.Last()
			if name == "closed event" {
				ch.Finish(s2s.Event{Type: s2s.EventClosed})
			} else {
				ch.Close()
			}
			waitFor(t, "idle", func() bool { return f.session.State() == Idle })
			f.session.Wait()

			if msg := f.session.ErrorMessage(); msg != "" {
				t.Errorf("ErrorMessage = %q, want empty", msg)
			}
			if !f.capturer.Last().Closed() || !f.output.Last().Closed() {
				t.Error("devices not released after remote close")
			}
			assertTransitions(t, f, "idle->initializing", "initializing->listening", "listening->idle")
		})
	}
}

func TestSession_SendErrorsAreDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ch := s2smock.NewSession(8)
	ch.Emit(s2s.Event{Type: s2s.EventReady})
	ch.SendAudioErr = errors.New("queue full")
	f.provider.Session = ch
	f.start(t)

	f.capturer.Last().Push(audio.Block{0})
	f.capturer.Last().Push(audio.Block{0})
	waitFor(t, "sends", func() bool { return len(ch.Sent()) == 2 })
	if got := f.session.State(); got != Listening {
		t.Errorf("State = %s, want listening", got)
	}
}

func TestSession_BadChunksAreDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)

	ch := f.provider.Last()
	ch.Emit(s2s.Event{Type: s2s.EventAudio, Audio: "not base64!"})
	ch.Emit(audioEvent(24))
	sink := f.output.Last()
	waitFor(t, "play", func() bool { return len(sink.Plays()) == 1 })
	if at := sink.Plays()[0].At; at != 0 {
		t.Errorf("play at %v, want 0", at)
	}
}

func TestSession_PlayErrorKeepsListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.output.Sink = &devmock.Sink{PlayErr: errors.New("underrun")}
	f.start(t)

	f.provider.Last().Emit(audioEvent(24))
	f.provider.Last().Emit(s2s.Event{Type: s2s.EventInterrupted})
	f.capturer.Last().Push(audio.Block{0})
	waitFor(t, "send", func() bool { return len(f.provider.Last().Sent()) == 1 })
	if got := f.session.State(); got != Listening {
		t.Errorf("State = %s, want listening", got)
	}
	if f.session.Cursor() != 0 {
		t.Errorf("Cursor = %v, want 0", f.session.Cursor())
	}
}

func TestSession_CaptureEndKeepsReceiving(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)

	f.capturer.Last().Close()
	f.provider.Last().Emit(audioEvent(24))
	waitFor(t, "speaking", func() bool { return f.session.State() == Speaking })
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestSession_TerminateIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.session.Terminate()
	f.start(t)
	f.session.Terminate()
	f.session.Terminate()

	if n := f.provider.Last().CloseCalls(); n != 1 {
		t.Errorf("channel Close calls = %d, want 1", n)
	}
	if n := f.capturer.Last().CloseCalls(); n != 1 {
		t.Errorf("capture Close calls = %d, want 1", n)
	}
	assertTransitions(t, f, "idle->initializing", "initializing->listening", "listening->idle")
}

func TestSession_StartWhileActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)
	if err := f.session.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("err = %v, want ErrSessionActive", err)
	}
	if f.provider.ConnectCount() != 1 {
		t.Error("second Start connected")
	}
}

func TestSession_RestartAfterTeardown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)
	first := f.session.ID()
	f.provider.Last().Emit(audioEvent(24))
	waitFor(t, "speaking", func() bool { return f.session.State() == Speaking })
	f.session.Terminate()
	f.session.Wait()

	f.start(t)
	if f.session.ID() == first {
		t.Error("restart reused the session ID")
	}
	if f.session.Cursor() != 0 {
		t.Errorf("Cursor = %v, want 0 on a fresh run", f.session.Cursor())
	}
	if f.provider.ConnectCount() != 2 || f.capturer.OpenCount() != 2 {
		t.Errorf("connects = %d, opens = %d, want 2 each", f.provider.ConnectCount(), f.capturer.OpenCount())
	}
}

func TestSession_ErrorMessageClearedOnStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.provider.ConnectErr = errors.New("dns")
	if err := f.session.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded")
	}
	if f.session.ErrorMessage() == "" {
		t.Fatal("no ErrorMessage after failure")
	}

	f.provider.ConnectErr = nil
	f.start(t)
	if msg := f.session.ErrorMessage(); msg != "" {
		t.Errorf("ErrorMessage = %q after successful restart", msg)
	}
}

func TestSession_CloseRefusesStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)
	if err := f.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.session.State() != Idle {
		t.Errorf("State = %s, want idle", f.session.State())
	}
	if err := f.session.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSession_StatusJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)

	b, err := json.Marshal(f.session.Status())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["state"] != "listening" || got["active"] != true || got["permission_granted"] != true {
		t.Errorf("status = %s", b)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	if err == nil {
		t.Fatal("New accepted empty deps")
	}
	for _, want := range []string{"provider", "capturer", "output"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSession_SetConfigAppliesToNextRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Voice: "Puck"})
	f.start(t)

	f.session.SetConfig(Config{Voice: "Kore", Instructions: "be brief"})
	if got := f.session.Config().BlockSize; got != audio.DefaultBlockSize {
		t.Errorf("BlockSize = %d, want default %d", got, audio.DefaultBlockSize)
	}
	f.session.Terminate()
	f.start(t)

	calls := f.provider.ConnectCalls
	if len(calls) != 2 {
		t.Fatalf("connects = %d, want 2", len(calls))
	}
	if calls[0].Cfg.Voice != "Puck" {
		t.Errorf("first run voice = %q, want Puck", calls[0].Cfg.Voice)
	}
	if calls[1].Cfg.Voice != "Kore" || calls[1].Cfg.Instructions != "be brief" {
		t.Errorf("second run config = %+v", calls[1].Cfg)
	}
}
