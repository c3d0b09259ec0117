package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/prismnexus/internal/app"
	"github.com/MrWong99/prismnexus/internal/config"
	"github.com/MrWong99/prismnexus/internal/live"
	devmock "github.com/MrWong99/prismnexus/pkg/audio/device/mock"
	s2smock "github.com/MrWong99/prismnexus/pkg/provider/s2s/mock"
)

// testConfig returns a minimal config without a status server.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			S2S:   config.ProviderEntry{Name: "gemini-live", Model: "test-model"},
			Audio: config.ProviderEntry{Name: "portaudio"},
		},
		Session: config.SessionConfig{Voice: "Puck", BlockSize: 1024},
	}
}

func testProviders() (*app.Providers, *s2smock.Provider, *devmock.Platform) {
	s2s := &s2smock.Provider{AutoReady: true}
	platform := devmock.NewPlatform()
	return &app.Providers{S2S: s2s, Audio: platform}, s2s, platform
}

// lockedBuffer is a bytes.Buffer safe for the console goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// keyless wraps the mock provider with a missing credential.
type keyless struct{ *s2smock.Provider }

func (keyless) HasCredential() bool { return false }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func shutdown(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() returned error: %v", err)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), nil); err == nil {
		t.Error("New(nil providers) should fail")
	}
	if _, err := app.New(testConfig(), &app.Providers{S2S: &s2smock.Provider{}}); err == nil {
		t.Error("New without audio should fail")
	}
}

func TestNew_MapsSessionConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Persona = "Be brief."
	cfg.Session.VisualFPS = 20
	cfg.Session.MeterBars = 16
	cfg.Session.ConnectTimeout = 3 * time.Second
	providers, _, _ := testProviders()

	a, err := app.New(cfg, providers, app.WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	got := a.Session().Config()
	if got.Instructions != "Be brief." || got.Voice != "Puck" || got.Model != "test-model" {
		t.Errorf("config = %+v", got)
	}
	if got.BlockSize != 1024 || got.ConnectTimeout != 3*time.Second {
		t.Errorf("block size %d, timeout %s", got.BlockSize, got.ConnectTimeout)
	}
	if got.FrameInterval != 50*time.Millisecond {
		t.Errorf("FrameInterval = %s, want 50ms", got.FrameInterval)
	}
	if got.Envelope.Bars != 16 {
		t.Errorf("Envelope.Bars = %d, want 16", got.Envelope.Bars)
	}
	if got.ProviderName != "gemini-live" {
		t.Errorf("ProviderName = %q", got.ProviderName)
	}
}

func TestApp_ConsoleCommands(t *testing.T) {
	t.Parallel()

	providers, s2s, platform := testProviders()
	in, feed := io.Pipe()
	out := &lockedBuffer{}
	a, err := app.New(testConfig(), providers, app.WithInput(in), app.WithOutput(out))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	io.WriteString(feed, "start\n")
	waitFor(t, "listening", func() bool { return a.Session().State() == live.Listening })
	if s2s.ConnectCount() != 1 {
		t.Errorf("ConnectCount = %d, want 1", s2s.ConnectCount())
	}

	io.WriteString(feed, "status\n")
	io.WriteString(feed, "t\n")
	waitFor(t, "idle", func() bool { return a.Session().State() == live.Idle })
	a.Session().Wait()
	if !platform.Capturer.Last().Closed() {
		t.Error("capture stream not closed after stop")
	}

	io.WriteString(feed, "quit\n")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil after quit", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after quit")
	}
	feed.Close()

	text := out.String()
	for _, want := range []string{
		"ECHO INTELLIGENCE",
		"NEURAL LINK STANDBY",
		"INITIALIZING /// CHANNEL SECURE",
		"[TERMINATE LINK] LISTENING /// CHANNEL SECURE",
		"[INITIALIZE CONNECTION] NEURAL LINK STANDBY",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("console output missing %q:\n%s", want, text)
		}
	}
	shutdown(t, a)
}

func TestApp_AutoStart(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.AutoStart = true
	providers, _, _ := testProviders()
	a, err := app.New(cfg, providers, app.WithInput(strings.NewReader("")), app.WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "listening", func() bool { return a.Session().Active() })
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v", err)
	}
	shutdown(t, a)
	if a.Session().State() != live.Idle {
		t.Errorf("state after shutdown = %s, want idle", a.Session().State())
	}
}

func TestApp_StartFailureShownOnConsole(t *testing.T) {
	t.Parallel()

	providers, _, platform := testProviders()
	platform.Capturer.OpenErr = errors.New("NotAllowedError")
	out := &lockedBuffer{}
	a, err := app.New(testConfig(), providers, app.WithInput(strings.NewReader("start\n")), app.WithOutput(out))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, "error message", func() bool { return a.Session().ErrorMessage() != "" })
	waitFor(t, "console message", func() bool {
		return strings.Contains(out.String(), "Microphone access denied")
	})

	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Microphone access denied") {
		t.Errorf("/readyz body = %s", rec.Body.String())
	}
	cancel()
	shutdown(t, a)
}

func TestApp_StatusEndpoints(t *testing.T) {
	t.Parallel()

	providers, _, _ := testProviders()
	a, err := app.New(testConfig(), providers, app.WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	h := a.Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
	if got := get(t, h, "/status").Header().Get("X-Session-ID"); got != "" {
		t.Errorf("idle X-Session-ID = %q, want none", got)
	}

	if err := a.Session().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := get(t, h, "/status")
	var st struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Active bool   `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode /status: %v (%s)", err, rec.Body.String())
	}
	if st.State != "listening" || !st.Active || st.ID == "" {
		t.Errorf("/status = %+v", st)
	}
	if got := rec.Header().Get("X-Session-ID"); got != st.ID {
		t.Errorf("X-Session-ID = %q, want %q", got, st.ID)
	}
	shutdown(t, a)
}

func TestApp_ReadyzMissingCredential(t *testing.T) {
	t.Parallel()

	_, _, platform := testProviders()
	providers := &app.Providers{S2S: keyless{&s2smock.Provider{}}, Audio: platform}
	a, err := app.New(testConfig(), providers, app.WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "credential") {
		t.Errorf("/readyz body = %s", rec.Body.String())
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	providers, _, _ := testProviders()
	level := new(slog.LevelVar)
	old := testConfig()
	a, err := app.New(old, providers, app.WithOutput(io.Discard), app.WithLogLevel(level))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Session.Voice = "Kore"
	updated.Server.ListenAddr = ":9999"
	a.Reload(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %s, want debug", level.Level())
	}
	if got := a.Session().Config().Voice; got != "Kore" {
		t.Errorf("Voice = %q, want Kore", got)
	}
	if got := a.Session().Config().Model; got != "test-model" {
		t.Errorf("Model = %q, want unchanged test-model", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	providers, _, _ := testProviders()
	a, err := app.New(cfg, providers, app.WithInput(strings.NewReader("")), app.WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	shutdown(t, a)
	// Shutdown is idempotent.
	shutdown(t, a)
	if err := a.Session().Start(context.Background()); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Start after shutdown = %v, want ErrClosed", err)
	}
}
