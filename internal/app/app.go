// Package app wires all Prism Nexus subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the live session, the
// health and metrics endpoints and the console, Run serves them until the
// context ends or the user quits, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithInput, WithOutput,
// WithMetrics). Providers always come from the caller.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/prismnexus/internal/config"
	"github.com/MrWong99/prismnexus/internal/health"
	"github.com/MrWong99/prismnexus/internal/live"
	"github.com/MrWong99/prismnexus/internal/observe"
	"github.com/MrWong99/prismnexus/pkg/audio"
	"github.com/MrWong99/prismnexus/pkg/audio/device"
	"github.com/MrWong99/prismnexus/pkg/provider/s2s"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	S2S   s2s.Provider
	Audio device.Platform
}

// credentialer is implemented by providers that can report whether they
// have an API key before dialling.
type credentialer interface {
	HasCredential() bool
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	session *live.Session
	health  *health.Handler
	console *console
	handler http.Handler

	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	level     *slog.LevelVar
	in        io.Reader

	starts sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithInput sets where console commands are read from. Default: os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutput sets where state changes and the level meter are printed.
// Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.console = newConsole(w) }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry serves /metrics from t's registry and records on its
// metrics unless WithMetrics is also given.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLogLevel lets config reloads adjust the given level.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. Nothing is started until Run: in particular the
// microphone is never opened implicitly unless session.auto_start is set.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil || providers.Audio == nil {
		return nil, errors.New("app: new: s2s and audio providers are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.console == nil {
		a.console = newConsole(os.Stdout)
	}
	if a.in == nil {
		a.in = os.Stdin
	}
	if a.metrics == nil {
		if a.telemetry != nil {
			a.metrics = a.telemetry.Metrics
		} else {
			a.metrics = observe.DefaultMetrics()
		}
	}

	session, err := live.New(liveConfig(cfg), live.Deps{
		Provider: providers.S2S,
		Capturer: providers.Audio,
		Output:   providers.Audio.Output(),
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: new: %w", err)
	}
	a.session = session
	a.closers = append(a.closers, session.Close)

	a.console.setMeter(cfg.Session.MeterBars)
	session.OnStateChange(a.console.state)
	session.OnLevels(a.console.levels)

	a.health = health.New(
		health.Checker{Name: "credential", Check: a.checkCredential},
		health.Checker{Name: "session", Check: a.checkSession},
	)
	a.health.SetStatus(func() any { return a.session.Status() })

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	a.handler = otelhttp.NewHandler(
		observe.Middleware(a.metrics,
			observe.QuietPaths("/metrics", "/healthz", "/readyz"),
			observe.SessionFrom(a.activeSessionID),
		)(mux),
		"prismnexus.status",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }),
	)

	return a, nil
}

// liveConfig maps the YAML session settings onto the controller config.
func liveConfig(cfg *config.Config) live.Config {
	s := cfg.Session
	lc := live.Config{
		Model:          cfg.Providers.S2S.Model,
		Instructions:   s.Persona,
		Voice:          s.Voice,
		BlockSize:      s.BlockSize,
		ConnectTimeout: s.ConnectTimeout,
		ProviderName:   cfg.Providers.S2S.Name,
	}
	if s.VisualFPS > 0 {
		lc.FrameInterval = time.Second / time.Duration(s.VisualFPS)
	}
	if s.MeterBars > 0 {
		env := audio.DefaultEnvelope
		env.Bars = s.MeterBars
		lc.Envelope = env
	}
	return lc
}

// Session returns the live session.
func (a *App) Session() *live.Session { return a.session }

// Handler returns the HTTP handler serving health, status and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// activeSessionID is the ID of the running session, or "" when idle.
func (a *App) activeSessionID() string {
	if st := a.session.Status(); st.Active {
		return st.ID
	}
	return ""
}

func (a *App) checkCredential(context.Context) error {
	if c, ok := a.providers.S2S.(credentialer); ok && !c.HasCredential() {
		return s2s.ErrMissingCredential
	}
	return nil
}

func (a *App) checkSession(context.Context) error {
	st := a.session.Status()
	if !st.Active && st.Message != "" {
		return errors.New(st.Message)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the status endpoints and the console until ctx is cancelled or
// the user quits. Console commands, one per line:
//
//	start, s    start a session
//	stop, t     terminate the session
//	status      print the current state
//	quit, q     leave
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
		srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			} else {
				err = srv.Serve(ln)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		slog.Info("status server listening", "addr", ln.Addr().String())
	}

	a.console.banner()
	if a.cfg.Session.AutoStart {
		a.start(ctx)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok := <-lines:
				if !ok {
					// Input closed: keep running until cancelled.
					lines = nil
					continue
				}
				if quit := a.command(ctx, line); quit {
					return errQuit
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

var errQuit = errors.New("quit")

// command executes one console line and reports whether to quit.
func (a *App) command(ctx context.Context, line string) bool {
	switch strings.ToLower(line) {
	case "start", "s":
		a.start(ctx)
	case "stop", "t":
		a.session.Terminate()
	case "status":
		a.console.status(a.session.Status())
	case "quit", "q", "exit":
		return true
	case "":
	default:
		a.console.printf("unknown command %q (start, stop, status, quit)\n", line)
	}
	return false
}

// start begins a session without blocking the console, so "stop" can
// interrupt a pending connection.
func (a *App) start(ctx context.Context) {
	a.starts.Add(1)
	go func() {
		defer a.starts.Done()
		err := a.session.Start(ctx)
		switch {
		case err == nil, errors.Is(err, live.ErrTerminated), errors.Is(err, live.ErrClosed):
		case errors.Is(err, live.ErrSessionActive):
			a.console.printf("session already active\n")
		default:
			slog.Warn("session start failed", "err", err)
		}
	}()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. The log level changes at once,
// session settings apply to the next Start, and everything else is only
// reported.
func (a *App) Reload(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged() {
		merged := *a.cfg
		merged.Session = updated.Session
		a.session.SetConfig(liveConfig(&merged))
		a.console.setMeter(updated.Session.MeterBars)
		slog.Info("session settings changed; they apply to the next session", "fields", d.SessionFields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to a slog level. Unknown values map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		// Pending starts return promptly once the session is closed.
		done := make(chan struct{})
		go func() {
			a.starts.Wait()
			a.session.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
			return
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
