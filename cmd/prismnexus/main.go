// Command prismnexus runs a live voice session between the local microphone
// and speakers and a remote speech-to-speech agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/prismnexus/internal/app"
	"github.com/MrWong99/prismnexus/internal/config"
	"github.com/MrWong99/prismnexus/internal/observe"
	"github.com/MrWong99/prismnexus/internal/resilience"
	"github.com/MrWong99/prismnexus/pkg/provider/s2s"
	geminilive "github.com/MrWong99/prismnexus/pkg/provider/s2s/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "prismnexus: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "prismnexus: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "prismnexus: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("prismnexus starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithTelemetry(tel), app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.Watch(ctx, *configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("ready; type \"start\" to open the link, Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// apiKeyEnvs are consulted in order when providers.s2s.api_key is empty.
var apiKeyEnvs = []string{"GEMINI_API_KEY", "API_KEY"}

// registerBuiltinProviders wires the shipped provider factories into reg.
// The audio backend is registered by registerAudio, which depends on the
// build tags.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.StringOption("voice"); voice != "" {
			opts = append(opts, geminilive.WithVoice(voice))
		}
		if n := entry.IntOption("send_buffer"); n > 0 {
			opts = append(opts, geminilive.WithSendBuffer(n))
		}
		p := geminilive.New(entry.ResolveAPIKey(apiKeyEnvs...), opts...)
		if !p.HasCredential() {
			slog.Warn("no API key configured; set providers.s2s.api_key or GEMINI_API_KEY")
		}
		return p, nil
	})

	registerAudio(reg)

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg. Both slots are
// required; an empty name selects the first registered implementation.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	names := reg.Names()

	s2sEntry := cfg.Providers.S2S
	if s2sEntry.Name == "" && len(names["s2s"]) > 0 {
		s2sEntry.Name = names["s2s"][0]
	}
	agent, err := reg.CreateS2S(s2sEntry)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", s2sEntry.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", s2sEntry.Name)

	if fallbacks := cfg.Providers.S2SFallbacks; len(fallbacks) > 0 {
		failover := resilience.NewFailover(agent, s2sEntry.Name, resilience.BreakerConfig{
			MaxFailures:  cfg.Providers.Failover.MaxFailures,
			ResetTimeout: cfg.Providers.Failover.ResetTimeout,
		})
		for _, entry := range fallbacks {
			p, err := reg.CreateS2S(entry)
			if err != nil {
				return nil, fmt.Errorf("create s2s fallback %q: %w", entry.Name, err)
			}
			failover.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "s2s-fallback", "name", entry.Name)
		}
		agent = failover
	}

	audioEntry := cfg.Providers.Audio
	if audioEntry.Name == "" && len(names["audio"]) > 0 {
		audioEntry.Name = names["audio"][0]
	}
	platform, err := reg.CreateAudio(audioEntry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return nil, fmt.Errorf("create audio provider %q: %w (rebuild with -tags portaudio)", audioEntry.Name, err)
	} else if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", audioEntry.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", audioEntry.Name)

	return &app.Providers{S2S: agent, Audio: platform}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Prism Nexus · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Agent", providerValue(cfg.Providers.S2S.Name, cfg.Providers.S2S.Model))
	if n := len(cfg.Providers.S2SFallbacks); n > 0 {
		printRow("Fallbacks", fmt.Sprintf("%d", n))
	}
	printRow("Audio", providerValue(cfg.Providers.Audio.Name, ""))
	printRow("Voice", orDefault(cfg.Session.Voice, "(provider default)"))
	if cfg.Session.ConnectTimeout > 0 {
		printRow("Connect limit", cfg.Session.ConnectTimeout.String())
	} else {
		printRow("Connect limit", "(none)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerValue(name, model string) string {
	switch {
	case name == "":
		return "(default)"
	case model != "":
		return name + " / " + model
	default:
		return name
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
