package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live"},
	"audio": {"portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// "${VAR}" and "$VAR" references are expanded from the environment before
// decoding; unset variables expand to the empty string.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), os.Getenv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.TLS != nil && cfg.Server.ListenAddr == "" {
		slog.Warn("server.tls is set but server.listen_addr is empty; the status server is disabled")
	}

	// Unknown provider names only warn.
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.S2SFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.s2s_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
	}
	if f := cfg.Providers.Failover; f.MaxFailures < 0 || f.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.failover values must not be negative"))
	}

	// Session
	s := cfg.Session
	if s.BlockSize != 0 && (s.BlockSize < 256 || s.BlockSize > 16384 || s.BlockSize&(s.BlockSize-1) != 0) {
		errs = append(errs, fmt.Errorf("session.block_size %d must be a power of two between 256 and 16384", s.BlockSize))
	}
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", s.ConnectTimeout))
	}
	if s.VisualFPS < 0 || s.VisualFPS > 240 {
		errs = append(errs, fmt.Errorf("session.visual_fps %d is out of range [0, 240]", s.VisualFPS))
	}
	if s.MeterBars < 0 {
		errs = append(errs, fmt.Errorf("session.meter_bars %d must not be negative", s.MeterBars))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
