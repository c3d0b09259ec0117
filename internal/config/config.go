// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for Prism Nexus.
package config

import (
	"os"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Prism Nexus.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds the status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the remote agent and the local audio backend. Each
// field names a provider registered in the [Registry].
type ProvidersConfig struct {
	S2S   ProviderEntry `yaml:"s2s"`
	Audio ProviderEntry `yaml:"audio"`

	// S2SFallbacks are tried in order when the primary agent cannot be
	// reached. Each one keeps its own model setting.
	S2SFallbacks []ProviderEntry `yaml:"s2s_fallbacks"`

	// Failover tunes the circuit breaker placed in front of each agent
	// provider when fallbacks are configured.
	Failover FailoverConfig `yaml:"failover"`
}

// FailoverConfig tunes the per-provider circuit breakers.
type FailoverConfig struct {
	// MaxFailures is the number of consecutive connect failures that take a
	// provider out of rotation. 0 means 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a provider stays out of rotation before it is
	// probed again (e.g., "30s"). 0 means 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// "${VAR}" references are expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ResolveAPIKey returns APIKey, or the first non-empty environment variable
// among envs when APIKey is empty.
func (e ProviderEntry) ResolveAPIKey(envs ...string) string {
	if e.APIKey != "" {
		return e.APIKey
	}
	for _, name := range envs {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// StringOption returns Options[key] if it is a string.
func (e ProviderEntry) StringOption(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// IntOption returns Options[key] if it is an integer.
func (e ProviderEntry) IntOption(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SessionConfig tunes the live voice session. Changes apply to the next run.
type SessionConfig struct {
	// Persona is the system instruction sent to the agent. Empty uses the
	// built-in "Echo" persona.
	Persona string `yaml:"persona"`

	// Voice is the agent's prebuilt voice name (e.g., "Puck").
	Voice string `yaml:"voice"`

	// BlockSize is the capture block length in samples. Must be a power of
	// two between 256 and 16384. 0 means 4096.
	BlockSize int `yaml:"block_size"`

	// ConnectTimeout bounds the connection handshake (e.g., "15s"). 0 waits
	// until the user terminates.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// VisualFPS is the level visualiser refresh rate. 0 means 30.
	VisualFPS int `yaml:"visual_fps"`

	// MeterBars is the number of bars in the terminal level meter. 0 hides it.
	MeterBars int `yaml:"meter_bars"`

	// AutoStart starts a session as soon as the CLI is up.
	AutoStart bool `yaml:"auto_start"`
}
