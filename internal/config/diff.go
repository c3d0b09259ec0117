package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionFields lists the session settings that changed. They apply to
	// the next session run.
	SessionFields []string

	// RestartRequired lists changed settings that only take effect after a
	// process restart.
	RestartRequired []string
}

// SessionChanged reports whether any session setting changed.
func (d ConfigDiff) SessionChanged() bool { return len(d.SessionFields) > 0 }

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.SessionFields) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	was, now := old.Session, new.Session
	if was.Persona != now.Persona {
		d.SessionFields = append(d.SessionFields, "persona")
	}
	if was.Voice != now.Voice {
		d.SessionFields = append(d.SessionFields, "voice")
	}
	if was.BlockSize != now.BlockSize {
		d.SessionFields = append(d.SessionFields, "block_size")
	}
	if was.ConnectTimeout != now.ConnectTimeout {
		d.SessionFields = append(d.SessionFields, "connect_timeout")
	}
	if was.VisualFPS != now.VisualFPS {
		d.SessionFields = append(d.SessionFields, "visual_fps")
	}
	if was.MeterBars != now.MeterBars {
		d.SessionFields = append(d.SessionFields, "meter_bars")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if !reflect.DeepEqual(old.Providers.Audio, new.Providers.Audio) {
		d.RestartRequired = append(d.RestartRequired, "providers.audio")
	}
	if !reflect.DeepEqual(old.Providers.S2SFallbacks, new.Providers.S2SFallbacks) ||
		old.Providers.Failover != new.Providers.Failover {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s_fallbacks")
	}

	return d
}
