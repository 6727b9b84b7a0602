package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when a session tunable changed. New sessions
	// pick up the new values; running ones keep theirs.
	SessionChanged bool

	// RestartRequired lists sections whose changes are ignored until the
	// next start.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	if old.Governor != new.Governor {
		d.RestartRequired = append(d.RestartRequired, "governor")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Workers != new.Workers {
		d.RestartRequired = append(d.RestartRequired, "workers")
	}
	if !backendsEqual(old.Resolve.Backends, new.Resolve.Backends) ||
		old.Resolve.Timeout != new.Resolve.Timeout ||
		old.Resolve.Breaker != new.Resolve.Breaker {
		d.RestartRequired = append(d.RestartRequired, "resolve")
	}
	if !backendsEqual(old.Decode.Decoders, new.Decode.Decoders) ||
		old.Decode.FetchTimeout != new.Decode.FetchTimeout ||
		old.Decode.FramesPerSegment != new.Decode.FramesPerSegment ||
		old.Decode.Gain != new.Decode.Gain {
		d.RestartRequired = append(d.RestartRequired, "decode")
	}

	return d
}

// backendsEqual compares entries by name, endpoint and codecs. Options are
// not compared.
func backendsEqual(a, b []BackendEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].BaseURL != b[i].BaseURL ||
			a[i].APIKey != b[i].APIKey || a[i].Path != b[i].Path ||
			len(a[i].Codecs) != len(b[i].Codecs) {
			return false
		}
		for j := range a[i].Codecs {
			if a[i].Codecs[j] != b[i].Codecs[j] {
				return false
			}
		}
	}
	return true
}
