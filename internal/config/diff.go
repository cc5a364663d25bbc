package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RecordingChanged is true when any recording default changed. New
	// sessions pick up the new defaults; active sessions keep theirs.
	RecordingChanged bool
	NewRecording     RecordingConfig

	// RestartRequired lists the top-level sections that changed but cannot
	// be applied without a restart.
	RestartRequired []string
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RecordingChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Recording defaults
	if !reflect.DeepEqual(old.Recording, new.Recording) {
		d.RecordingChanged = true
		d.NewRecording = new.Recording
	}

	// Everything else needs a restart.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Capture, new.Capture) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}

	return d
}
