package config

// Changes describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type Changes struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CheckpointIntervalChanged bool

	RecordingChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) Changes {
	d := Changes{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Storage.CheckpointInterval != new.Storage.CheckpointInterval {
		d.CheckpointIntervalChanged = true
	}

	if old.Recording != new.Recording {
		d.RecordingChanged = true
	}

	return d
}
