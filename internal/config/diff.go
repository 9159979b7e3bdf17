package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PerformanceChanged bool
	NewPerformance      PerformanceProfile
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: the Command
// Dispatcher rederives its runtime caps from a changed Performance Profile
// without needing to restart the process.
func Diff(old, new *CoreConfig) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Performance != new.Performance {
		d.PerformanceChanged = true
		d.NewPerformance = new.Performance
	}

	return d
}
