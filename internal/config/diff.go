package config

import "github.com/MrWong99/audioproc/pkg/apm"

// ConfigDiff describes what changed between two configs.
// Every field except EngineChanged can be applied to a running session.
type ConfigDiff struct {
	// GeometryChanged is set when the channel counts or sample rate differ.
	// Applying it reinitializes the engine with NewProcessing.
	GeometryChanged bool
	NewProcessing   apm.ProcessingConfig

	ProcessingChanged bool
	NewConfig         apm.Config

	DelayChanged bool
	NewDelayMs   int

	MuteChanged    bool
	NewOutputMuted bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineChanged means session.engine differs. Swapping engines needs a
	// restart and is only reported.
	EngineChanged bool
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.GeometryChanged && !d.ProcessingChanged && !d.DelayChanged &&
		!d.MuteChanged && !d.LogLevelChanged && !d.EngineChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Engine != new.Session.Engine {
		d.EngineChanged = true
	}

	if old.Session.ProcessingConfig() != new.Session.ProcessingConfig() {
		d.GeometryChanged = true
		d.NewProcessing = new.Session.ProcessingConfig()
	}

	if old.Processing != new.Processing {
		d.ProcessingChanged = true
		d.NewConfig = new.Processing
	}

	if old.Stream.DelayMs != new.Stream.DelayMs {
		d.DelayChanged = true
		d.NewDelayMs = new.Stream.DelayMs
	}
	if old.Stream.OutputMuted != new.Stream.OutputMuted {
		d.MuteChanged = true
		d.NewOutputMuted = new.Stream.OutputMuted
	}

	return d
}
