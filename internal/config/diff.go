package config

import "reflect"

// ConfigDiff describes which sections changed between two configs. The
// binary uses it to decide between applying a change live (log level), doing
// a full pipeline dispose/initialize cycle, and telling the operator a
// process restart is needed (listen address).
type ConfigDiff struct {
	ListenAddrChanged bool
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	SourceChanged     bool
	PipelineChanged   bool
	PowerChanged      bool
}

// Changed reports whether the diff records any change at all.
func (d ConfigDiff) Changed() bool {
	return d.ListenAddrChanged || d.LogLevelChanged || d.SourceChanged || d.PipelineChanged || d.PowerChanged
}

// RequiresPipelineRestart reports whether the change affects the running
// pipeline. Pipeline tuning is immutable once initialized, so these changes
// are applied by rebuilding the pipeline, never by mutating it in place.
func (d ConfigDiff) RequiresPipelineRestart() bool {
	return d.SourceChanged || d.PipelineChanged || d.PowerChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.ListenAddrChanged = true
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Source options are a free-form map, so this section needs a deep
	// comparison; the others are plain comparable structs.
	if !reflect.DeepEqual(old.Source, new.Source) {
		d.SourceChanged = true
	}
	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}
	if old.Power != new.Power {
		d.PowerChanged = true
	}

	return d
}
