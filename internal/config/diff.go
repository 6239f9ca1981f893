package config

import "fmt"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields (log level, VAD tuning) are broken out so the watcher callback can
// apply them live; everything else only flags that a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when any detector tuning value changed. VAD state
	// resets on every conversation start, so new thresholds can be applied
	// to the next conversation without a restart.
	VADChanged bool
	NewVAD     VADConfig

	// RestartNeeded is true when session, pipeline, webhook, device, or
	// conversation settings changed — those are baked into live goroutines
	// and buffers and only take effect after a restart.
	RestartNeeded bool
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADChanged || d.RestartNeeded
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Session != new.Session ||
		old.Pipeline != new.Pipeline ||
		old.Webhook != new.Webhook ||
		old.Conversation != new.Conversation ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		!deviceEntryEqual(old.Devices.Capture, new.Devices.Capture) ||
		!deviceEntryEqual(old.Devices.Output, new.Devices.Output) {
		d.RestartNeeded = true
	}

	return d
}

// deviceEntryEqual compares device entries. Options maps are compared
// shallowly by string representation of scalar values, which covers the
// numeric and string options the built-in devices accept.
func deviceEntryEqual(a, b DeviceEntry) bool {
	if a.Name != b.Name || len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
