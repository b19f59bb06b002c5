package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are reported field by field; everything else only shows up in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     string

	TimersChanged bool
	NewTimers     TimersConfig

	// RestartRequired names the top-level sections that changed but are
	// only read at startup.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.TimersChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Endpoint.Voice != new.Endpoint.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Endpoint.Voice
	}

	// The disconnect and mic start timeouts are wired into the session at
	// construction.
	oldT, newT := old.Timers, new.Timers
	if oldT.Inactivity != newT.Inactivity || oldT.WaitPopup != newT.WaitPopup || oldT.NotUnderstood != newT.NotUnderstood {
		d.TimersChanged = true
		d.NewTimers = newT
	}
	if oldT.Disconnect != newT.Disconnect {
		d.RestartRequired = append(d.RestartRequired, "timers.disconnect")
	}
	if oldT.MicStart != newT.MicStart {
		d.RestartRequired = append(d.RestartRequired, "timers.mic_start")
	}

	oldEp, newEp := old.Endpoint, new.Endpoint
	oldEp.Voice, newEp.Voice = "", ""
	if oldEp != newEp {
		d.RestartRequired = append(d.RestartRequired, "endpoint")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if !reflect.DeepEqual(old.Translation, new.Translation) {
		d.RestartRequired = append(d.RestartRequired, "translation")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
