package config

import "reflect"

// ConfigDiff describes what changed between two configs. Changes that can be
// applied without a restart are tracked individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DictionaryChanged is set when the dictionary path or matching options
	// changed and the dictionary must be reloaded.
	DictionaryChanged bool

	// RestartRequired names the top-level sections whose changes take effect
	// only after a restart.
	RestartRequired []string
}

// HasChanges reports whether d carries any change.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.DictionaryChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DictionaryChanged = old.Dictionary.Path != new.Dictionary.Path ||
		old.Dictionary.Phonetic != new.Dictionary.Phonetic ||
		old.Dictionary.Seed != new.Dictionary.Seed

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	for _, sec := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"audio", old.Audio, new.Audio},
		{"segment", old.Segment, new.Segment},
		{"pipeline", old.Pipeline, new.Pipeline},
		{"retry", old.Retry, new.Retry},
		{"session", old.Session, new.Session},
		{"output", old.Output, new.Output},
	} {
		if !reflect.DeepEqual(sec.old, sec.new) {
			d.RestartRequired = append(d.RestartRequired, sec.name)
		}
	}
	return d
}
