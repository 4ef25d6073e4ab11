package config

// ConfigDiff describes what changed between two configs.
// Only changes that are safe to apply without a reconnect are marked
// hot-reloadable; a provider or session change requires the user to
// disconnect and reconnect.
type ConfigDiff struct {
	// LogLevelChanged is hot-reloadable.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged covers silence threshold/duration tuning and is
	// hot-reloadable: it applies on the next unmute.
	TurnChanged bool
	NewTurn     TurnConfig

	// ProviderChanged covers provider and session settings. Not
	// hot-reloadable; the running session keeps its original settings.
	ProviderChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Turn != new.Turn {
		d.TurnChanged = true
		d.NewTurn = new.Turn
	}

	if old.Provider.Name != new.Provider.Name ||
		old.Provider.APIKey != new.Provider.APIKey ||
		old.Provider.BaseURL != new.Provider.BaseURL ||
		old.Provider.Model != new.Provider.Model ||
		old.Provider.Voice != new.Provider.Voice ||
		old.Session != new.Session {
		d.ProviderChanged = true
	}

	return d
}
