package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DebugChanged bool
	NewDebug     bool

	StrideChanged bool
	NewStride     int

	// ModelsChanged is set when any provider model or key changed; provider
	// swaps require new per-request constructions, which pick up the new
	// values automatically.
	ModelsChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.Debug != new.Server.Debug {
		d.DebugChanged = true
		d.NewDebug = new.Server.Debug
	}

	if old.Orchestrator.ReevalStride != new.Orchestrator.ReevalStride {
		d.StrideChanged = true
		d.NewStride = new.Orchestrator.ReevalStride
	}

	if entryKey(old.Providers.Speaker) != entryKey(new.Providers.Speaker) ||
		entryKey(old.Providers.Executive) != entryKey(new.Providers.Executive) ||
		entryKey(old.Providers.Embeddings) != entryKey(new.Providers.Embeddings) {
		d.ModelsChanged = true
	}

	return d
}

// entryKey strips the uncomparable Options map so entries compare by their
// identifying fields.
func entryKey(e ProviderEntry) providerEntryKey {
	return providerEntryKey{
		Name:    e.Name,
		APIKey:  e.APIKey,
		BaseURL: e.BaseURL,
		Model:   e.Model,
	}
}

// providerEntryKey mirrors ProviderEntry's identifying fields without the
// uncomparable Options map, so values can be compared with ==.
type providerEntryKey struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}
