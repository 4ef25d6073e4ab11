package config_test

import (
	"testing"

	"github.com/parleylabs/parley/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
		Turn:     config.TurnConfig{SilenceThreshold: 0.01, SilenceMs: 2500},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.TurnChanged {
		t.Error("expected TurnChanged=false for identical configs")
	}
	if d.ProviderChanged {
		t.Error("expected ProviderChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_TurnTuningChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Turn: config.TurnConfig{SilenceThreshold: 0.01, SilenceMs: 2500}}
	new := &config.Config{Turn: config.TurnConfig{SilenceThreshold: 0.01, SilenceMs: 1500}}

	d := config.Diff(old, new)
	if !d.TurnChanged {
		t.Error("expected TurnChanged=true")
	}
	if d.NewTurn.SilenceMs != 1500 {
		t.Errorf("expected NewTurn.SilenceMs=1500, got %d", d.NewTurn.SilenceMs)
	}
	if d.ProviderChanged {
		t.Error("turn tuning must not flag a provider change")
	}
}

func TestDiff_ProviderChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Provider: config.ProviderEntry{Name: "gemini-live", Voice: "Puck"}}
	new := &config.Config{Provider: config.ProviderEntry{Name: "gemini-live", Voice: "Kore"}}

	d := config.Diff(old, new)
	if !d.ProviderChanged {
		t.Error("expected ProviderChanged=true for a voice change")
	}
}

func TestDiff_SessionChangeFlagsProvider(t *testing.T) {
	t.Parallel()
	old := &config.Config{Session: config.SessionConfig{Instructions: "Be brief."}}
	new := &config.Config{Session: config.SessionConfig{Instructions: "Be chatty."}}

	d := config.Diff(old, new)
	if !d.ProviderChanged {
		t.Error("expected ProviderChanged=true for a session instruction change")
	}
}
