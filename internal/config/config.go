// Package config provides the configuration schema, loader, and provider
// registry for the Parley voice client.
package config

// LogLevel controls log verbosity for the Parley process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OutputModality selects the remote service's response modality.
type OutputModality string

const (
	ModalityAudio OutputModality = "audio"
	ModalityText  OutputModality = "text"
)

// IsValid reports whether m is a recognised output modality.
func (m OutputModality) IsValid() bool {
	return m == ModalityAudio || m == ModalityText
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderEntry  `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Turn     TurnConfig     `yaml:"turn"`
	Playback PlaybackConfig `yaml:"playback"`
}

// ServerConfig holds network and logging settings for the health/metrics
// endpoint.
type ServerConfig struct {
	// ListenAddr is the TCP address the observability server listens on
	// (e.g., ":8080"). Empty disables the server entirely.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the live conversational backend. The
// Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gemini-2.0-flash-exp", "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Voice selects the provider voice for synthesised output. Empty uses
	// the provider default.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the conversational behavior sent at session start.
type SessionConfig struct {
	// Instructions is the behavioral-instruction payload: the persona plus
	// any formatting contract the remote service must follow.
	Instructions string `yaml:"instructions"`

	// OutputModality requests the response modality. Defaults to audio.
	OutputModality OutputModality `yaml:"output_modality"`
}

// CaptureConfig holds microphone settings.
type CaptureConfig struct {
	// Device names the capture device to open. Empty selects the system
	// default microphone.
	Device string `yaml:"device"`
}

// TurnConfig tunes the silence-based end-of-turn detector.
type TurnConfig struct {
	// SilenceThreshold is the RMS level below which a block counts as
	// silence. Zero uses the built-in default of 0.01.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceMs is how long (in milliseconds) the user must stay silent
	// after speaking before the turn ends. Zero uses the built-in default
	// of 2500.
	SilenceMs int `yaml:"silence_ms"`
}

// PlaybackConfig holds speaker output settings.
type PlaybackConfig struct {
	// Device names the playback device to open. Empty selects the system
	// default speaker.
	Device string `yaml:"device"`
}
