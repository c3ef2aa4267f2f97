// Package config provides the configuration schema, loader, and file watcher
// for the Workdeck server.
package config

import "time"

// LogLevel controls log verbosity for the Workdeck server.
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

// Config is the root configuration structure for Workdeck.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Recording RecordingConfig `yaml:"recording"`
}

// ServerConfig holds network and logging settings for the Workdeck server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
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

// StorageConfig holds settings for the on-disk document store.
type StorageConfig struct {
	// DataDir is the root directory holding all workspace documents.
	DataDir string `yaml:"data_dir"`

	// CheckpointInterval is how often active recording sessions are flushed
	// to disk. Zero selects the built-in default of 30 seconds.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// RecordingConfig holds server-wide defaults applied to workspaces that have
// not saved their own recording settings.
type RecordingConfig struct {
	// Model is the default speech recognition model (e.g., "nova-2").
	Model string `yaml:"model"`

	// Language is the default recognition language as a BCP-47 tag.
	Language string `yaml:"language"`

	// Diarization enables speaker separation by default.
	Diarization bool `yaml:"diarization"`

	// SaveAudio keeps the raw audio of recordings by default.
	SaveAudio bool `yaml:"save_audio"`
}
