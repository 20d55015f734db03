// Package config provides configuration management for the cin supervisor.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Events  EventsConfig  `mapstructure:"events"`
	Tmux    TmuxConfig    `mapstructure:"tmux"`
	Voice   VoiceConfig   `mapstructure:"voice"`
	Logging LoggingConfig `mapstructure:"logging"`
	Debug   bool          `mapstructure:"debug"`
	Trace   bool          `mapstructure:"trace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// Origin is an optional extra CORS origin allowed in addition to
	// loopback origins.
	Origin string `mapstructure:"origin"`
}

// PathsConfig holds locations of all persisted state files.
// Tilde-prefixed values expand against the user's home directory.
type PathsConfig struct {
	DataDir      string `mapstructure:"dataDir"`
	EventsFile   string `mapstructure:"eventsFile"`
	SessionsFile string `mapstructure:"sessionsFile"`
	MetadataFile string `mapstructure:"metadataFile"`
	TilesFile    string `mapstructure:"tilesFile"`
	FeedbackDir  string `mapstructure:"feedbackDir"`
}

// EventsConfig holds event history configuration.
type EventsConfig struct {
	MaxEvents int `mapstructure:"maxEvents"`
}

// TmuxConfig holds terminal multiplexer configuration.
type TmuxConfig struct {
	// Session is the tmux session name offered to attach clients via /config.
	Session string `mapstructure:"session"`
	// TimeoutSeconds bounds every tmux subprocess invocation.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

// VoiceConfig holds the voice transcription proxy configuration.
type VoiceConfig struct {
	DeepgramAPIKey string `mapstructure:"deepgramApiKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TmuxTimeout returns the tmux invocation timeout as a time.Duration.
func (t *TmuxConfig) TmuxTimeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// VoiceEnabled reports whether the voice proxy can be offered to clients.
func (v *VoiceConfig) VoiceEnabled() bool {
	return v.DeepgramAPIKey != ""
}

// ExpandPath expands a leading "~/" against the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: "json" for production, "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CIN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults - loopback only by design
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3033)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.origin", "")

	// Persisted state defaults
	v.SetDefault("paths.dataDir", "~/.cin/data")
	v.SetDefault("paths.eventsFile", "~/.cin/data/events.jsonl")
	v.SetDefault("paths.sessionsFile", "~/.cin/data/sessions.json")
	v.SetDefault("paths.metadataFile", "~/.cin/data/cin-metadata.json")
	v.SetDefault("paths.tilesFile", "~/.cin/data/tiles.json")
	v.SetDefault("paths.feedbackDir", "~/.cin/data/feedback")

	// Event history defaults
	v.SetDefault("events.maxEvents", 1000)

	// Tmux defaults
	v.SetDefault("tmux.session", "cin")
	v.SetDefault("tmux.timeoutSeconds", 5)

	// Voice defaults - disabled unless an API key is provided
	v.SetDefault("voice.deepgramApiKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("debug", false)
	v.SetDefault("trace", false)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CIN_ with snake_case
// naming; the bare legacy names (PORT, EVENTS_FILE, ...) are bound as
// aliases so existing hook installations keep working.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings: the hook scripts and older installs export flat
	// variable names without the CIN_ prefix.
	_ = v.BindEnv("server.port", "PORT", "CIN_SERVER_PORT")
	_ = v.BindEnv("server.origin", "CORS_ORIGIN", "CIN_SERVER_ORIGIN")
	_ = v.BindEnv("paths.eventsFile", "EVENTS_FILE", "CIN_PATHS_EVENTS_FILE")
	_ = v.BindEnv("paths.sessionsFile", "SESSIONS_FILE", "CIN_PATHS_SESSIONS_FILE")
	_ = v.BindEnv("paths.metadataFile", "METADATA_FILE", "CIN_PATHS_METADATA_FILE")
	_ = v.BindEnv("paths.tilesFile", "TILES_FILE", "CIN_PATHS_TILES_FILE")
	_ = v.BindEnv("events.maxEvents", "MAX_EVENTS", "CIN_EVENTS_MAX_EVENTS")
	_ = v.BindEnv("tmux.session", "TMUX_SESSION", "CIN_TMUX_SESSION")
	_ = v.BindEnv("voice.deepgramApiKey", "DEEPGRAM_API_KEY", "CIN_VOICE_DEEPGRAM_API_KEY")
	_ = v.BindEnv("debug", "DEBUG", "CIN_DEBUG")
	_ = v.BindEnv("trace", "TRACE", "CIN_TRACE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(ExpandPath("~/.cin"))

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandPaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Debug env flips logging to debug level unless explicitly configured
	if cfg.Debug && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}

	return &cfg, nil
}

// expandPaths resolves tilde prefixes on all path settings.
func expandPaths(cfg *Config) {
	cfg.Paths.DataDir = ExpandPath(cfg.Paths.DataDir)
	cfg.Paths.EventsFile = ExpandPath(cfg.Paths.EventsFile)
	cfg.Paths.SessionsFile = ExpandPath(cfg.Paths.SessionsFile)
	cfg.Paths.MetadataFile = ExpandPath(cfg.Paths.MetadataFile)
	cfg.Paths.TilesFile = ExpandPath(cfg.Paths.TilesFile)
	cfg.Paths.FeedbackDir = ExpandPath(cfg.Paths.FeedbackDir)
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Events.MaxEvents <= 0 {
		errs = append(errs, "events.maxEvents must be positive")
	}

	if cfg.Tmux.TimeoutSeconds <= 0 {
		errs = append(errs, "tmux.timeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
