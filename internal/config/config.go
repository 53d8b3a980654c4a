// Package config provides configuration management for amps using Viper.
// It supports configuration from files, environment variables, and defaults.
//
// A single YAML file carries two layers: the process configuration blocks
// below (server, logging, transcoder, ...) read through Viper, and the
// channel catalogue (streams, ffmpeg_profiles, scheduled_streams) read
// separately via LoadChannels so unknown channel fields survive a
// read-modify-write cycle.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultChunkSize         = 64 * 1024
	defaultRingSize          = 8 * 1024 * 1024
	defaultSubscriberQueue   = 32
	defaultSubscriberTimeout = 5 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultReapInterval      = 15 * time.Second
	defaultSpawnGrace        = 1 * time.Second
	defaultStopGrace         = 5 * time.Second
	defaultShutdownGrace     = 10 * time.Second
	defaultRestartMax        = 5
	defaultRestartWindow     = 60 * time.Second
	defaultManifestTimeout   = 10 * time.Second
	defaultHLSSegmentSecs    = 4
	defaultResolverTimeout   = 30 * time.Second
	defaultSchedulerTick     = 1 * time.Second
	defaultWatchDebounce     = 500 * time.Millisecond
	defaultSweepCron         = "0 3 * * *"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Transcoder  TranscoderConfig  `mapstructure:"transcoder"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Watch       WatchConfig       `mapstructure:"watch"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	// BaseURL overrides the externally visible URL used when rendering
	// playlist and EPG links (empty = derived from the request).
	BaseURL string `mapstructure:"base_url"`
	// Token protects the API and playback surface. Empty disables
	// authentication. Also settable via AMPS_TOKEN.
	Token string `mapstructure:"token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// TranscoderConfig holds child process and fan-out configuration.
type TranscoderConfig struct {
	FFmpegPath string `mapstructure:"ffmpeg_path"` // Path to ffmpeg binary
	// MediaRoot is where segmented outputs (HLS/DASH) are written.
	// Empty = {os.TempDir}/amps_media.
	MediaRoot string `mapstructure:"media_root"`
	// ChunkSize is the stdout read size. Supports human-readable values
	// like "64KB".
	ChunkSize ByteSize `mapstructure:"chunk_size"`
	// RingSize bounds the per-record replay buffer handed to late joiners.
	RingSize          ByteSize      `mapstructure:"ring_size"`
	SubscriberQueue   int           `mapstructure:"subscriber_queue"`   // chunks buffered per subscriber
	SubscriberTimeout time.Duration `mapstructure:"subscriber_timeout"` // per-chunk delivery deadline
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`       // zero-subscriber lifetime
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	SpawnGrace        time.Duration `mapstructure:"spawn_grace"`  // child must outlive this to go Running
	StopGrace         time.Duration `mapstructure:"stop_grace"`   // SIGTERM to SIGKILL window
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	RestartMax        int           `mapstructure:"restart_max"`    // restarts allowed per window
	RestartWindow     time.Duration `mapstructure:"restart_window"`
	ManifestTimeout   time.Duration `mapstructure:"manifest_timeout"` // wait for first playable manifest
	HLSSegmentSecs    int           `mapstructure:"hls_segment_secs"`
	// RTSPBase is the server RTSP outputs publish to.
	RTSPBase string `mapstructure:"rtsp_base"`
}

// ResolverConfig holds yt-dlp source resolution configuration.
type ResolverConfig struct {
	Path    string        `mapstructure:"path"` // Path to yt-dlp binary
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig holds scheduled channel activation configuration.
type SchedulerConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

// MaintenanceConfig holds the media directory sweep configuration.
type MaintenanceConfig struct {
	SweepCron    string `mapstructure:"sweep_cron"` // 5-field cron expression
	SweepOnStart bool   `mapstructure:"sweep_on_start"`
}

// WatchConfig holds config file watching configuration.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with AMPS_ and use underscores for
// nesting. Example: AMPS_SERVER_PORT=8080. AMPS_TOKEN is accepted as a
// shorthand for server.token.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/amps")
		v.AddConfigPath("$HOME/.amps")
	}

	// Environment variable settings
	v.SetEnvPrefix("AMPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.token", "AMPS_TOKEN", "AMPS_SERVER_TOKEN"); err != nil {
		return nil, fmt.Errorf("binding token env: %w", err)
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_header_timeout", defaultReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Transcoder defaults
	v.SetDefault("transcoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcoder.media_root", "")
	v.SetDefault("transcoder.chunk_size", defaultChunkSize)
	v.SetDefault("transcoder.ring_size", defaultRingSize)
	v.SetDefault("transcoder.subscriber_queue", defaultSubscriberQueue)
	v.SetDefault("transcoder.subscriber_timeout", defaultSubscriberTimeout)
	v.SetDefault("transcoder.idle_timeout", defaultIdleTimeout)
	v.SetDefault("transcoder.reap_interval", defaultReapInterval)
	v.SetDefault("transcoder.spawn_grace", defaultSpawnGrace)
	v.SetDefault("transcoder.stop_grace", defaultStopGrace)
	v.SetDefault("transcoder.shutdown_grace", defaultShutdownGrace)
	v.SetDefault("transcoder.restart_max", defaultRestartMax)
	v.SetDefault("transcoder.restart_window", defaultRestartWindow)
	v.SetDefault("transcoder.manifest_timeout", defaultManifestTimeout)
	v.SetDefault("transcoder.hls_segment_secs", defaultHLSSegmentSecs)
	v.SetDefault("transcoder.rtsp_base", "rtsp://127.0.0.1:8554")

	// Resolver defaults
	v.SetDefault("resolver.path", "yt-dlp")
	v.SetDefault("resolver.timeout", defaultResolverTimeout)

	// Scheduler defaults
	v.SetDefault("scheduler.tick", defaultSchedulerTick)

	// Maintenance defaults
	v.SetDefault("maintenance.sweep_cron", defaultSweepCron)
	v.SetDefault("maintenance.sweep_on_start", false)

	// Watch defaults
	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", defaultWatchDebounce)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Transcoder validation
	if c.Transcoder.FFmpegPath == "" {
		return fmt.Errorf("transcoder.ffmpeg_path is required")
	}
	if c.Transcoder.ChunkSize < 1 {
		return fmt.Errorf("transcoder.chunk_size must be positive")
	}
	if c.Transcoder.RingSize < c.Transcoder.ChunkSize {
		return fmt.Errorf("transcoder.ring_size must be at least one chunk")
	}
	if c.Transcoder.SubscriberQueue < 1 {
		return fmt.Errorf("transcoder.subscriber_queue must be at least 1")
	}
	if c.Transcoder.RestartMax < 0 {
		return fmt.Errorf("transcoder.restart_max must not be negative")
	}
	if c.Transcoder.HLSSegmentSecs < 1 {
		return fmt.Errorf("transcoder.hls_segment_secs must be at least 1")
	}

	// Resolver validation
	if c.Resolver.Path == "" {
		return fmt.Errorf("resolver.path is required")
	}
	if c.Resolver.Timeout <= 0 {
		return fmt.Errorf("resolver.timeout must be positive")
	}

	// Scheduler validation
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MediaPath returns the directory segmented outputs are written under,
// applying the temp-dir default when media_root is unset.
func (c *TranscoderConfig) MediaPath() string {
	if c.MediaRoot != "" {
		return c.MediaRoot
	}
	return filepath.Join(os.TempDir(), "amps_media")
}
