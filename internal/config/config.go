// Package config provides application configuration management.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// CAMSTREAM_* environment variables. Nested keys use a double underscore in
// environment names, e.g. CAMSTREAM_STREAM__RESTART_COOLDOWN=10s.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/camwall/camstream/internal/types"
	"github.com/camwall/camstream/internal/util"
)

// ConfigPathEnvVar overrides the config file location when no flag is given.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix is the prefix of environment variables read into settings.
const EnvPrefix = "CAMSTREAM_"

// Configuration defaults.
const (
	DefaultWebPort         = 3033
	DefaultCamerasFile     = "./data/cameras.json"
	DefaultStreamsDir      = "./streams"
	DefaultFFmpegBinary    = "ffmpeg"
	DefaultSegmentDuration = 2
	DefaultListSize        = 5
	DefaultEmailSMTPPort   = 587
	DefaultEmailFromName   = "Camera Wall"
	DefaultFailureAlert    = 3
)

// WebConfig contains web server configuration.
type WebConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"gte=1,lte=65535"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// PathsConfig locates the camera directory file and the stream output directory.
type PathsConfig struct {
	CamerasFile string `koanf:"cameras_file" validate:"required"`
	StreamsDir  string `koanf:"streams_dir" validate:"required"`
}

// FFmpegConfig selects the transcoder binary.
type FFmpegConfig struct {
	Binary  string `koanf:"binary" validate:"required"`
	Verbose bool   `koanf:"verbose"`
}

// StreamConfig holds supervisor timing.
type StreamConfig struct {
	StartupPacing   time.Duration `koanf:"startup_pacing" validate:"gte=0"`
	RestartCooldown time.Duration `koanf:"restart_cooldown" validate:"gt=0"`
	StableAfter     time.Duration `koanf:"stable_after" validate:"gt=0"`
	StopTimeout     time.Duration `koanf:"stop_timeout" validate:"gt=0"`
}

// HLSConfig controls the segmented output shared by both profiles.
type HLSConfig struct {
	SegmentDuration int `koanf:"segment_duration" validate:"gte=1"`
	ListSize        int `koanf:"list_size" validate:"gte=1"`
}

// PrimaryConfig contains the re-encode profile parameters.
type PrimaryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Width          int           `koanf:"width" validate:"gte=16"`
	FrameRate      int           `koanf:"frame_rate" validate:"gte=1,lte=120"`
	GOP            int           `koanf:"gop" validate:"gte=1"`
	Bitrate        string        `koanf:"bitrate" validate:"required"`
	MaxRate        string        `koanf:"max_rate" validate:"required"`
	BufferSize     string        `koanf:"buffer_size" validate:"required"`
	Preset         string        `koanf:"preset" validate:"required"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gte=0"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// EmailConfig contains email notification configuration.
type EmailConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	FromName   string `koanf:"from_name"`
	Username   string `koanf:"username"`
	Password   string `koanf:"password"`
	Recipients string `koanf:"recipients"`
}

// NotificationsConfig contains all notification configuration.
type NotificationsConfig struct {
	FailureThreshold int         `koanf:"failure_threshold" validate:"gte=1"`
	WebhookURL       string      `koanf:"webhook_url" validate:"omitempty,url"`
	LogPath          string      `koanf:"log_path"`
	Email            EmailConfig `koanf:"email"`
}

// WatchConfig controls reacting to out-of-band edits of the cameras file.
type WatchConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gte=100ms"`
}

// Config holds all application configuration. It is read-only after Load.
type Config struct {
	Web           WebConfig           `koanf:"web"`
	Paths         PathsConfig         `koanf:"paths"`
	FFmpeg        FFmpegConfig        `koanf:"ffmpeg"`
	Stream        StreamConfig        `koanf:"stream"`
	HLS           HLSConfig           `koanf:"hls"`
	Primary       PrimaryConfig       `koanf:"primary"`
	Logging       LoggingConfig       `koanf:"logging"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Watch         WatchConfig         `koanf:"watch"`

	filePath string
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Web: WebConfig{
			Port: DefaultWebPort,
		},
		Paths: PathsConfig{
			CamerasFile: DefaultCamerasFile,
			StreamsDir:  DefaultStreamsDir,
		},
		FFmpeg: FFmpegConfig{
			Binary: DefaultFFmpegBinary,
		},
		Stream: StreamConfig{
			StartupPacing:   types.DefaultStartupPacing,
			RestartCooldown: types.DefaultRestartCooldown,
			StableAfter:     types.DefaultStableAfter,
			StopTimeout:     types.DefaultStopTimeout,
		},
		HLS: HLSConfig{
			SegmentDuration: DefaultSegmentDuration,
			ListSize:        DefaultListSize,
		},
		Primary: PrimaryConfig{
			Enabled:        true,
			Width:          720,
			FrameRate:      15,
			GOP:            30,
			Bitrate:        "2M",
			MaxRate:        "2.2M",
			BufferSize:     "2M",
			Preset:         "veryfast",
			ConnectTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Notifications: NotificationsConfig{
			FailureThreshold: DefaultFailureAlert,
			Email: EmailConfig{
				Port:     DefaultEmailSMTPPort,
				FromName: DefaultEmailFromName,
			},
		},
		Watch: WatchConfig{
			Enabled:  true,
			Interval: 2 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if any)
// and the environment. An empty path falls back to CONFIG_PATH and then to
// config.yaml next to the executable; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, util.WrapError("load defaults", err)
	}

	path = resolvePath(path)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, util.WrapError("stat config file", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, util.WrapError("load environment", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, util.WrapError("unmarshal configuration", err)
	}
	cfg.filePath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps CAMSTREAM_STREAM__RESTART_COOLDOWN to stream.restart_cooldown.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func resolvePath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml")
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	return util.ValidateStruct(c)
}

// FilePath returns the config file that was consulted, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// AuthEnabled reports whether both web credentials are configured.
func (c *Config) AuthEnabled() bool {
	return util.IsConfigured(c.Web.Username, c.Web.Password)
}

// LogLevel returns the effective log level; verbose ffmpeg output forces debug.
func (c *Config) LogLevel() string {
	if c.FFmpeg.Verbose {
		return "debug"
	}
	return c.Logging.Level
}

// HasWebhook returns true if a webhook URL is configured.
func (n *NotificationsConfig) HasWebhook() bool {
	return n.WebhookURL != ""
}

// HasEmail returns true if email notifications are configured.
func (n *NotificationsConfig) HasEmail() bool {
	return util.IsConfigured(n.Email.Host, n.Email.Recipients)
}

// HasLogPath returns true if a log path is configured.
func (n *NotificationsConfig) HasLogPath() bool {
	return n.LogPath != ""
}
