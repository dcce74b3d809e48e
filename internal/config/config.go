package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "READALOUD"

// Config stores runtime configuration for the recorder.
type Config struct {
	Remote   RemoteConfig   `mapstructure:"remote"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Session  SessionConfig  `mapstructure:"session"`
	Health   HealthConfig   `mapstructure:"health"`
	Identity IdentityConfig `mapstructure:"identity"`
	Log      LogConfig      `mapstructure:"log"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AudioConfig struct {
	Backend           string        `mapstructure:"backend" validate:"oneof=ffmpeg browser"`
	FFmpegCommand     string        `mapstructure:"ffmpeg_command"`
	InputFormat       string        `mapstructure:"input_format"`
	InputDevice       string        `mapstructure:"input_device"`
	SampleRate        int           `mapstructure:"sample_rate"`
	Channels          int           `mapstructure:"channels"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	Formats           []string      `mapstructure:"formats" validate:"min=1"`
	DefaultFormat     string        `mapstructure:"default_format" validate:"required"`
	BridgeAddr        string        `mapstructure:"bridge_addr" validate:"required_if=Backend browser"`
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
}

type SessionConfig struct {
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type IdentityConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load resolves configuration from defaults, an optional YAML file and
// READALOUD_* environment variables, in increasing priority. An empty path
// looks for config.yaml in the user config directory.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := appConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyFallbacks(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "http://localhost:8000")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("audio.backend", "ffmpeg")
	v.SetDefault("audio.ffmpeg_command", "ffmpeg")
	v.SetDefault("audio.input_format", "pulse")
	v.SetDefault("audio.input_device", "default")
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.chunk_size", 4096)
	v.SetDefault("audio.formats", []string{
		"audio/webm",
		"audio/webm;codecs=opus",
		"audio/ogg;codecs=opus",
		"audio/mp4",
	})
	v.SetDefault("audio.default_format", "audio/webm")
	v.SetDefault("audio.bridge_addr", "127.0.0.1:8765")
	v.SetDefault("audio.permission_timeout", 15*time.Second)

	v.SetDefault("session.max_duration", 20*time.Second)
	v.SetDefault("session.drain_timeout", 2*time.Second)

	v.SetDefault("health.interval", 30*time.Second)

	v.SetDefault("identity.path", defaultIdentityPath())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// applyFallbacks replaces out-of-range values with their defaults.
func applyFallbacks(cfg *Config) {
	cfg.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Remote.BaseURL), "/")
	if cfg.Remote.Timeout <= 0 {
		cfg.Remote.Timeout = 30 * time.Second
	}
	cfg.Audio.Backend = strings.ToLower(strings.TrimSpace(cfg.Audio.Backend))
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 4096
	}
	cfg.Audio.Formats = compact(cfg.Audio.Formats)
	if cfg.Audio.DefaultFormat == "" {
		cfg.Audio.DefaultFormat = "audio/webm"
	}
	if cfg.Audio.PermissionTimeout <= 0 {
		cfg.Audio.PermissionTimeout = 15 * time.Second
	}
	if cfg.Session.MaxDuration <= 0 {
		cfg.Session.MaxDuration = 20 * time.Second
	}
	if cfg.Session.DrainTimeout <= 0 {
		cfg.Session.DrainTimeout = 2 * time.Second
	}
	if cfg.Health.Interval < 0 {
		cfg.Health.Interval = 0
	}
	if strings.TrimSpace(cfg.Identity.Path) == "" {
		cfg.Identity.Path = defaultIdentityPath()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func appConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "readaloud")
}

func defaultIdentityPath() string {
	dir := appConfigDir()
	if dir == "" {
		return "identity.yaml"
	}
	return filepath.Join(dir, "identity.yaml")
}
