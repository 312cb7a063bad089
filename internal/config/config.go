// Package config loads render worker settings.
//
// Values come from, in increasing priority: built-in defaults, an optional
// broll.yaml/broll.toml file, a .env file, and BROLL_-prefixed environment
// variables (BROLL_FFMPEG_CODEC overrides ffmpeg.codec). The template catalog
// is a separate TOML file, see LoadCatalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full worker configuration.
type Config struct {
	Service string        `mapstructure:"service"`
	Log     LogConfig     `mapstructure:"log"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Blender BlenderConfig `mapstructure:"blender"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	FFprobe FFprobeConfig `mapstructure:"ffprobe"`
	Device  DeviceConfig  `mapstructure:"device"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Redis   RedisConfig   `mapstructure:"redis"`
	SQS     SQSConfig     `mapstructure:"sqs"`
	Store   StoreConfig   `mapstructure:"store"`
	Storage StorageConfig `mapstructure:"storage"`
	GDrive  GDriveConfig  `mapstructure:"gdrive"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

type PathsConfig struct {
	// ScratchDir holds one subdirectory per running job.
	ScratchDir string `mapstructure:"scratch_dir"`
	// Catalog is the template catalog TOML file; empty uses the built-in catalog.
	Catalog string `mapstructure:"catalog"`
}

type BlenderConfig struct {
	Binary string `mapstructure:"binary"`
	// Wrapper is prepended to the Blender command line (xvfb-run for headless GPU init).
	Wrapper      []string      `mapstructure:"wrapper"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type FFmpegConfig struct {
	Binary  string        `mapstructure:"binary"`
	HWAccel string        `mapstructure:"hwaccel"`
	Codec   string        `mapstructure:"codec"`
	Preset  string        `mapstructure:"preset"`
	CQ      int           `mapstructure:"cq"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type FFprobeConfig struct {
	// Binary is optional; empty skips output verification.
	Binary string `mapstructure:"binary"`
}

type DeviceConfig struct {
	Preference []string `mapstructure:"preference"`
}

type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// AuthSecret enables HS256 bearer auth on job endpoints when set.
	AuthSecret string `mapstructure:"auth_secret"`
}

type QueueConfig struct {
	Driver       string        `mapstructure:"driver"`
	Name         string        `mapstructure:"name"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQSConfig struct {
	QueueURL string `mapstructure:"queue_url"`
	Region   string `mapstructure:"region"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalRoot string `mapstructure:"local_root"`
}

type GDriveConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	FolderID     string `mapstructure:"folder_id"`
}

// Load reads configuration. An explicit path must exist; without one the
// default search locations are tried and a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("broll")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/broll")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Device.Preference = upperAll(c.Device.Preference)
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Storage.Provider = strings.ToLower(strings.TrimSpace(c.Storage.Provider))
	c.FFmpeg.Codec = strings.TrimSpace(c.FFmpeg.Codec)
	c.Blender.Wrapper = trimEmpty(c.Blender.Wrapper)
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func trimEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
