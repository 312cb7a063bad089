package config

import (
	"errors"
	"fmt"
	"strings"
)

// hardwareCodecs lists the H.264 encoders that run on dedicated hardware.
// Software encoders such as libx264 are rejected so a missing GPU encoder
// fails the job instead of silently degrading.
var hardwareCodecs = map[string]bool{
	"h264_nvenc":        true,
	"h264_vaapi":        true,
	"h264_qsv":          true,
	"h264_amf":          true,
	"h264_videotoolbox": true,
}

var knownBackends = map[string]bool{
	"OPTIX":  true,
	"CUDA":   true,
	"HIP":    true,
	"ONEAPI": true,
	"METAL":  true,
}

// IsHardwareCodec reports whether codec is an accepted hardware H.264 encoder.
func IsHardwareCodec(codec string) bool {
	return hardwareCodecs[strings.TrimSpace(codec)]
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Blender.Binary) == "" {
		errs = append(errs, errors.New("blender.binary is required"))
	}
	if strings.TrimSpace(c.FFmpeg.Binary) == "" {
		errs = append(errs, errors.New("ffmpeg.binary is required"))
	}
	if !IsHardwareCodec(c.FFmpeg.Codec) {
		errs = append(errs, fmt.Errorf("ffmpeg.codec %q is not a hardware H.264 encoder", c.FFmpeg.Codec))
	}
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		errs = append(errs, errors.New("paths.scratch_dir is required"))
	}

	if len(c.Device.Preference) == 0 {
		errs = append(errs, errors.New("device.preference must list at least one backend"))
	}
	seen := make(map[string]bool, len(c.Device.Preference))
	for _, b := range c.Device.Preference {
		if b == "CPU" {
			errs = append(errs, errors.New("device.preference must not include CPU"))
			continue
		}
		if !knownBackends[b] {
			errs = append(errs, fmt.Errorf("device.preference: unknown backend %q", b))
		}
		if seen[b] {
			errs = append(errs, fmt.Errorf("device.preference: duplicate backend %q", b))
		}
		seen[b] = true
	}

	if c.Blender.Timeout <= 0 {
		errs = append(errs, errors.New("blender.timeout must be positive"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}

	switch c.Queue.Driver {
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis queue"))
		}
	case "sqs":
		if c.SQS.QueueURL == "" {
			errs = append(errs, errors.New("sqs.queue_url is required for the sqs queue"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s store", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	switch c.Storage.Provider {
	case "none", "":
	case "localfs":
		if c.Storage.LocalRoot == "" {
			errs = append(errs, errors.New("storage.local_root is required for localfs"))
		}
	case "gdrive":
		if c.GDrive.ClientID == "" || c.GDrive.ClientSecret == "" || c.GDrive.RefreshToken == "" {
			errs = append(errs, errors.New("gdrive.client_id, gdrive.client_secret and gdrive.refresh_token are required for gdrive"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.provider: unknown provider %q", c.Storage.Provider))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
