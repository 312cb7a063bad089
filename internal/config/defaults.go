package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	defaultService      = "broll-render"
	defaultScratchDir   = "/tmp/broll"
	defaultBlender      = "blender"
	defaultFFmpeg       = "ffmpeg"
	defaultFFprobe      = "ffprobe"
	defaultHWAccel      = "cuda"
	defaultCodec        = "h264_nvenc"
	defaultPreset       = "p5"
	defaultCQ           = 19
	defaultUserAgent    = "broll-render/1.0"
	defaultMaxTemplate  = int64(2 << 30)
	defaultHTTPAddr     = "0.0.0.0:8080"
	defaultQueueName    = "broll:jobs"
	defaultRedisAddr    = "localhost:6379"
	defaultBlockTimeout = 30 * time.Second
)

// DefaultDevicePreference is the fixed backend order: ray-tracing first, then
// general GPU compute. There is deliberately no CPU entry.
var DefaultDevicePreference = []string{"OPTIX", "CUDA", "HIP", "ONEAPI", "METAL"}

// DefaultBlenderWrapper starts a virtual X server so GPU drivers initialize headless.
var DefaultBlenderWrapper = []string{"xvfb-run", "-a", "--server-args=-screen 0 1920x1080x24"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", defaultService)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.add_source", false)

	v.SetDefault("paths.scratch_dir", defaultScratchDir)
	v.SetDefault("paths.catalog", "")

	v.SetDefault("blender.binary", defaultBlender)
	v.SetDefault("blender.wrapper", DefaultBlenderWrapper)
	v.SetDefault("blender.timeout", time.Hour)
	v.SetDefault("blender.probe_timeout", 2*time.Minute)

	v.SetDefault("ffmpeg.binary", defaultFFmpeg)
	v.SetDefault("ffmpeg.hwaccel", defaultHWAccel)
	v.SetDefault("ffmpeg.codec", defaultCodec)
	v.SetDefault("ffmpeg.preset", defaultPreset)
	v.SetDefault("ffmpeg.cq", defaultCQ)
	v.SetDefault("ffmpeg.timeout", 30*time.Minute)
	v.SetDefault("ffprobe.binary", defaultFFprobe)

	v.SetDefault("device.preference", DefaultDevicePreference)

	v.SetDefault("fetch.timeout", 120*time.Second)
	v.SetDefault("fetch.user_agent", defaultUserAgent)
	v.SetDefault("fetch.max_bytes", defaultMaxTemplate)

	v.SetDefault("http.addr", defaultHTTPAddr)
	v.SetDefault("http.auth_secret", "")

	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.name", defaultQueueName)
	v.SetDefault("queue.block_timeout", defaultBlockTimeout)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("sqs.queue_url", "")
	v.SetDefault("sqs.region", "")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.local_root", "/data")

	v.SetDefault("gdrive.client_id", "")
	v.SetDefault("gdrive.client_secret", "")
	v.SetDefault("gdrive.refresh_token", "")
	v.SetDefault("gdrive.folder_id", "")
}

// Default returns the configuration Load produces with no file and no environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.normalize()
	return cfg
}
