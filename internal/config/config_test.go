package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Service != "broll-render" {
		t.Errorf("Service = %q", cfg.Service)
	}
	if cfg.Blender.Timeout != time.Hour {
		t.Errorf("Blender.Timeout = %v, want 1h", cfg.Blender.Timeout)
	}
	if cfg.FFmpeg.Codec != "h264_nvenc" || cfg.FFmpeg.CQ != 19 || cfg.FFmpeg.Preset != "p5" {
		t.Errorf("unexpected ffmpeg defaults: %+v", cfg.FFmpeg)
	}
	if got := strings.Join(cfg.Device.Preference, ","); got != "OPTIX,CUDA,HIP,ONEAPI,METAL" {
		t.Errorf("Device.Preference = %s", got)
	}
	if len(cfg.Blender.Wrapper) != 3 || cfg.Blender.Wrapper[0] != "xvfb-run" {
		t.Errorf("Blender.Wrapper = %v", cfg.Blender.Wrapper)
	}
	if cfg.Fetch.Timeout != 120*time.Second {
		t.Errorf("Fetch.Timeout = %v", cfg.Fetch.Timeout)
	}
	if cfg.Store.Driver != "memory" || cfg.Storage.Provider != "none" {
		t.Errorf("unexpected store/storage defaults: %s/%s", cfg.Store.Driver, cfg.Storage.Provider)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BROLL_FFMPEG_CODEC", "h264_vaapi")
	t.Setenv("BROLL_BLENDER_TIMEOUT", "90m")
	t.Setenv("BROLL_STORE_DRIVER", "SQLite")
	t.Setenv("BROLL_STORE_DSN", "/tmp/jobs.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FFmpeg.Codec != "h264_vaapi" {
		t.Errorf("FFmpeg.Codec = %q", cfg.FFmpeg.Codec)
	}
	if cfg.Blender.Timeout != 90*time.Minute {
		t.Errorf("Blender.Timeout = %v", cfg.Blender.Timeout)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want normalized sqlite", cfg.Store.Driver)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "broll.yaml")
	content := `
device:
  preference: [cuda, hip]
ffmpeg:
  cq: 23
queue:
  driver: none
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Device.Preference, ","); got != "CUDA,HIP" {
		t.Errorf("Device.Preference = %s, want CUDA,HIP", got)
	}
	if cfg.FFmpeg.CQ != 23 {
		t.Errorf("FFmpeg.CQ = %d", cfg.FFmpeg.CQ)
	}
	if cfg.Queue.Driver != "none" {
		t.Errorf("Queue.Driver = %q", cfg.Queue.Driver)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	chdir(t, t.TempDir())
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"software codec", func(c *Config) { c.FFmpeg.Codec = "libx264" }, "not a hardware H.264 encoder"},
		{"empty blender", func(c *Config) { c.Blender.Binary = "" }, "blender.binary"},
		{"empty preference", func(c *Config) { c.Device.Preference = nil }, "at least one backend"},
		{"cpu backend", func(c *Config) { c.Device.Preference = []string{"CUDA", "CPU"} }, "must not include CPU"},
		{"unknown backend", func(c *Config) { c.Device.Preference = []string{"VULKAN"} }, "unknown backend"},
		{"duplicate backend", func(c *Config) { c.Device.Preference = []string{"CUDA", "CUDA"} }, "duplicate backend"},
		{"unknown queue", func(c *Config) { c.Queue.Driver = "kafka" }, "queue.driver"},
		{"sqs without url", func(c *Config) { c.Queue.Driver = "sqs" }, "sqs.queue_url"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Provider = "s3" }, "storage.provider"},
		{"gdrive without creds", func(c *Config) { c.Storage.Provider = "gdrive" }, "gdrive.client_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsHardwareCodec(t *testing.T) {
	for _, c := range []string{"h264_nvenc", "h264_vaapi", "h264_qsv", "h264_amf", "h264_videotoolbox"} {
		if !IsHardwareCodec(c) {
			t.Errorf("%s should be accepted", c)
		}
	}
	for _, c := range []string{"libx264", "libopenh264", "hevc_nvenc", ""} {
		if IsHardwareCodec(c) {
			t.Errorf("%s should be rejected", c)
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Run("empty path uses built-in", func(t *testing.T) {
		cat, err := LoadCatalog("")
		if err != nil {
			t.Fatalf("LoadCatalog: %v", err)
		}
		p, ok := cat.Lookup("ai_cpu_activation")
		if !ok || p != "/workspace/templates/ai_cpu_activation_branded.blend" {
			t.Errorf("Lookup(ai_cpu_activation) = %q, %v", p, ok)
		}
	})

	t.Run("relative paths resolve against the file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "catalog.toml")
		content := "[templates]\nspin = \"spin.blend\"\nlogo = \"/abs/logo.blend\"\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		cat, err := LoadCatalog(path)
		if err != nil {
			t.Fatalf("LoadCatalog: %v", err)
		}
		if p, _ := cat.Lookup("spin"); p != filepath.Join(dir, "spin.blend") {
			t.Errorf("spin = %q", p)
		}
		if p, _ := cat.Lookup("logo"); p != "/abs/logo.blend" {
			t.Errorf("logo = %q", p)
		}
		if got := strings.Join(cat.Names(), ","); got != "logo,spin" {
			t.Errorf("Names = %s", got)
		}
	})

	t.Run("empty catalog is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.toml")
		if err := os.WriteFile(path, []byte("[templates]\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCatalog(path); err == nil {
			t.Fatal("expected error for empty catalog")
		}
	})

	t.Run("malformed toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.toml")
		if err := os.WriteFile(path, []byte("[templates\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCatalog(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
