package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Set required env vars for all subtests
	cleanup := setEnvs(t, map[string]string{
		"CLASSIFIER_URL": "http://localhost:5000/upload-chunk",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.MaxSampleBytes != 10*1024*1024 {
			t.Errorf("MaxSampleBytes = %d, want 10MB", cfg.MaxSampleBytes)
		}
		if cfg.MaxRecordingSeconds != 120 {
			t.Errorf("MaxRecordingSeconds = %d, want 120", cfg.MaxRecordingSeconds)
		}
		if cfg.ClassifierTimeout != 30*time.Second {
			t.Errorf("ClassifierTimeout = %s, want 30s", cfg.ClassifierTimeout)
		}
		if cfg.ClassifierField != "audio_file" {
			t.Errorf("ClassifierField = %q, want audio_file", cfg.ClassifierField)
		}
		if cfg.SessionIdleTimeout != 30*time.Minute {
			t.Errorf("SessionIdleTimeout = %s, want 30m", cfg.SessionIdleTimeout)
		}
		if cfg.MQTTClientID != "voice-sentinel" {
			t.Errorf("MQTTClientID = %q, want voice-sentinel", cfg.MQTTClientID)
		}
		if cfg.S3.Region != "us-east-1" {
			t.Errorf("S3.Region = %q, want us-east-1", cfg.S3.Region)
		}
		if cfg.S3.Enabled() || cfg.ArchiveEnabled() {
			t.Error("archive should be disabled by default")
		}
	})

	t.Run("limits_follow_config", func(t *testing.T) {
		defer setEnvs(t, map[string]string{
			"MAX_SAMPLE_BYTES":      "2048",
			"MAX_RECORDING_SECONDS": "30",
		})()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		l := cfg.Limits()
		if l.MaxSizeBytes != 2048 || l.MaxDurationSeconds != 30 {
			t.Errorf("Limits = %+v, want 2048 bytes / 30s", l)
		}
	})

	t.Run("nested_s3_and_lists", func(t *testing.T) {
		defer setEnvs(t, map[string]string{
			"S3_BUCKET":    "samples",
			"S3_ENDPOINT":  "http://minio:9000",
			"CORS_ORIGINS": "https://a.example,https://b.example",
		})()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !cfg.S3.Enabled() || cfg.S3.Bucket != "samples" || cfg.S3.Endpoint != "http://minio:9000" {
			t.Errorf("S3 = %+v", cfg.S3)
		}
		if !cfg.ArchiveEnabled() {
			t.Error("ArchiveEnabled = false with S3 bucket set")
		}
		if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
			t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:       "nonexistent.env",
			HTTPAddr:      ":9090",
			LogLevel:      "debug",
			ClassifierURL: "http://override:5000/classify",
			DatabaseURL:   "postgres://override/db",
			MQTTBrokerURL: "tcp://override:1883",
			ArchiveDir:    "/tmp/archive",
			WatchDir:      "/tmp/inbox",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.ClassifierURL != "http://override:5000/classify" {
			t.Errorf("ClassifierURL = %q, want override", cfg.ClassifierURL)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.MQTTBrokerURL != "tcp://override:1883" {
			t.Errorf("MQTTBrokerURL = %q, want override", cfg.MQTTBrokerURL)
		}
		if cfg.ArchiveDir != "/tmp/archive" || cfg.WatchDir != "/tmp/inbox" {
			t.Errorf("ArchiveDir/WatchDir = %q/%q", cfg.ArchiveDir, cfg.WatchDir)
		}
	})

	t.Run("env_file_is_read", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		if err := os.WriteFile(path, []byte("WATCH_DIR=/srv/inbox\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		defer func() { os.Unsetenv("WATCH_DIR") }()
		cfg, err := Load(Overrides{EnvFile: path})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.WatchDir != "/srv/inbox" {
			t.Errorf("WatchDir = %q, want /srv/inbox", cfg.WatchDir)
		}
	})
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		envs map[string]string
		want string
	}{
		{"missing_classifier", map[string]string{"CLASSIFIER_URL": ""}, "CLASSIFIER_URL is required"},
		{"relative_classifier", map[string]string{"CLASSIFIER_URL": "/upload"}, "not an absolute URL"},
		{"zero_size_cap", map[string]string{"CLASSIFIER_URL": "http://c", "MAX_SAMPLE_BYTES": "0"}, "MAX_SAMPLE_BYTES"},
		{"zero_duration_cap", map[string]string{"CLASSIFIER_URL": "http://c", "MAX_RECORDING_SECONDS": "0"}, "MAX_RECORDING_SECONDS"},
		{"bad_duration", map[string]string{"CLASSIFIER_URL": "http://c", "CLASSIFIER_TIMEOUT": "soon"}, "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer setEnvs(t, tt.envs)()
			_, err := Load(Overrides{EnvFile: "nonexistent.env"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
