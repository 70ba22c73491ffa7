package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MEDIA_STORAGE_PATH", t.TempDir())
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("MAX_RETRIES", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StorageBackend != StorageLocal {
		t.Errorf("StorageBackend = %q, want local", cfg.StorageBackend)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("DatabaseDriver = %q, want sqlite", cfg.DatabaseDriver)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.ViewerURLTTL != 15*time.Minute {
		t.Errorf("ViewerURLTTL = %s", cfg.ViewerURLTTL)
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("MEDIA_STORAGE_PATH", t.TempDir())
	t.Setenv("MAX_RETRIES", "-3")
	t.Setenv("VIEWER_URL_TTL", "soon")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default 5", cfg.MaxRetries)
	}
	if cfg.ViewerURLTTL != 15*time.Minute {
		t.Errorf("ViewerURLTTL = %s, want default", cfg.ViewerURLTTL)
	}
}

func TestLoadConfig_RejectsIncompleteBackends(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "tape"}},
		{"s3 without bucket", map[string]string{"STORAGE_BACKEND": "s3", "S3_REGION": "eu-west-1", "S3_BUCKET": ""}},
		{"postgres without dsn", map[string]string{"DATABASE_DRIVER": "postgres", "DATABASE_DSN": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MEDIA_STORAGE_PATH", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
