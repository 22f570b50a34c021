package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BEARER_TOKEN", "tok")
	t.Setenv("DB_DSN", "postgres://localhost/snapfleet")
	t.Setenv("S3_ENDPOINT", "https://s3.example.com")
	t.Setenv("S3_BUCKET", "backups")
	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("RESTIC_PASSWORD", "pw")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":3000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.MachineID != "default" {
		t.Fatalf("MachineID = %q", cfg.MachineID)
	}
	if cfg.KeepLast != 10 || cfg.KeepDaily != 7 || cfg.KeepWeekly != 4 || cfg.KeepMonthly != 6 {
		t.Fatalf("retention defaults = %d/%d/%d/%d", cfg.KeepLast, cfg.KeepDaily, cfg.KeepWeekly, cfg.KeepMonthly)
	}
	if cfg.BackupTimeout != 30*time.Minute || cfg.CheckTimeout != 10*time.Minute {
		t.Fatalf("timeouts = %v/%v", cfg.BackupTimeout, cfg.CheckTimeout)
	}
	if len(cfg.ExcludePatterns) != 4 || cfg.ExcludePatterns[0] != "*.tmp" {
		t.Fatalf("ExcludePatterns = %v", cfg.ExcludePatterns)
	}
}

func TestLoadRequiresResticPassword(t *testing.T) {
	setRequired(t)
	t.Setenv("RESTIC_PASSWORD", "placeholder")
	os.Unsetenv("RESTIC_PASSWORD")

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("Load() error = nil, want missing RESTIC_PASSWORD")
	}
}

func TestRepositoryLocator(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{
			name:     "plain endpoint",
			endpoint: "https://s3.example.com",
			want:     "s3:https://s3.example.com/backups/snapfleet",
		},
		{
			name:     "trailing slash trimmed",
			endpoint: "https://s3.example.com/",
			want:     "s3:https://s3.example.com/backups/snapfleet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{S3Endpoint: tt.endpoint, S3Bucket: "backups", RepoPrefix: "snapfleet"}
			if got := cfg.Repository(); got != tt.want {
				t.Fatalf("Repository() = %q, want %q", got, tt.want)
			}
		})
	}
}
