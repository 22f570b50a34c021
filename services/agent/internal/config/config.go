package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the backup agent.
type Config struct {
	Addr        string `env:"ADDR,default=:3000"`
	MachineID   string `env:"MACHINE_ID"`
	BearerToken string `env:"BEARER_TOKEN,required"`

	DBDSN string `env:"DB_DSN,required"`

	S3Endpoint        string `env:"S3_ENDPOINT,required"`
	S3Region          string `env:"S3_REGION,default=auto"`
	S3Bucket          string `env:"S3_BUCKET,required"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID,required"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY,required"`

	ResticPassword  string   `env:"RESTIC_PASSWORD,required"`
	RepoPrefix      string   `env:"REPO_PREFIX,default=snapfleet"`
	BackupPath      string   `env:"BACKUP_PATH,default=/var/lib/snapfleet/data"`
	ExcludePatterns []string `env:"EXCLUDE_PATTERNS,default=*.tmp,*.log,cache/*,logs/*"`

	KeepLast    int `env:"KEEP_LAST,default=10"`
	KeepDaily   int `env:"KEEP_DAILY,default=7"`
	KeepWeekly  int `env:"KEEP_WEEKLY,default=4"`
	KeepMonthly int `env:"KEEP_MONTHLY,default=6"`

	BackupTimeout time.Duration `env:"BACKUP_TIMEOUT,default=30m"`
	CheckTimeout  time.Duration `env:"CHECK_TIMEOUT,default=10m"`

	ConductorURL      string `env:"APP_URL"`
	DiscordWebhookURL string `env:"DISCORD_WEBHOOK_URL"`
	NATSURL           string `env:"NATS_URL"`
	OTLPEndpoint      string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.MachineID == "" {
		cfg.MachineID = "default"
	}
	return cfg, nil
}

// Repository returns the restic repository locator derived from the S3
// settings, e.g. "s3:https://endpoint/bucket/prefix".
func (c Config) Repository() string {
	endpoint := strings.TrimRight(c.S3Endpoint, "/")
	return fmt.Sprintf("s3:%s/%s/%s", endpoint, c.S3Bucket, c.RepoPrefix)
}
