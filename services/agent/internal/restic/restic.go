package restic

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"snapfleet/pkg/execrun"
)

const binary = "restic"

// Settings configures a Client. Repository and Password are required; the
// AWS fields are passed through to restic as environment variables.
type Settings struct {
	Repository        string
	Password          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string

	BackupPath      string
	ExcludePatterns []string
	Retention       RetentionPolicy

	BackupTimeout time.Duration
	CheckTimeout  time.Duration
}

type runFunc func(ctx context.Context, name string, args []string, opts execrun.Options) execrun.Result

type startFunc func(ctx context.Context, name string, args []string, opts execrun.Options) (*execrun.Process, error)

// Client invokes the restic binary and interprets its JSON output.
type Client struct {
	settings Settings
	env      map[string]string
	log      zerolog.Logger

	run   runFunc
	start startFunc
}

// New creates a Client for the given settings.
func New(settings Settings, log zerolog.Logger) (*Client, error) {
	if settings.Repository == "" {
		return nil, errors.New("repository is required")
	}
	if settings.Password == "" {
		return nil, errors.New("repository password is required")
	}
	if settings.BackupTimeout <= 0 {
		settings.BackupTimeout = 30 * time.Minute
	}
	if settings.CheckTimeout <= 0 {
		settings.CheckTimeout = 10 * time.Minute
	}

	env := map[string]string{
		"RESTIC_REPOSITORY":     settings.Repository,
		"RESTIC_PASSWORD":       settings.Password,
		"AWS_ACCESS_KEY_ID":     settings.S3AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": settings.S3SecretAccessKey,
	}
	if settings.S3Region != "" {
		env["AWS_DEFAULT_REGION"] = settings.S3Region
		env["AWS_REGION"] = settings.S3Region
	}

	return &Client{
		settings: settings,
		env:      env,
		log:      log,
		run:      execrun.Run,
		start:    execrun.Start,
	}, nil
}

func (c *Client) exec(ctx context.Context, timeout time.Duration, args ...string) execrun.Result {
	c.log.Debug().Strs("args", args).Msg("running restic")
	res := c.run(ctx, binary, args, execrun.Options{Env: c.env, Timeout: timeout})
	c.log.Debug().Int("exit_code", res.ExitCode).Msg("restic finished")
	return res
}

// Init initialises the repository. A repository that already exists counts
// as success so the operation is idempotent.
func (c *Client) Init(ctx context.Context) error {
	res := c.exec(ctx, 0, "init")
	if res.Success() {
		c.log.Info().Msg("repository initialized")
		return nil
	}
	if strings.Contains(res.Stderr, "already exists") || strings.Contains(res.Stderr, "already initialized") {
		c.log.Info().Msg("repository already exists")
		return nil
	}
	return &ToolError{Op: "init", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
}

// Backup runs one backup of the configured path. Caller tags are applied as
// given; a hostname tag and a fixed provenance tag are always appended. The
// summary is taken from the last non-empty line of stdout; if that line is
// not valid JSON the backup still counts as successful and a zero-valued
// summary is returned, because a parse failure must not mask a completed
// backup.
func (c *Client) Backup(ctx context.Context, tags []string) (BackupSummary, error) {
	args := []string{"backup", c.settings.BackupPath, "--json"}
	for _, pattern := range c.settings.ExcludePatterns {
		args = append(args, "--exclude", pattern)
	}
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}
	args = append(args, "--tag", "hostname:"+Hostname())
	args = append(args, "--tag", "source:api")

	res := c.exec(ctx, c.settings.BackupTimeout, args...)
	if !res.Success() {
		return BackupSummary{}, &ToolError{Op: "backup", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	summaryLine := lastNonEmptyLine(res.Stdout)
	var summary BackupSummary
	if err := json.Unmarshal([]byte(summaryLine), &summary); err != nil {
		c.log.Warn().Err(err).Msg("backup succeeded but summary was not parseable")
		return BackupSummary{}, nil
	}

	c.log.Info().
		Str("snapshot_id", summary.SnapshotID).
		Int64("files_processed", summary.TotalFilesProcessed).
		Int64("data_added", summary.DataAdded).
		Msg("backup completed")
	return summary, nil
}

// Snapshots lists all snapshots in the repository.
func (c *Client) Snapshots(ctx context.Context) ([]Snapshot, error) {
	res := c.exec(ctx, 0, "snapshots", "--json")
	if !res.Success() {
		return nil, &ToolError{Op: "snapshots", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	var snapshots []Snapshot
	if err := json.Unmarshal([]byte(res.Stdout), &snapshots); err != nil {
		return nil, &ParseError{Op: "snapshots", Err: err}
	}
	return snapshots, nil
}

// Check verifies repository integrity. Pass or fail only.
func (c *Client) Check(ctx context.Context) error {
	res := c.exec(ctx, c.settings.CheckTimeout, "check")
	if !res.Success() {
		return &ToolError{Op: "check", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// Forget applies the retention policy with prune. Removed/kept counts are
// summed across all repository entries in the JSON result; an unparsable
// result after a clean exit degrades to zero counts.
func (c *Client) Forget(ctx context.Context) (RetentionResult, error) {
	args := []string{
		"forget",
		"--keep-last", strconv.Itoa(c.settings.Retention.KeepLast),
		"--keep-daily", strconv.Itoa(c.settings.Retention.KeepDaily),
		"--keep-weekly", strconv.Itoa(c.settings.Retention.KeepWeekly),
		"--keep-monthly", strconv.Itoa(c.settings.Retention.KeepMonthly),
		"--prune",
		"--json",
	}

	res := c.exec(ctx, 0, args...)
	if !res.Success() {
		return RetentionResult{}, &ToolError{Op: "forget", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	var groups []struct {
		Remove []json.RawMessage `json:"remove"`
		Keep   []json.RawMessage `json:"keep"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &groups); err != nil {
		c.log.Warn().Err(err).Msg("forget succeeded but output was not parseable")
		return RetentionResult{}, nil
	}

	var result RetentionResult
	for _, group := range groups {
		result.Removed += len(group.Remove)
		result.Kept += len(group.Keep)
	}
	c.log.Info().Int("removed", result.Removed).Int("kept", result.Kept).Msg("retention policy applied")
	return result, nil
}

// Stats returns repository-wide totals. The snapshot count is resolved with
// a second listing and degrades to zero if that listing fails.
func (c *Client) Stats(ctx context.Context) (RepoStats, error) {
	res := c.exec(ctx, 0, "stats", "--json")
	if !res.Success() {
		return RepoStats{}, &ToolError{Op: "stats", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	var raw struct {
		TotalSize      int64 `json:"total_size"`
		TotalFileCount int64 `json:"total_file_count"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return RepoStats{}, &ParseError{Op: "stats", Err: err}
	}

	stats := RepoStats{TotalSize: raw.TotalSize, TotalFileCount: raw.TotalFileCount}
	if snapshots, err := c.Snapshots(ctx); err == nil {
		stats.SnapshotCount = len(snapshots)
	}
	return stats, nil
}

// ListFiles lists the nodes of a snapshot, optionally scoped to a subtree.
// restic emits newline-delimited JSON; lines that fail to parse are skipped
// so a partially readable listing still returns.
func (c *Client) ListFiles(ctx context.Context, snapshotID, path string) ([]json.RawMessage, error) {
	if snapshotID == "" {
		return nil, errors.New("snapshot id is required")
	}

	args := []string{"ls", snapshotID, "--json"}
	if path != "" {
		args = append(args, path)
	}

	res := c.exec(ctx, 0, args...)
	if !res.Success() {
		return nil, &ToolError{Op: "ls", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	items := []json.RawMessage{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			continue
		}
		items = append(items, json.RawMessage(line))
	}
	return items, nil
}

// Dump starts streaming one file out of a snapshot. The caller owns the
// returned process: drain Stdout, then call Wait to learn the exit status.
func (c *Client) Dump(ctx context.Context, snapshotID, path string) (*execrun.Process, error) {
	if snapshotID == "" || path == "" {
		return nil, errors.New("snapshot id and file path are required")
	}
	return c.start(ctx, binary, []string{"dump", snapshotID, path}, execrun.Options{Env: c.env})
}

// Hostname resolves the local hostname, defaulting to "unknown" so a
// resolution failure never blocks a run.
func Hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
