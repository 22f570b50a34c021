package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	colorStarted = 0x3498db
	colorSuccess = 0x2ecc71
	colorFailure = 0xe74c3c

	// Discord caps embed field values at 1024 characters.
	maxErrorLen = 1024
)

// StartInfo describes a run that just started.
type StartInfo struct {
	Path string
	Tags []string
	Host string
}

// FinishResult describes a finished run, success or failure.
type FinishResult struct {
	OK                  bool
	SnapshotID          string
	DataAdded           int64
	TotalFilesProcessed int64
	DurationSec         float64
	Error               string
}

// Discord posts run notifications to a Discord webhook. Delivery is
// fire-and-forget: a missing webhook URL or a network failure is reported
// as an error for the caller to log, never to act on.
type Discord struct {
	webhookURL string
	client     *http.Client
	log        zerolog.Logger
}

// NewDiscord creates a notifier for the given webhook URL. An empty URL
// yields a notifier whose sends are no-ops.
func NewDiscord(webhookURL string, log zerolog.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// BackupStarted announces a new run.
func (d *Discord) BackupStarted(ctx context.Context, info StartInfo) error {
	tags := strings.Join(info.Tags, ", ")
	if tags == "" {
		tags = "none"
	}
	host := info.Host
	if host == "" {
		host = "unknown"
	}
	path := info.Path
	if path == "" {
		path = "N/A"
	}

	return d.post(ctx, embed{
		Title:       "Backup started",
		Description: "Backup run has started",
		Color:       colorStarted,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Fields: []embedField{
			{Name: "Path", Value: path, Inline: true},
			{Name: "Tags", Value: tags, Inline: true},
			{Name: "Host", Value: host, Inline: true},
		},
	})
}

// BackupFinished announces the run's outcome.
func (d *Discord) BackupFinished(ctx context.Context, result FinishResult) error {
	e := embed{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if result.OK {
		e.Title = "Backup finished: SUCCESS"
		e.Description = "Backup completed successfully."
		e.Color = colorSuccess
	} else {
		e.Title = "Backup finished: FAILURE"
		e.Description = "Backup failed."
		e.Color = colorFailure
	}

	snapshot := result.SnapshotID
	if snapshot == "" {
		snapshot = "N/A"
	}
	duration := "N/A"
	if result.DurationSec > 0 {
		duration = fmt.Sprintf("%.1fs", result.DurationSec)
	}

	e.Fields = []embedField{
		{Name: "Snapshot", Value: snapshot, Inline: true},
		{Name: "Data Added", Value: formatBytes(result.DataAdded), Inline: true},
		{Name: "Files Processed", Value: fmt.Sprintf("%d", result.TotalFilesProcessed), Inline: true},
		{Name: "Duration", Value: duration, Inline: true},
	}
	if !result.OK {
		msg := result.Error
		if msg == "" {
			msg = "Unknown error"
		}
		if len(msg) > maxErrorLen {
			msg = msg[:maxErrorLen]
		}
		e.Fields = append(e.Fields, embedField{Name: "Error", Value: msg})
	}

	return d.post(ctx, e)
}

func (d *Discord) post(ctx context.Context, e embed) error {
	if d == nil || d.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{"embeds": []embed{e}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	return fmt.Sprintf("%.2f %s", float64(n)/math.Pow(1024, float64(i)), units[i])
}
