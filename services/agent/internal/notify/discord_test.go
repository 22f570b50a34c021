package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestBackupStartedPostsEmbed(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("webhook body not JSON: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, zerolog.Nop())
	err := d.BackupStarted(context.Background(), StartInfo{Path: "/srv/data", Tags: []string{"api"}, Host: "web-1"})
	if err != nil {
		t.Fatalf("BackupStarted() error = %v", err)
	}

	embeds, ok := payload["embeds"].([]any)
	if !ok || len(embeds) != 1 {
		t.Fatalf("payload = %v, want one embed", payload)
	}
	first := embeds[0].(map[string]any)
	if first["title"] != "Backup started" {
		t.Fatalf("title = %v", first["title"])
	}
}

func TestBackupFinishedTruncatesError(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, zerolog.Nop())
	err := d.BackupFinished(context.Background(), FinishResult{
		OK:    false,
		Error: strings.Repeat("x", 5000),
	})
	if err != nil {
		t.Fatalf("BackupFinished() error = %v", err)
	}

	embeds := payload["embeds"].([]any)
	fields := embeds[0].(map[string]any)["fields"].([]any)
	last := fields[len(fields)-1].(map[string]any)
	if last["name"] != "Error" {
		t.Fatalf("last field = %v, want Error", last["name"])
	}
	if got := len(last["value"].(string)); got != maxErrorLen {
		t.Fatalf("error field length = %d, want %d", got, maxErrorLen)
	}
}

func TestMissingWebhookIsNoOp(t *testing.T) {
	d := NewDiscord("", zerolog.Nop())
	if err := d.BackupStarted(context.Background(), StartInfo{}); err != nil {
		t.Fatalf("BackupStarted() error = %v, want nil when webhook unset", err)
	}
	if err := d.BackupFinished(context.Background(), FinishResult{OK: true}); err != nil {
		t.Fatalf("BackupFinished() error = %v, want nil when webhook unset", err)
	}
}

func TestNon2xxIsReportedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, zerolog.Nop())
	err := d.BackupFinished(context.Background(), FinishResult{OK: true})
	if err == nil {
		t.Fatal("BackupFinished() error = nil, want status error for caller to log")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error = %v, want it to mention the status", err)
	}
}
