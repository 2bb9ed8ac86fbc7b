package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"transcript-server/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Storage.OutputDir = filepath.Join(root, "out")
	cfg.Storage.TempDir = filepath.Join(root, "tmp")
	cfg.Transcriber.ModelPath = filepath.Join(root, "models")
	return cfg
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// TestNewServesHealthAndBanner checks the wired handler answers requests.
func TestNewServesHealthAndBanner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transcriber.Backend = "openai"
	cfg.Transcriber.OpenAI.Model = "whisper-1"

	app, err := New(cfg, "1.2.3", quietLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	rec := httptest.NewRecorder()
	app.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	app.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body struct {
		Service struct {
			Version     string `json:"version"`
			Transcriber string `json:"transcriber"`
			Model       string `json:"model"`
		} `json:"service"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode banner: %v", err)
	}
	if body.Service.Version != "1.2.3" || body.Service.Transcriber != "openai" || body.Service.Model != "whisper-1" {
		t.Fatalf("banner = %+v, want version 1.2.3 via openai/whisper-1", body.Service)
	}
}

// TestNewRejectsUnknownBackends surfaces wiring errors before serving.
func TestNewRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fetcher.Backend = "ftp"
	if _, err := New(cfg, "dev", quietLogger()); err == nil {
		t.Fatal("expected fetcher backend error")
	}

	cfg = testConfig(t)
	cfg.Transcriber.Backend = "vosk"
	if _, err := New(cfg, "dev", quietLogger()); err == nil {
		t.Fatal("expected transcriber backend error")
	}

	if _, err := New(nil, "dev", quietLogger()); err == nil {
		t.Fatal("expected nil config error")
	}
}

// TestAddrJoinsHostAndPort formats the listen address.
func TestAddrJoinsHostAndPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 8080
	app, err := New(cfg, "dev", quietLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if got := app.Addr(); got != "127.0.0.1:8080" {
		t.Fatalf("addr = %s, want 127.0.0.1:8080", got)
	}
}

// TestRunStopsOnContextCancel checks graceful shutdown returns cleanly.
func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	app, err := New(cfg, "dev", quietLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if err := app.Pool.Submit(func(context.Context) {}); err == nil {
		t.Fatal("pool should reject tasks after shutdown")
	}
}

// TestRunRejectsBadRetentionSchedule fails fast on an invalid cron schedule.
func TestRunRejectsBadRetentionSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	cfg.Retention.TTL = time.Hour
	cfg.Retention.Schedule = "not a schedule"
	app, err := New(cfg, "dev", quietLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := app.Run(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}
