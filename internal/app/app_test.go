package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/models"
)

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	data := "engine:\n  path: " + filepath.Join(dir, "engine.db") + "\n" +
		"records:\n  driver: sqlite3\n  dsn: " + filepath.Join(dir, "records.db") + "\n  auto_migrate: true\n" +
		"logging:\n  level: error\n" + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestNewSandbox(t *testing.T) {
	cfg := loadTestConfig(t, `
channels:
  sandbox: true
rate_limit:
  enabled: true
  channels:
    sms:
      messages_per_day: 10
pollers:
  broadcasts:
    disabled: true
`)

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.Processor() == nil {
		t.Fatal("Processor() = nil")
	}
	if a.limiter == nil {
		t.Error("rate limiter not created")
	}
	if a.apiServer != nil {
		t.Error("API server created while disabled")
	}
	if got := len(a.families(nil, nil)); got != 4 {
		t.Errorf("families = %d, want 4 with broadcasts disabled", got)
	}
}

func TestTriggerThroughSandbox(t *testing.T) {
	cfg := loadTestConfig(t, "channels:\n  sandbox: true\n")

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := a.Processor().Trigger(ctx, &models.Campaign{
		Name:     "ad hoc",
		Channel:  models.ChannelEmail,
		Content:  "hello",
		Audience: models.Audience{Kind: "individual:ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if c.Status != models.CampaignCompleted || c.SuccessCount != 1 {
		t.Errorf("campaign = status %s success %d, want completed with 1", c.Status, c.SuccessCount)
	}
}

func TestNewFailsOnMissingDKIMKey(t *testing.T) {
	cfg := loadTestConfig(t, `
channels:
  email:
    host: smtp.example.com
    dkim:
      enabled: true
      selector: mail
      domain: example.com
      key_file: /nonexistent/dkim.pem
`)

	if _, err := New(cfg); err == nil {
		t.Fatal("New() expected error for missing DKIM key")
	}
}

func TestBuildPersonalizer(t *testing.T) {
	tests := []struct {
		mode    string
		wantNil bool
	}{
		{"template", false},
		{"http", false},
		{"none", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			p := buildPersonalizer(config.PersonalizeConfig{Mode: tt.mode, Endpoint: "http://localhost"})
			if (p == nil) != tt.wantNil {
				t.Errorf("buildPersonalizer(%q) nil = %v, want %v", tt.mode, p == nil, tt.wantNil)
			}
		})
	}
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.log")
	logger, closer := setupLogger(config.LoggingConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	if closer == nil {
		t.Fatal("expected a closer for file logging")
	}
	logger.Info("hello")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}
