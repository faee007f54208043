package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-sky/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile_YamlValues(t *testing.T) {
	path := writeConfig(t, `
auth:
  identifier: alice.example.com
  password: app-pass
database:
  driver: sqlite3
  path: /tmp/test-gosky.db
log_level: debug
timeout_seconds: 10
budget:
  windows:
    - name: hourly
      span: 1h
      limit: 100
`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Identifier != "alice.example.com" {
		t.Fatalf("unexpected identifier %q", cfg.Auth.Identifier)
	}
	if cfg.Timeout() != 10*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Timeout())
	}
	windows := cfg.BudgetWindows()
	if len(windows) != 1 || windows[0].Limit != 100 || windows[0].Span != time.Hour {
		t.Fatalf("unexpected windows %+v", windows)
	}
	// Warn fraction defaults when omitted.
	if windows[0].WarnFraction != 0.95 {
		t.Fatalf("expected default warn fraction, got %v", windows[0].WarnFraction)
	}
}

func TestLoadFile_EnvOverridesWin(t *testing.T) {
	path := writeConfig(t, `
auth:
  identifier: from-yaml
  password: from-yaml
`)
	t.Setenv("BSKY_AUTH_USERNAME", "from-env")
	t.Setenv("BSKY_AUTH_PASSWORD", "env-pass")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Identifier != "from-env" || cfg.Auth.Password != "env-pass" {
		t.Fatalf("env overrides lost: %+v", cfg.Auth)
	}
}

func TestNormalize_PicksPostgresWhenConfigured(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.internal
  name: gosky
  user: svc
`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}
	dsn := cfg.Database.PostgresDSN()
	for _, want := range []string{"host=db.internal", "dbname=gosky", "user=svc", "sslmode=prefer"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn missing %q: %q", want, dsn)
		}
	}
}

func TestNormalize_DefaultsToSQLite(t *testing.T) {
	path := writeConfig(t, `log_level: warn`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Fatalf("expected sqlite3 driver, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Path == "" {
		t.Fatalf("expected default sqlite path")
	}
	if len(cfg.BudgetWindows()) != 2 {
		t.Fatalf("expected default hourly+daily windows")
	}
}

func TestEnvSQLiteFilenameOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.internal
  name: gosky
  user: svc
`)
	t.Setenv("BSKY_SQLITE_FILENAME", "/tmp/override.db")
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Database.Path != "/tmp/override.db" {
		t.Fatalf("sqlite override lost: %+v", cfg.Database)
	}
}
