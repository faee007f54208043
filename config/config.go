// Package config loads go-sky configuration from an optional .env file, an
// optional config.yaml, and environment variables, in that order of
// increasing precedence. Credentials and database parameters use the same
// variable names the original deployment tooling expects (BSKY_*, PG*).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-sky/budget"
	"github.com/basket/go-sky/telemetry"
)

type AuthConfig struct {
	Identifier string `yaml:"identifier"`
	Password   string `yaml:"password"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres". Empty selects postgres when the
	// PG* variables are present, else sqlite.
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// Postgres connection parameters.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Duration decodes yaml values like "1h" or "30m"; a bare integer is taken
// as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

type BudgetWindowConfig struct {
	Name         string   `yaml:"name"`
	Span         Duration `yaml:"span"`
	Limit        int64    `yaml:"limit"`
	WarnFraction float64  `yaml:"warn_fraction"`
}

type BudgetConfig struct {
	Windows []BudgetWindowConfig `yaml:"windows"`
}

type Config struct {
	Auth     AuthConfig       `yaml:"auth"`
	Database DatabaseConfig   `yaml:"database"`
	Budget   BudgetConfig     `yaml:"budget"`
	Otel     telemetry.Config `yaml:"otel"`

	LogLevel string `yaml:"log_level"`
	// TimeoutSeconds bounds a single transport call.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	HomeDir string `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		TimeoutSeconds: 30,
	}
}

func HomeDir() string {
	if override := os.Getenv("GOSKY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gosky")
}

// Load reads .env (best effort), then config.yaml under the gosky home
// directory, then environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFile reads one explicit yaml file plus environment overrides, used by
// tests and by callers that manage their own paths.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BSKY_AUTH_USERNAME"); v != "" {
		cfg.Auth.Identifier = v
	}
	if v := os.Getenv("BSKY_AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := os.Getenv("BSKY_SQLITE_FILENAME"); v != "" {
		cfg.Database.Driver = "sqlite3"
		cfg.Database.Path = v
	}
	if v := os.Getenv("PGDATABASE"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PGUSER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PGHOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PGPASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PGPORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("GOSKY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOSKY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutSeconds = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Database.Driver == "" {
		// Postgres when connection parameters are present, sqlite otherwise,
		// matching the original deployment behavior.
		if cfg.Database.Host != "" && cfg.Database.Name != "" && cfg.Database.User != "" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite3"
		}
	}
	if cfg.Database.Driver == "sqlite3" && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.HomeDir, "gosky.db")
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "prefer"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// PostgresDSN renders the lib/pq connection string.
func (d DatabaseConfig) PostgresDSN() string {
	dsn := fmt.Sprintf("host=%s dbname=%s user=%s sslmode=%s",
		d.Host, d.Name, d.User, d.SSLMode)
	if d.Port > 0 {
		dsn += fmt.Sprintf(" port=%d", d.Port)
	}
	if d.Password != "" {
		dsn += " password=" + quoteDSNValue(d.Password)
	}
	return dsn
}

func quoteDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Timeout returns the transport timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BudgetWindows converts the configured windows, falling back to the
// Bluesky defaults when none are configured.
func (c Config) BudgetWindows() []budget.Window {
	if len(c.Budget.Windows) == 0 {
		return budget.DefaultWindows()
	}
	out := make([]budget.Window, 0, len(c.Budget.Windows))
	for _, w := range c.Budget.Windows {
		warn := w.WarnFraction
		if warn == 0 {
			warn = budget.DefaultWarnFraction
		}
		out = append(out, budget.Window{
			Name:         w.Name,
			Span:         time.Duration(w.Span),
			Limit:        w.Limit,
			WarnFraction: warn,
		})
	}
	return out
}
