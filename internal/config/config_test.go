package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
version: "1"
server:
  port: 9090
  log_level: debug
  log_format: json
store:
  driver: sqlite
  path: /var/lib/sentinel/sentinel.db
issuer:
  max_ttl_seconds: 900
policy:
  default_class: open
  restricted: ["prod_*"]
  forbidden: ["*_vault"]
resources:
  logs_readonly:
    class: open
    secret_type: api_key
    prefix: "logs_"
agents:
  intern-bot:
    forbidden: ["prod_*"]
auth:
  tokens:
    - subject: a1
      role: agent
      token_sha256: 2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae
rate_limit:
  per_agent: 30
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.LogFormat != "json" {
		t.Errorf("log_format = %q, want json", cfg.Server.LogFormat)
	}
	if cfg.Issuer.MaxTTLSeconds != 900 {
		t.Errorf("max_ttl = %d, want 900", cfg.Issuer.MaxTTLSeconds)
	}
	if cfg.Issuer.DefaultSecretType != "token" {
		t.Errorf("default_secret_type = %q, want token", cfg.Issuer.DefaultSecretType)
	}
	if got := cfg.Resources["logs_readonly"].Prefix; got != "logs_" {
		t.Errorf("prefix = %q", got)
	}
	if len(cfg.Agents["intern-bot"].Forbidden) != 1 {
		t.Error("agent overrides not parsed")
	}
	if cfg.RateLimit.PerAgent != 30 || cfg.RateLimit.WindowS != 60 {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].Role != "agent" {
		t.Errorf("tokens = %+v", cfg.Auth.Tokens)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("default driver = %q", cfg.Store.Driver)
	}
	if cfg.Policy.DefaultClass != "open" {
		t.Errorf("default class = %q", cfg.Policy.DefaultClass)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/sentinel.yaml"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":        func(c *Config) { c.Server.Port = 0 },
		"log format":  func(c *Config) { c.Server.LogFormat = "xml" },
		"driver":      func(c *Config) { c.Store.Driver = "mysql" },
		"sqlite path": func(c *Config) { c.Store.Path = "" },
		"max ttl":     func(c *Config) { c.Issuer.MaxTTLSeconds = -1 },
		"max ttl ceiling": func(c *Config) {
			c.Issuer.MaxTTLSeconds = MaxTTLCeilingSeconds + 1
		},
		"default class": func(c *Config) { c.Policy.DefaultClass = "maybe" },
		"bad pattern":   func(c *Config) { c.Policy.Restricted = []string{"prod_["} },
		"resource class": func(c *Config) {
			c.Resources["x"] = Resource{Class: "secret"}
		},
		"agent pattern": func(c *Config) {
			c.Agents["a"] = Agent{Forbidden: []string{"["}}
		},
		"token role": func(c *Config) {
			c.Auth.Tokens = []Token{{Subject: "s", Role: "root", TokenSHA256: strings.Repeat("a", 64)}}
		},
		"token hash": func(c *Config) {
			c.Auth.Tokens = []Token{{Subject: "s", Role: "admin", TokenSHA256: "abc"}}
		},
		"webhook": func(c *Config) { c.Webhooks = []Webhook{{URL: "ftp://x"}} },
		"sweep":   func(c *Config) { c.Sweep.IntervalS = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	cfg := Defaults()
	cfg.Policy.Restricted = []string{"prod_*"}
	cfg.Resources["prod_db"] = Resource{Class: "restricted", SecretType: "db_password"}

	path := filepath.Join(t.TempDir(), "out", "sentinel.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Resources["prod_db"].SecretType != "db_password" {
		t.Errorf("resources not round-tripped: %+v", got.Resources)
	}
	if len(got.Policy.Restricted) != 1 {
		t.Errorf("restricted = %v", got.Policy.Restricted)
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := Defaults()
	t.Setenv("SENTINEL_DATABASE_URL", "postgres://env")
	if cfg.DatabaseURL() != "postgres://env" {
		t.Errorf("env fallback not used")
	}
	cfg.Store.DSN = "postgres://cfg"
	if cfg.DatabaseURL() != "postgres://cfg" {
		t.Errorf("dsn should win over env")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() { done <- Watch(ctx, path, logger, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleConfig, "max_ttl_seconds: 900", "max_ttl_seconds: 120", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Issuer.MaxTTLSeconds != 120 {
			t.Errorf("max_ttl = %d, want 120", cfg.Issuer.MaxTTLSeconds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch returned %v", err)
	}
}

func TestWatch_SkipsInvalid(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() { _ = Watch(ctx, path, logger, func(c *Config) { got <- c }) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server: {port: 0}"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-got:
		t.Fatal("invalid config should not be delivered")
	case <-time.After(700 * time.Millisecond):
	}
}
