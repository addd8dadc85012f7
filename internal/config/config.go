package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentinel-sh/sentinel/internal/safefile"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// MaxTTLCeilingSeconds is the largest accepted issuer.max_ttl_seconds (one year).
const MaxTTLCeilingSeconds = 365 * 24 * 60 * 60

// Config is the top-level sentinel configuration.
type Config struct {
	Version   string              `yaml:"version"`
	Server    ServerConfig        `yaml:"server"`
	Store     StoreConfig         `yaml:"store"`
	Issuer    IssuerConfig        `yaml:"issuer"`
	Policy    PolicyConfig        `yaml:"policy"`
	Resources map[string]Resource `yaml:"resources"`
	Agents    map[string]Agent    `yaml:"agents"`
	Auth      AuthConfig          `yaml:"auth"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Sweep     SweepConfig         `yaml:"sweep"`
	Webhooks  []Webhook           `yaml:"webhooks"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Metrics   MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	Bind      string `yaml:"bind"` // default 127.0.0.1
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// StoreConfig selects the request store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres, memory
	Path        string `yaml:"path"`
	DSN         string `yaml:"dsn,omitempty"`
	SealKeyFile string `yaml:"seal_key_file,omitempty"`
}

// IssuerConfig bounds issued secrets.
type IssuerConfig struct {
	MaxTTLSeconds     int64  `yaml:"max_ttl_seconds"`
	DefaultSecretType string `yaml:"default_secret_type"`
}

// PolicyConfig is the reference policy's classifier.
type PolicyConfig struct {
	DefaultClass    string       `yaml:"default_class"` // open, restricted, forbidden
	Restricted      []string     `yaml:"restricted"`    // glob patterns
	Forbidden       []string     `yaml:"forbidden"`
	ForbiddenReason string       `yaml:"forbidden_reason,omitempty"`
	Screen          ScreenConfig `yaml:"screen"`
}

// ScreenConfig enables content screening of intents.
type ScreenConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CustomRulesDir string `yaml:"custom_rules_dir,omitempty"`
}

// Resource configures one resource id.
type Resource struct {
	Class       string `yaml:"class,omitempty"`
	SecretType  string `yaml:"secret_type,omitempty"`
	Prefix      string `yaml:"prefix,omitempty"`
	ValueEnv    string `yaml:"value_env,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Agent holds per-agent overrides.
type Agent struct {
	Suspended   bool     `yaml:"suspended,omitempty"`
	Restricted  []string `yaml:"restricted,omitempty"`
	Forbidden   []string `yaml:"forbidden,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// AuthConfig lists bearer tokens by SHA-256 hash.
type AuthConfig struct {
	Tokens []Token `yaml:"tokens"`
}

// Token is one bearer credential.
type Token struct {
	Subject     string `yaml:"subject"`
	Role        string `yaml:"role"` // agent or admin
	TokenSHA256 string `yaml:"token_sha256"`
}

// RateLimitConfig limits submissions per agent. Zero disables it.
type RateLimitConfig struct {
	PerAgent  int    `yaml:"per_agent"`
	WindowS   int    `yaml:"window_s"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

// SweepConfig controls the background expiry sweep. Zero disables it.
type SweepConfig struct {
	IntervalS int `yaml:"interval_s"`
}

// Webhook defines an outgoing notification endpoint.
type Webhook struct {
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events"`             // request.pending, request.approved, ...
	Template string   `yaml:"template,omitempty"` // "default" or plain text with {{TAG}} placeholders, sent as {"text": ...}
}

// TelemetryConfig enables OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses a sentinel config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, maxConfigSize)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyZeroDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:      8080,
			Bind:      "127.0.0.1",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "sentinel.db",
		},
		Issuer: IssuerConfig{
			MaxTTLSeconds:     3600,
			DefaultSecretType: "token",
		},
		Policy: PolicyConfig{
			DefaultClass:    "open",
			ForbiddenReason: "resource is forbidden by policy",
		},
		Resources: make(map[string]Resource),
		Agents:    make(map[string]Agent),
		RateLimit: RateLimitConfig{WindowS: 60},
		Telemetry: TelemetryConfig{ServiceName: "sentinel"},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

func (c *Config) applyZeroDefaults() {
	d := Defaults()
	if c.Issuer.MaxTTLSeconds == 0 {
		c.Issuer.MaxTTLSeconds = d.Issuer.MaxTTLSeconds
	}
	if c.Issuer.DefaultSecretType == "" {
		c.Issuer.DefaultSecretType = d.Issuer.DefaultSecretType
	}
	if c.Policy.DefaultClass == "" {
		c.Policy.DefaultClass = d.Policy.DefaultClass
	}
	if c.Policy.ForbiddenReason == "" {
		c.Policy.ForbiddenReason = d.Policy.ForbiddenReason
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.RateLimit.WindowS == 0 {
		c.RateLimit.WindowS = d.RateLimit.WindowS
	}
	if c.Resources == nil {
		c.Resources = make(map[string]Resource)
	}
	if c.Agents == nil {
		c.Agents = make(map[string]Agent)
	}
}

// Save writes the config atomically as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.Server.LogFormat)
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" && os.Getenv("SENTINEL_DATABASE_URL") == "" {
			return fmt.Errorf("store.dsn or SENTINEL_DATABASE_URL is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Issuer.MaxTTLSeconds < 1 || c.Issuer.MaxTTLSeconds > MaxTTLCeilingSeconds {
		return fmt.Errorf("issuer.max_ttl_seconds must be between 1 and %d, got %d", MaxTTLCeilingSeconds, c.Issuer.MaxTTLSeconds)
	}
	if !validClass(c.Policy.DefaultClass) {
		return fmt.Errorf("policy.default_class %q is not open, restricted or forbidden", c.Policy.DefaultClass)
	}
	if err := validPatterns("policy.restricted", c.Policy.Restricted); err != nil {
		return err
	}
	if err := validPatterns("policy.forbidden", c.Policy.Forbidden); err != nil {
		return err
	}
	for id, r := range c.Resources {
		if r.Class != "" && !validClass(r.Class) {
			return fmt.Errorf("resource %q has invalid class %q", id, r.Class)
		}
	}
	for name, a := range c.Agents {
		if err := validPatterns("agents."+name+".restricted", a.Restricted); err != nil {
			return err
		}
		if err := validPatterns("agents."+name+".forbidden", a.Forbidden); err != nil {
			return err
		}
	}
	for i, t := range c.Auth.Tokens {
		if t.Subject == "" {
			return fmt.Errorf("auth.tokens[%d]: subject is required", i)
		}
		if t.Role != "agent" && t.Role != "admin" {
			return fmt.Errorf("auth.tokens[%d]: role %q must be agent or admin", i, t.Role)
		}
		if len(t.TokenSHA256) != 64 {
			return fmt.Errorf("auth.tokens[%d]: token_sha256 must be 64 hex characters", i)
		}
	}
	if c.RateLimit.PerAgent < 0 || c.RateLimit.WindowS < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Sweep.IntervalS < 0 {
		return fmt.Errorf("sweep.interval_s must not be negative")
	}
	for _, wh := range c.Webhooks {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("webhook url %q must be http or https", wh.URL)
		}
	}
	return nil
}

// DatabaseURL returns store.dsn, falling back to SENTINEL_DATABASE_URL.
func (c *Config) DatabaseURL() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return os.Getenv("SENTINEL_DATABASE_URL")
}

func validClass(c string) bool {
	return c == "open" || c == "restricted" || c == "forbidden"
}

func validPatterns(field string, patterns []string) error {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("%s: bad pattern %q: %w", field, p, err)
		}
	}
	return nil
}
