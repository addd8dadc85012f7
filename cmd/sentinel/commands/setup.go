package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/sentinel-sh/sentinel/internal/config"
	"github.com/sentinel-sh/sentinel/internal/issuer"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
	"github.com/sentinel-sh/sentinel/internal/policy"
	"github.com/sentinel-sh/sentinel/internal/screen"
	"github.com/sentinel-sh/sentinel/internal/sealer"
	"github.com/sentinel-sh/sentinel/internal/store"
)

// loadConfig reads cfgFile, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Defaults(), nil
	}
	return cfg, err
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Server.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the configured backend, sealing secrets when a key file
// is configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var opts []store.Option
	if cfg.Store.SealKeyFile != "" {
		s, err := sealer.LoadKeyFile(cfg.Store.SealKeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithSealer(s))
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.DatabaseURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	return st, nil
}

// buildPolicy returns the reference evaluator, wrapped in intent screening
// when enabled.
func buildPolicy(cfg *config.Config) (policy.Engine, error) {
	ev, err := policy.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.Policy.Screen.Enabled {
		return ev, nil
	}
	return &policy.Screened{Next: ev, Scanner: screen.New(cfg.Policy.Screen.CustomRulesDir)}, nil
}

// localEngine wires an engine directly onto the configured store for the
// admin and agent commands that run without a server.
func localEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...lifecycle.Option) (*lifecycle.Engine, func(), error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	pol, err := buildPolicy(cfg)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	opts = append([]lifecycle.Option{lifecycle.WithLogger(logger)}, opts...)
	eng := lifecycle.New(st, pol, issuer.FromConfig(cfg), cfg.Issuer.MaxTTLSeconds, opts...)
	return eng, func() { _ = st.Close() }, nil
}

// withLocalEngine loads config and runs fn against a local engine. Logs go
// to stderr at warn level unless the config asks for more.
func withLocalEngine(ctx context.Context, fn func(*lifecycle.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.LogLevel == "" || cfg.Server.LogLevel == "info" {
		cfg.Server.LogLevel = "warn"
	}
	eng, closeFn, err := localEngine(ctx, cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(eng)
}

// defaultAdmin is the admin id used by local commands when --admin is unset.
func defaultAdmin() string {
	if u := os.Getenv("SENTINEL_ADMIN"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
