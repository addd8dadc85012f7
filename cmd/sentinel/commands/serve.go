package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sentinel-sh/sentinel/internal/auth"
	"github.com/sentinel-sh/sentinel/internal/config"
	"github.com/sentinel-sh/sentinel/internal/issuer"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
	"github.com/sentinel-sh/sentinel/internal/metrics"
	"github.com/sentinel-sh/sentinel/internal/policy"
	"github.com/sentinel-sh/sentinel/internal/ratelimit"
	"github.com/sentinel-sh/sentinel/internal/server"
	"github.com/sentinel-sh/sentinel/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sentinel API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg, os.Stderr)

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Telemetry.Enabled {
				shutdownTracing, err := telemetry.Init(cfg.Telemetry.ServiceName, os.Stderr)
				if err != nil {
					return fmt.Errorf("telemetry: %w", err)
				}
				defer func() { _ = shutdownTracing(context.Background()) }()
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			initial, err := buildPolicy(cfg)
			if err != nil {
				return err
			}
			pol := policy.NewSwappable(initial)

			validator, err := auth.NewValidator(cfg.Auth.Tokens)
			if err != nil {
				return err
			}
			if validator.Len() == 0 {
				logger.Warn("no auth tokens configured; every API call will be rejected",
					"hint", "sentinel keygen token --subject <name> --role agent")
			}

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New()
			}
			webhooks := server.NewWebhookNotifier(cfg.Webhooks, logger)
			defer webhooks.Wait()

			opts := []lifecycle.Option{lifecycle.WithLogger(logger), lifecycle.WithNotifier(webhooks)}
			if m != nil {
				opts = append(opts, lifecycle.WithRecorder(m))
			}
			eng := lifecycle.New(st, pol, issuer.FromConfig(cfg), cfg.Issuer.MaxTTLSeconds, opts...)

			limiter, closeLimiter := buildLimiter(cfg, logger)
			defer closeLimiter()

			srv := server.New(cfg, server.Deps{
				Engine:    eng,
				Validator: validator,
				Limiter:   limiter,
				Metrics:   m,
				Version:   version,
			}, logger)
			if err := srv.Listen(); err != nil {
				return err
			}

			printBanner(cfg, validator.Len())

			if _, err := os.Stat(cfgFile); err == nil {
				go func() {
					err := config.Watch(ctx, cfgFile, logger, func(next *config.Config) {
						p, err := buildPolicy(next)
						if err != nil {
							logger.Warn("policy reload rejected", "error", err)
							return
						}
						pol.Swap(p)
						logger.Info("policy reloaded",
							"restricted", len(next.Policy.Restricted),
							"forbidden", len(next.Policy.Forbidden),
							"resources", len(next.Resources),
						)
					})
					if err != nil {
						logger.Warn("config watch stopped", "error", err)
					}
				}()
			} else if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("config file not watched", "path", cfgFile, "error", err)
			}

			// The sweeper must stop before the deferred webhook wait and
			// store close run.
			sweepCtx, stopSweep := context.WithCancel(ctx)
			waitSweeper := startSweeper(sweepCtx, eng, time.Duration(cfg.Sweep.IntervalS)*time.Second)
			defer func() {
				stopSweep()
				waitSweeper()
			}()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Serve()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	return cmd
}

// startSweeper runs the expiry sweeper until ctx is done. The returned
// function blocks until it has stopped. A non-positive interval disables it.
func startSweeper(ctx context.Context, eng *lifecycle.Engine, interval time.Duration) func() {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return func() { <-done }
	}
	go func() {
		defer close(done)
		_ = eng.RunSweeper(ctx, interval)
	}()
	return func() { <-done }
}

// buildLimiter returns the submit rate limiter, shared through Redis when
// rate_limit.redis_addr is set.
func buildLimiter(cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func()) {
	if cfg.RateLimit.PerAgent <= 0 {
		return nil, func() {}
	}
	window := time.Duration(cfg.RateLimit.WindowS) * time.Second
	if cfg.RateLimit.RedisAddr == "" {
		return ratelimit.NewWindow(cfg.RateLimit.PerAgent, window), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
	logger.Info("rate limiter backed by redis", "addr", cfg.RateLimit.RedisAddr)
	return ratelimit.NewRedis(client, cfg.RateLimit.PerAgent, window, logger), func() { _ = client.Close() }
}

func printBanner(cfg *config.Config, tokens int) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	bold := color.New(color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Println()
	fmt.Println("  " + bold("sentinel"))
	fmt.Println(dim("  ────────────────────────────────────────"))
	fmt.Printf("  API:      http://%s:%d/v1/requests\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Health:   http://%s:%d/health\n", bindAddr, cfg.Server.Port)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:  http://%s:%d/metrics\n", bindAddr, cfg.Server.Port)
	}
	fmt.Println(dim("  ────────────────────────────────────────"))
	fmt.Printf("  Store: %s  |  Max TTL: %ds  |  Tokens: %d\n", cfg.Store.Driver, cfg.Issuer.MaxTTLSeconds, tokens)
	if cfg.Policy.Screen.Enabled {
		fmt.Println("  Intent screening: " + color.GreenString("on"))
	}
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
