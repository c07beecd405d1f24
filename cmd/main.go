package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"calfeed/internal/aggregator"
	"calfeed/internal/config"
	"calfeed/internal/httpapi"
	"calfeed/internal/jobs"
	"calfeed/internal/oauthstate"
	"calfeed/internal/provider"
	"calfeed/internal/scheduler"
	"calfeed/internal/storage"
	"calfeed/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calfeed",
		Usage: "Aggregate calendars into an anonymized feed and sync it to linked destination calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "Path to the YAML configuration file."},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP linking surface and the scheduled sync loop.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := setupLogger(cfg.LogLevel)

			deps, err := buildDeps(logger, cfg)
			if err != nil {
				return err
			}
			defer deps.store.Close()

			runner := jobs.NewRunner(logger, cfg.Jobs.Workers, cfg.Jobs.QueueSize, cfg.Jobs.Timeout, nil)
			trigger := func(userID string) bool {
				return runner.Spawn("destination-sync", "sync:"+userID, func(ctx context.Context) error {
					_, err := deps.syncer.SyncUser(ctx, userID)
					return err
				})
			}

			sched := scheduler.New(logger, deps.store, trigger, cfg.Sync.Schedule)
			if err := sched.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go sweepStates(ctx, deps.states)

			server := &http.Server{
				Addr:    cfg.HTTP.Listen,
				Handler: httpapi.NewServer(logger, deps.states, deps.store, deps.factory, trigger),
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP server listening", "addr", cfg.HTTP.Listen)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				sched.Stop()
				return fmt.Errorf("http server failed: %w", err)
			case <-ctx.Done():
			}

			logger.Info("Shutting down.")
			// The scheduler stops first so no sweep spawns jobs into a
			// runner that is closing down.
			sched.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP shutdown failed", "error", err)
			}
			if err := runner.Shutdown(shutdownCtx); err != nil {
				logger.Error("Job runner shutdown failed", "error", err)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one synchronization cycle for a single user and exit.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "User ID to sync."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := setupLogger(cfg.LogLevel)

			deps, err := buildDeps(logger, cfg)
			if err != nil {
				return err
			}
			defer deps.store.Close()

			result, err := deps.syncer.SyncUser(c.Context, c.String("user"))
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Printf("added=%d addFailed=%d removed=%d removeFailed=%d\n",
				result.Added, result.AddFailed, result.Removed, result.RemoveFailed)
			return nil
		},
	}
}

type dependencies struct {
	store   *storage.Store
	states  *oauthstate.Store
	factory *provider.Factory
	syncer  *syncer.Syncer
}

func buildDeps(logger *slog.Logger, cfg *config.Config) (*dependencies, error) {
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	factory := provider.NewFactory(logger, store, store,
		provider.OAuthApp(cfg.Providers.Google),
		provider.OAuthApp(cfg.Providers.Microsoft))

	agg := aggregator.New(logger, cfg.Sync.AnonymizedTitle, cfg.Sync.SourceFanOut)
	s := syncer.New(logger, store, factory, agg, syncer.RetryConfig(cfg.Sync.Retry), cfg.Sync.DestinationFanOut)

	return &dependencies{
		store:   store,
		states:  oauthstate.New(),
		factory: factory,
		syncer:  s,
	}, nil
}

// sweepStates reclaims expired link-flow tokens until ctx is cancelled.
func sweepStates(ctx context.Context, states *oauthstate.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states.Sweep()
		}
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
