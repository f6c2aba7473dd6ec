package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/calmirror/calmirror/internal/auth"
	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/logger"
	"github.com/calmirror/calmirror/internal/metrics"
	"github.com/calmirror/calmirror/internal/model"
	"github.com/calmirror/calmirror/internal/source"
	"github.com/calmirror/calmirror/internal/sync"
	"github.com/calmirror/calmirror/internal/userlog"
	"github.com/calmirror/calmirror/internal/web"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Calendar Mirror

Keeps a dedicated Google Calendar as a filtered mirror of a source calendar
(an ICS feed or another Google calendar) for each configured user. Every sync
wipes the target calendar and rebuilds it from the filtered source events, so
the target must be a calendar this tool exclusively owns.

USAGE:
    %s [OPTIONS]

MODES (exactly one):
    -user ID        Sync a single user now and exit
    -all            Sync every configured user now and exit
    -daemon         Run the cron schedule and the HTTP trigger server until
                    SIGINT/SIGTERM

OPTIONS:
    -h, -help       Show this help message and exit
    -v, -verbose    Enable debug logging
    -config FILE    Path to YAML config file (optional)
    -data-dir PATH  Data directory for user configs, locks, logs, and the
                    ICS cache (overrides config file and DATA_DIR env var)
    -listen ADDR    HTTP trigger listen address for daemon mode
                    (overrides config file and LISTEN_ADDR env var)
    -schedule EXPR  Cron schedule for daemon batch runs
                    (overrides config file and SYNC_SCHEDULE env var)
    -credentials FILE
                    Path to Google OAuth client credentials JSON
                    (overrides config file and GOOGLE_CREDENTIALS_PATH env var)

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables
    3. Config file (-config)
    4. Defaults

CONFIG FILE (YAML):
    data_dir: /var/lib/calmirror
    listen: ":8080"
    schedule: "*/30 * * * *"
    google_credentials_path: /etc/calmirror/credentials.json
    source_timeout_seconds: 30
    max_attempts: 3
    batch_size: 50
    batch_pause_ms: 500
    max_parallel_users: 4
    requests_per_second: 5
    allow_private_sources: false

    The Google credentials JSON file should be in the format downloaded from
    Google Cloud Console, with an "installed" or "web" section containing
    "client_id" and "client_secret".

ENVIRONMENT VARIABLES:
    DATA_DIR, LISTEN_ADDR, SYNC_SCHEDULE, GOOGLE_CREDENTIALS_PATH,
    SOURCE_TIMEOUT_SECONDS, MAX_ATTEMPTS, BATCH_SIZE, BATCH_PAUSE_MS,
    MAX_PARALLEL_USERS, REQUESTS_PER_SECOND, ALLOW_PRIVATE_SOURCES,
    SYNC_USER_AGENT

USERS:
    Each user is a JSON file under <data_dir>/users/<id>.json:
    {
      "id": "alice",
      "source_id": "https://example.com/timetable.ics",
      "target_id": "abc123@group.calendar.google.com",
      "regex_patterns": ["^Feiertag:", "Klausur"],
      "source_timezone": "Europe/Berlin",
      "refresh_token": "..."
    }

    source_id is treated as an ICS feed when it starts with http:// or
    https://, and as a Google calendar id otherwise. The refresh token must
    be obtained out of band; this tool never runs an OAuth consent flow.
    Sync outcomes are appended to <data_dir>/logs/<id>.log, one line per run.

EXAMPLES:
    # Sync one user
    %s -credentials /etc/calmirror/credentials.json -user alice

    # Sync everyone once
    %s -config /etc/calmirror/calmirror.yaml -all

    # Run as a service (cron schedule + HTTP triggers)
    %s -config /etc/calmirror/calmirror.yaml -daemon

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	verboseFlagShort := flag.Bool("v", false, "Enable debug logging (shorthand)")
	configFile := flag.String("config", "", "Path to YAML config file (optional)")
	dataDir := flag.String("data-dir", "", "Data directory for user configs, locks, logs, and cache")
	listen := flag.String("listen", "", "HTTP trigger listen address for daemon mode")
	schedule := flag.String("schedule", "", "Cron schedule for daemon batch runs")
	credentials := flag.String("credentials", "", "Path to Google OAuth client credentials JSON")
	userID := flag.String("user", "", "Sync a single user now and exit")
	allUsers := flag.Bool("all", false, "Sync every configured user now and exit")
	daemon := flag.Bool("daemon", false, "Run the cron schedule and HTTP trigger server")
	flag.Parse()

	if *helpFlag || *helpFlagShort {
		printHelp()
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verboseFlag || *verboseFlagShort {
		level = slog.LevelDebug
	}
	log := logger.SetupDefault(nil, level)

	modes := 0
	if *userID != "" {
		modes++
	}
	if *allUsers {
		modes++
	}
	if *daemon {
		modes++
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -user, -all, or -daemon must be given")
		fmt.Fprintln(os.Stderr, "run with -help for usage")
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile, config.Overrides{
		DataDir:               *dataDir,
		Listen:                *listen,
		Schedule:              *schedule,
		GoogleCredentialsPath: *credentials,
	})
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
	if err != nil {
		log.Error("failed to load Google credentials", "error", err)
		os.Exit(1)
	}

	store := config.NewStore(cfg.DataDir)
	logs := userlog.New(cfg.DataDir)
	registry := prometheus.NewRegistry()

	runner := sync.NewRunner(sync.Options{
		Store:       store,
		Credentials: auth.NewGoogleProvider(auth.NewGoogleOAuthConfig(clientID, clientSecret)),
		Locks:       lock.NewManager(cfg.DataDir),
		UserLog:     logs,
		Metrics:     metrics.NewCollector(registry),
		Logger:      log,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		HTTPClient:  source.NewHTTPClient(cfg.SourceTimeout(), cfg.AllowPrivateSources),
		Cache:       source.NewCache(cfg.DataDir),
		UserAgent:   cfg.UserAgent,
		MaxAttempts: cfg.MaxAttempts,
		BatchSize:   cfg.BatchSize,
		BatchPause:  cfg.BatchPause(),
		MaxParallel: cfg.MaxParallelUsers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *userID != "":
		outcome := runner.RunUser(ctx, *userID)
		fmt.Println(outcome.Summary())
		if outcome.Status == model.StatusFailure {
			os.Exit(1)
		}

	case *allUsers:
		outcomes, err := runner.RunAll(ctx)
		if err != nil {
			log.Error("batch run failed", "error", err)
			os.Exit(1)
		}
		failed := 0
		for _, outcome := range outcomes {
			fmt.Printf("%s: %s\n", outcome.UserID, outcome.Summary())
			if outcome.Status == model.StatusFailure {
				failed++
			}
		}
		if failed > 0 {
			log.Warn("batch finished with failures", "failed", failed, "total", len(outcomes))
			os.Exit(1)
		}

	case *daemon:
		server := web.NewServer(web.Options{
			Syncer:   runner,
			Store:    store,
			UserLog:  logs,
			Gatherer: registry,
			Logger:   log,
		})
		if err := runDaemon(ctx, cfg, runner, server, log); err != nil {
			log.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	}
}

// runDaemon runs scheduled batch syncs and the HTTP trigger server until the
// context is cancelled.
func runDaemon(ctx context.Context, cfg *config.AppConfig, runner *sync.Runner, server *web.Server, log *slog.Logger) error {
	// Sync triggers answer synchronously and a large run can take minutes,
	// so the write window stays generous.
	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(cfg.Schedule, func() {
		if _, err := runner.RunAll(ctx); err != nil {
			log.Error("scheduled batch run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Info("daemon started", "schedule", cfg.Schedule)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("http server failed: %w", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}

	// Wait for any batch still running; its context is already cancelled.
	<-scheduler.Stop().Done()
	log.Info("daemon stopped")
	return nil
}
