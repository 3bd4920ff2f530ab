// Command cast-tender is the main entrypoint for the presence collector.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Seeds the watch list and starts the polling loop, which owns all
//     session lifecycle and event-stream connections.
//   - Starts background collaborators: trigger queue, thumbnail capture.
//   - Exposes an HTTP server with health, status, target, and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/cast-tender/backoff"
	"github.com/onnwee/cast-tender/collector"
	"github.com/onnwee/cast-tender/config"
	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/platformapi"
	"github.com/onnwee/cast-tender/platformauth"
	"github.com/onnwee/cast-tender/reports"
	"github.com/onnwee/cast-tender/server"
	"github.com/onnwee/cast-tender/session"
	"github.com/onnwee/cast-tender/telemetry"
	"github.com/onnwee/cast-tender/thumbs"
	"github.com/onnwee/cast-tender/trigger"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("cast-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Migrations: versioned (golang-migrate) first, embedded SQL as fallback
	// for deployments without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Retry gating. The auth cache resets viewer-poll backoff after every
	// successful refresh so polling recovers immediately with the new
	// credential instead of waiting the cooldown out.
	tracker := backoff.NewTracker()
	fetcher := &platformauth.ChainFetcher{
		BaseURL:          cfg.PlatformBaseURL,
		ProbeTarget:      cfg.AuthProbeTarget,
		EnvJWT:           cfg.PlatformJWT,
		BrowserChallenge: cfg.BrowserChallenge,
		AutoRefresh:      cfg.AuthAutoRefresh,
	}
	auth := platformauth.NewCache(fetcher.Fetch, cfg.AuthDebounceWindow, func() {
		tracker.ResetByPrefix("viewers:")
	})

	api := &platformapi.Client{BaseURL: cfg.PlatformBaseURL}
	sessions := session.NewManager(db.NewSessionStore(database))
	triggers := trigger.NewEngine(database)
	reporter := reports.NewGenerator(database)

	coll := collector.New(collector.Deps{
		Config:   cfg,
		Store:    db.NewStore(database),
		Status:   api,
		Viewers:  api,
		Auth:     auth,
		Sessions: sessions,
		Backoff:  tracker,
		Triggers: triggers,
		Reports:  reporter,
	})

	targets, err := db.LoadActiveTargets(ctx, database)
	if err != nil {
		slog.Error("failed to load targets", slog.Any("err", err))
		os.Exit(1)
	}
	coll.LoadTargets(targets)

	// Background collaborators.
	go runTriggerQueue(ctx, triggers)
	capturer := thumbs.NewCapturer(database, coll, cfg.ThumbnailCDNURL, 5*time.Minute)
	go capturer.Run(ctx)

	// pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		go runPprof()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, server.Deps{
			Presence:  coll,
			Firings:   triggers,
			AuthValid: auth.Valid,
		}, addr); err != nil {
			slog.Error("http server error", slog.Any("err", err))
			stop()
		}
	}()

	// The polling loop blocks until shutdown.
	coll.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coll.Shutdown(shutdownCtx)
	slog.Info("shutdown complete")
}

// setupLogging configures the default slog handler from LOG_LEVEL and
// LOG_FORMAT (text | json).
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}

// runTriggerQueue releases delayed post-session firings on a fixed cadence.
func runTriggerQueue(ctx context.Context, engine *trigger.Engine) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := engine.ProcessQueue(); n > 0 {
				slog.Info("trigger queue processed", slog.Int("released", n), slog.String("component", "trigger"))
			}
		}
	}
}

func runPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
	srv := &http.Server{
		Addr:              pprofAddr,
		Handler:           nil, // default mux exposes /debug/pprof
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("pprof server error", slog.Any("err", err))
	}
}
