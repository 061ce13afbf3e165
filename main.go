// Command streamwatch monitors a roster of live broadcasters and records
// their streams. It:
//   - Loads the roster file and initializes structured logging.
//   - Polls every enabled streamer for liveness each cycle, debounced so a
//     single flaky probe never starts or stops a recording.
//   - Runs a bounded pool of recording sessions, each capturing media plus
//     per-kind chat event CSVs, with a monitoring summary CSV (and optional
//     Postgres archive) written as sessions start and stop.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM, and a stop sentinel file in the
// control directory requests the same drain from outside the process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/db"
	"github.com/onnwee/streamwatch/monitor"
	"github.com/onnwee/streamwatch/server"
	"github.com/onnwee/streamwatch/sink"
	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/twitch"
)

const version = "1.0.0"

type flags struct {
	configPath    string
	sessionID     string
	region        string
	checkInterval time.Duration
	outputDir     string
	verbose       bool
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:          "streamwatch",
		Short:        "Monitor live streamers and record their broadcasts",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}
	root.Flags().StringVarP(&f.configPath, "config", "c", "streamers.json", "path to the roster file (created with defaults if missing)")
	root.Flags().StringVarP(&f.sessionID, "session-id", "s", "", "session credential applied to every streamer without one")
	root.Flags().StringVarP(&f.region, "region", "r", "", "region hint applied to every streamer without one")
	root.Flags().DurationVarP(&f.checkInterval, "check-interval", "i", 0, "override the poll interval (e.g. 30s)")
	root.Flags().StringVarP(&f.outputDir, "output-dir", "o", "", "override the recording output directory")
	root.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "force debug logging regardless of LOG_LEVEL")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(f *flags) error {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging(f.verbose)

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwatch", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		return err
	}
	defer shutdown()

	watcher, err := config.NewWatcher(f.configPath, config.Overrides{
		SessionID:     f.sessionID,
		Region:        f.region,
		CheckInterval: f.checkInterval,
		OutputDir:     f.outputDir,
	})
	if err != nil {
		slog.Error("roster load failed", slog.String("path", f.configPath), slog.Any("err", err))
		return err
	}
	settings := watcher.Current().Settings

	if err := os.MkdirAll(settings.OutputDirectory, 0o755); err != nil {
		slog.Error("output directory", slog.String("dir", settings.OutputDirectory), slog.Any("err", err))
		return err
	}

	clientID := os.Getenv("TWITCH_CLIENT_ID")
	clientSecret := os.Getenv("TWITCH_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		err := fmt.Errorf("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET are required for liveness probing")
		slog.Error("missing credentials", slog.Any("err", err))
		return err
	}
	helix := &twitch.HelixClient{
		ClientID: clientID,
		Tokens:   twitch.NewAppTokenSource(clientID, clientSecret),
	}
	dialer := &twitch.Dialer{
		BotUsername: os.Getenv("TWITCH_BOT_USERNAME"),
		Streamlink:  os.Getenv("STREAMLINK_PATH"),
	}

	// Summary records always land in the daily CSV; a Postgres archive joins
	// in when DB_DSN is set.
	summaryPath := filepath.Join(settings.OutputDirectory,
		fmt.Sprintf("monitoring_sessions_%s.csv", time.Now().Format("20060102")))
	summary := sink.MultiSummary{sink.NewSummaryLog(summaryPath)}
	var commentTee func(key string) sink.EventSink
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		database, err := db.Connect(dsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			return err
		}
		summary = append(summary, &db.Archive{DB: database})
		commentTee = func(key string) sink.EventSink {
			return &db.CommentArchive{DB: database, Streamer: key}
		}
	}

	controlDir := os.Getenv("CONTROL_DIR")
	if controlDir == "" {
		controlDir = "."
	}
	statusPath := os.Getenv("STATUS_FILE")
	if statusPath == "" {
		statusPath = filepath.Join(controlDir, "monitoring_status.json")
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := monitor.New(monitor.Options{
		Watcher:    watcher,
		Checker:    &twitch.Prober{Helix: helix},
		Dialer:     dialer,
		Summary:    summary,
		CommentTee: commentTee,
		ControlDir: controlDir,
		StatusPath: statusPath,
	})

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, m.Orchestrator(), addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("monitoring started",
		slog.String("config", f.configPath),
		slog.Int("streamers", len(watcher.Current().Enabled())),
		slog.Duration("interval", settings.CheckInterval()),
		slog.Int("max_concurrent", settings.MaxConcurrentRecordings))

	err = m.Run(ctx)
	slog.Info("shutting down")
	return err
}

// initLogging configures the default slog logger (level + format). Defaults:
// level=info, format=text.
func initLogging(verbose bool) {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}
