// Command twitch-chat-collector archives live Twitch chat. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Polls live status for the watched channels and maintains the stream catalog.
//   - Keeps a persistent chat connection and persists messages, deletions and bans
//     attributed to the live session they occurred in.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hamtaryo-san/twitch-chat-collector/collector"
	"github.com/hamtaryo-san/twitch-chat-collector/config"
	"github.com/hamtaryo-san/twitch-chat-collector/db"
	"github.com/hamtaryo-san/twitch-chat-collector/oauth"
	"github.com/hamtaryo-san/twitch-chat-collector/scheduler"
	"github.com/hamtaryo-san/twitch-chat-collector/server"
	"github.com/hamtaryo-san/twitch-chat-collector/session"
	"github.com/hamtaryo-san/twitch-chat-collector/telemetry"
	"github.com/hamtaryo-san/twitch-chat-collector/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateCollectorReady(); err != nil {
		slog.Error("configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("twitch-chat-collector", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	watchList, err := config.LoadWatchList(cfg.ChannelsFile)
	if err != nil {
		slog.Error("channels file load failed", slog.Any("err", err))
		os.Exit(1)
	}
	channels := watchList.Channels
	pollInterval := cfg.PollInterval
	if watchList.PollInterval > 0 {
		pollInterval = watchList.PollInterval
	}
	slog.Info("watch list loaded", slog.Int("channels", len(channels)),
		slog.Duration("poll_interval", pollInterval), slog.String("file", cfg.ChannelsFile))

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

	// Versioned migrations first; embedded SQL as fallback for deployments
	// that ship without the migrations directory.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenStore := &db.TokenStore{DB: database, Provider: "twitch"}
	manager := &oauth.Manager{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		Store:        tokenStore,
	}
	creds, err := loadCredentials(ctx, cfg, tokenStore, manager)
	if err != nil {
		slog.Error("no usable credential", slog.Any("err", err))
		os.Exit(1)
	}

	helix := &twitchapi.Client{
		ClientID: cfg.TwitchClientID,
		TokenSource: &twitchapi.AppTokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
		},
	}
	tracker := session.NewTracker(&session.HelixResolver{Helix: helix})
	store := db.NewStore(database)

	sched := &scheduler.Scheduler{
		Helix:       helix,
		Catalog:     store,
		Tracker:     tracker,
		Credentials: creds,
		Channels:    channels,
		Interval:    pollInterval,
	}
	logins := make([]string, 0, len(channels))
	for _, ch := range channels {
		logins = append(logins, ch.UserLogin)
	}
	coll := &collector.Collector{
		Credentials:          creds,
		Store:                store,
		Tracker:              tracker,
		Channels:             logins,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}

	fatal := make(chan error, 2)
	go func() {
		if err := sched.Run(ctx); err != nil {
			fatal <- err
		}
	}()
	go func() {
		if err := coll.Run(ctx); err != nil {
			fatal <- err
		}
	}()

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewMux(database, store, tracker),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-fatal:
		slog.Error("unrecoverable failure, shutting down", slog.Any("err", err))
		exitCode = 1
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", slog.Any("err", err))
	}
	os.Exit(exitCode)
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func initLogging() {
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

// loadCredentials prefers the stored token pair; on first run the pair from
// the environment seeds the database and becomes authoritative there.
func loadCredentials(ctx context.Context, cfg *config.Config, store *db.TokenStore, manager *oauth.Manager) (*oauth.Credentials, error) {
	access, refresh, _, err := store.LoadTokens(ctx)
	if err != nil {
		return nil, err
	}
	if refresh == "" {
		access, refresh = cfg.TwitchAccessToken, cfg.TwitchRefreshToken
		if refresh == "" {
			return nil, errMissingCredential
		}
		if err := store.SaveTokens(ctx, oauth.TokenPair{
			AccessToken:  access,
			RefreshToken: refresh,
			Scopes:       []string{oauth.RequiredScope},
		}); err != nil {
			return nil, err
		}
		slog.Info("seeded stored credential from environment")
	}
	return oauth.NewCredentials(manager, access, refresh), nil
}

var errMissingCredential = errors.New("no stored credential and TWITCH_REFRESH_TOKEN not set")

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
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
	}()
}
