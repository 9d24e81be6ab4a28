// Command recent-messages is the entrypoint for the historical chat service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the IRC listener pool, the persistence forwarder and the
//     retention scheduler.
//   - Exposes the HTTP API with /api/v2, /healthz and /metrics.
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
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/recent-messages/auth"
	"github.com/onnwee/recent-messages/config"
	"github.com/onnwee/recent-messages/db"
	"github.com/onnwee/recent-messages/irc"
	"github.com/onnwee/recent-messages/registry"
	"github.com/onnwee/recent-messages/retention"
	"github.com/onnwee/recent-messages/server"
	"github.com/onnwee/recent-messages/telemetry"
	"github.com/onnwee/recent-messages/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("recent-messages", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Each IRC connection holds a socket; with hundreds of channels the
	// default soft fd limit is too small.
	raiseFdLimit()

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

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := db.NewStore(database, cfg.DBQueryTimeout)
	forwarder := db.NewForwarder(store, cfg.ForwarderRunEvery, cfg.ForwarderMaxChunkSize)

	reg := registry.New(store, forwarder, registry.Options{
		MaxBufferSize: cfg.MaxBufferSize,
		Retention:     cfg.MessagesExpireAfter,
		IdleAfter:     cfg.ChannelsExpireAfter,
	})
	pool := irc.NewPool(reg, irc.Options{
		Username:              cfg.TwitchBotUsername,
		OAuthToken:            cfg.TwitchOAuthToken,
		ChannelsPerConnection: cfg.ChannelsPerConnection,
		MaxConnections:        cfg.MaxConnections,
		JoinTimeout:           cfg.JoinTimeout,
		PartTimeout:           cfg.PartTimeout,
		WarmConnectionFor:     cfg.WarmConnectionFor,
	})
	reg.SetPool(pool)

	scheduler := retention.NewScheduler(reg, store, cfg.VacuumMessagesEvery, cfg.MessagesExpireAfter)

	// The authorization surface is optional; without Twitch app credentials
	// the rest of the API still works.
	var sessions server.SessionService
	var sessionSvc *auth.Service
	if err := cfg.ValidateAuthReady(); err != nil {
		slog.Info("authorization surface disabled", slog.Any("reason", err))
	} else {
		helix := &twitchapi.HelixClient{ClientID: cfg.TwitchClientID}
		sessionSvc = auth.NewService(cfg, store, helix)
		sessions = sessionSvc
	}
	handlers := server.NewHandlers(reg, sessions, cfg.MaxBufferSize, cfg.RecheckTwitchAuthAfter)

	startPprofIfEnabled()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return forwarder.Run(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	if sessionSvc != nil {
		g.Go(func() error {
			sessionSvc.RunExpiry(gctx, time.Hour)
			return nil
		})
	}
	g.Go(func() error {
		return server.Start(gctx, handlers, cfg.HTTPAddr)
	})

	if err := g.Wait(); err != nil {
		slog.Error("service exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

// setupLogging configures the default slog logger from LOG_LEVEL and
// LOG_FORMAT. Defaults: level=info, format=text.
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

// startPprofIfEnabled exposes /debug/pprof on its own listener when
// ENABLE_PPROF=1.
func startPprofIfEnabled() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
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
