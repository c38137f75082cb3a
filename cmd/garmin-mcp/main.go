// garmin-mcp is an MCP server that exposes Garmin Connect data behind an
// embedded OAuth2 authorization server. Downstream MCP clients authorize via
// authorization-code + PKCE; the login step exchanges the user's Garmin
// credentials (and MFA code when challenged) for a durable upstream session.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"

	"github.com/fitsync/garmin-mcp/internal/config"
	"github.com/fitsync/garmin-mcp/internal/events"
	"github.com/fitsync/garmin-mcp/internal/garmin"
	"github.com/fitsync/garmin-mcp/internal/oauth"
	"github.com/fitsync/garmin-mcp/internal/session"
	"github.com/fitsync/garmin-mcp/internal/store"
	"github.com/fitsync/garmin-mcp/internal/tools"
)

const serverVersion = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(bootLogger)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	sessions, err := session.NewManager(session.Config{
		StoragePath: cfg.SessionStoragePath,
		CacheTTL:    cfg.SessionCacheTTL,
		Redis:       rdb,
		TokenTTL:    cfg.AccessTokenTTL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	pub, err := events.Connect(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	provider := oauth.NewProvider(oauth.Config{
		ServerURL:       cfg.ServerURL,
		Scope:           cfg.Scope,
		LoginTTL:        cfg.LoginTTL,
		CodeTTL:         cfg.AuthCodeTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	}, st, sessions, garmin.NewSSOAuthenticator(logger), pub, logger)
	oauthServer := oauth.NewServer(provider)

	mcpServer := server.NewMCPServer(
		"garmin-mcp",
		serverVersion,
		server.WithToolCapabilities(false),
	)
	tools.NewToolkit(sessions, logger).Register(mcpServer)
	streamable := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithHTTPContextFunc(oauth.ContextFromRequest),
		server.WithStateLess(true),
	)

	mux := http.NewServeMux()
	oauthServer.Routes(mux)
	mux.Handle("/mcp", oauthServer.RequireToken(streamable))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "server_url", cfg.ServerURL)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
