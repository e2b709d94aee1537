package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/credential"
	"github.com/alexjbarnes/authrelay/internal/logging"
	"github.com/alexjbarnes/authrelay/internal/mcpserver"
	"github.com/alexjbarnes/authrelay/internal/pages"
	"github.com/alexjbarnes/authrelay/internal/rules"
	"github.com/alexjbarnes/authrelay/internal/server"
	"github.com/alexjbarnes/authrelay/internal/state"
	"github.com/alexjbarnes/authrelay/internal/worker"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("authrelay starting",
		slog.String("version", Version),
		slog.String("origin", cfg.Origin().String()),
		slog.String("upstream", cfg.Upstream().String()),
		slog.Bool("page_fallback", cfg.PageFallback),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	kv, closeKV, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeKV()

	classifierRules := rules.Default()
	if cfg.RulesFile != "" {
		classifierRules, err = rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
	}

	classifier := rules.NewClassifier(cfg.Origin().Hostname(), classifierRules)
	hub := pages.NewHub(logger.With(slog.String("service", "pages")), cfg.OriginPatterns()...)

	w := worker.New(worker.Config{
		Store:           credential.NewStore(kv),
		Classifier:      classifier,
		Pages:           hub,
		PageFallback:    cfg.PageFallback,
		PageTimeout:     cfg.PageTokenTimeout,
		AutoUnlockAfter: cfg.AutoUnlockAfter,
	}, logger.With(slog.String("service", "worker")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runRelay(gctx, cfg, w, hub, logger)
	})

	if cfg.RulesFile != "" {
		g.Go(func() error {
			err := classifier.Watch(gctx, cfg.RulesFile, logger.With(slog.String("service", "rules")))
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, w, hub, logger)
		})
	}

	return g.Wait()
}

// openStore opens the credential's backing store and returns a close func.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (credential.KV, func(), error) {
	if cfg.UseRedis() {
		r, err := state.OpenRedis(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis: %w", err)
		}

		logger.Info("credential kept in redis", slog.String("prefix", cfg.RedisKeyPrefix))

		return r, func() { r.Close() }, nil
	}

	if cfg.UseMemoryState() {
		logger.Warn("credential kept in memory, it will not survive a restart")
		return credential.NewMemoryKV(), func() {}, nil
	}

	var (
		appState *state.State
		err      error
	)

	if cfg.StatePath == "" {
		appState, err = state.Load()
	} else {
		appState, err = state.LoadAt(cfg.StatePath)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("loading state: %w", err)
	}

	return appState, func() { appState.Close() }, nil
}

// runRelay serves the proxy and the page channel until ctx is cancelled.
func runRelay(ctx context.Context, cfg *config.Config, w *worker.Worker, hub *pages.Hub, logger *slog.Logger) error {
	mux := server.NewMux(server.MuxConfig{
		Worker:   w,
		Hub:      hub,
		Upstream: cfg.Upstream(),
		Logger:   logger,
	})

	// No WriteTimeout: page channel connections are long-lived.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting relay", slog.String("listen", cfg.ListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		hub.CloseAll()
		w.Reset()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay server error: %w", err)
	}

	return nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, w *worker.Worker, hub *pages.Hub, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "authrelay-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, w, hub)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
