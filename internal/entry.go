// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/docscope/internal/api"
	"github.com/starford/docscope/internal/mcpserver"
	"github.com/starford/docscope/internal/metrics"
	"github.com/starford/docscope/internal/scope"
	"github.com/starford/docscope/internal/sse"
	"github.com/starford/docscope/internal/storage/local"
	"github.com/starford/docscope/internal/watch"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.Int("scopes", len(cfg.Scopes)),
		slog.String("catalog_path", cfg.Catalog.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	apiRouter := api.NewRouter(rt.reg, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics.Enabled {
		r.Use(metrics.Middleware)
		r.Handle("/metrics", metrics.Handler())
	}

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", readyHandler(rt.reg))

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Change streams and watchers, one pair per scope.
	for i, s := range rt.reg.Scopes() {
		events, unsubscribe := s.Events()
		g.Go(func() error {
			defer unsubscribe()
			broker.Forward(gCtx, s.Identifier(), events)
			return nil
		})
		sc := scopeConfigFor(cfg, s.Identifier(), i)
		g.Go(func() error {
			return watchScope(gCtx, s, sc, logger)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown stops the errgroup once the HTTP server is down so the
// watcher and forwarder goroutines observe a cancelled context.
var errShutdown = errors.New("shutdown")

// RunMCP serves the docscope tools over stdio until ctx ends or stdin closes.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.logger()

	rt, err := openRuntime(ctx, app.config, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	g, gCtx := errgroup.WithContext(ctx)
	for i, s := range rt.reg.Scopes() {
		sc := scopeConfigFor(app.config, s.Identifier(), i)
		g.Go(func() error {
			return watchScope(gCtx, s, sc, logger)
		})
	}
	g.Go(func() error {
		logger.Info("Starting MCP server on stdio")
		if err := mcpserver.New(rt.reg).ServeStdio(); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}
	return nil
}

// scopeConfigFor finds the configuration a registered scope came from.
func scopeConfigFor(cfg *Config, id string, fallback int) ScopeConfig {
	for _, sc := range cfg.Scopes {
		if sc.ID == id {
			return sc
		}
	}
	return cfg.Scopes[fallback]
}

// watchScope keeps s in sync with its storage: local directories through
// fsnotify when enabled, anything else by polling.
func watchScope(ctx context.Context, s *scope.Scope, sc ScopeConfig, logger *slog.Logger) error {
	logger = logger.With(slog.String("scope", s.Identifier()))
	if fs, ok := s.Backend().(*local.FS); ok && sc.Watch {
		if err := watch.Dir(ctx, fs.Root(), watch.DefaultDebounce, logger, s.Rescan); err != nil {
			logger.Warn("watcher unavailable, falling back to polling", slog.String("error", err.Error()))
		} else {
			return nil
		}
	}
	return watch.Poll(ctx, sc.PollInterval, logger, s.Rescan)
}

// readyHandler reports ready once every scope finished its initial scan.
func readyHandler(reg *scope.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		for _, s := range reg.Scopes() {
			if !s.HasFinishedInitialScan() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, `{"status":"scanning","scope":%q}`, s.Identifier())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
