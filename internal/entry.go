// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"bytes"
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

	"github.com/starford/voicenotes/internal/docstore"
	"github.com/starford/voicenotes/internal/export"
	"github.com/starford/voicenotes/internal/mcpserver"
	"github.com/starford/voicenotes/internal/sse"
	"github.com/starford/voicenotes/internal/storage"
	"github.com/starford/voicenotes/internal/web"
)

const shutdownTimeout = 10 * time.Second

func newApplication(opts []Option) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := newLogger(cfg, app.logOut)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.App.DataDir),
		slog.String("store_path", cfg.Store.Path),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("engine", cfg.Transcription.Engine),
		slog.String("log_level", cfg.App.LogLevel.String()))

	comps, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		comps.close(closeCtx)
	}()

	// SSE broker.
	broker := sse.NewBroker(15 * time.Second)
	defer broker.Close()

	srv := web.NewServer(comps.core, comps.dict, comps.sessions, comps.prefs,
		web.WithBroker(broker),
		web.WithLogger(logger),
		web.WithBaseURL(cfg.App.HTTP.BaseURL),
	)
	defer srv.Close()

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := comps.core.View(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/", srv.Router())

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Pick up writes made by other processes sharing the database.
	g.Go(func() error {
		if err := comps.store.Watch(gCtx); err != nil {
			logger.Warn("store watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Push read-model changes to SSE clients.
	g.Go(func() error {
		return srv.PublishViews(gCtx)
	})

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

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Open SSE streams end with the broker, not with Shutdown.
		broker.Close()
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

// errShutdown cancels the group once the server has shut down, so the
// background loops stop too.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdio as the persisted session's user.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	out := app.logOut
	if out == nil {
		out = os.Stderr
	}
	logger := newLogger(app.config, out)
	slog.SetDefault(logger)

	comps, err := build(ctx, app.config, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		comps.close(closeCtx)
	}()

	logger.Info("MCP server starting", slog.String("state", comps.sessions.State().String()))
	return mcpserver.New(comps.core).ServeStdio()
}

// Export formats.
const (
	FormatJSON = "json"
	FormatPDF  = "pdf"
)

// ExportRequest describes a one-shot export from the command line.
type ExportRequest struct {
	OwnerID string
	Format  string
	OutDir  string
	Now     time.Time
}

// Export writes every note of req.OwnerID to a new file in req.OutDir and
// returns the file name.
func Export(ctx context.Context, cfg *Config, req ExportRequest) (string, error) {
	if req.OwnerID == "" {
		return "", fmt.Errorf("export: owner is required")
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}

	store, err := docstore.Open(cfg.Store.Path, docstore.WithLogger(slog.Default()))
	if err != nil {
		return "", fmt.Errorf("export: open store: %w", err)
	}
	defer store.Close()

	notes, err := store.Notes(ctx, req.OwnerID)
	if err != nil {
		return "", fmt.Errorf("export: load notes: %w", err)
	}

	var buf bytes.Buffer
	switch req.Format {
	case FormatJSON:
		err = export.WriteJSON(&buf, notes)
	case FormatPDF:
		err = export.WritePDF(&buf, notes, req.Now)
	default:
		return "", fmt.Errorf("export: unknown format %q", req.Format)
	}
	if err != nil {
		return "", err
	}

	out, err := storage.NewFS(req.OutDir)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	name := export.FileName(req.Format, req.Now)
	if err := out.Write(name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return name, nil
}
