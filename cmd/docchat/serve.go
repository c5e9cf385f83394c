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

	"github.com/ashureev/docchat/internal/api"
	"github.com/ashureev/docchat/internal/middleware"
	"github.com/ashureev/docchat/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var portFlag string

// serveCmd runs the local HTTP bridge for a browser-hosted view.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat session over HTTP and WebSocket",
	Long: `Runs a local bridge that exposes one chat session to a view.

Intents are posted to /api/*, the current state is at GET /api/state, and
every state change (including partial replies while they stream) is pushed
over the WebSocket at /ws/session.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&portFlag, "port", "", "Listen port (overrides PORT)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if portFlag != "" {
		cfg.Port = portFlag
	}
	logger := slog.Default()
	slog.Info("Starting bridge", "port", cfg.Port, "base_url", cfg.BaseURL, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := openTokenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTokenStore(tokens)
	slog.Info("Token store ready", "path", cfg.DBPath)

	client := newClient(cfg, tokens, logger)
	ctrl := newController(cfg, client, logger)
	defer ctrl.Close()

	if err := ctrl.Mount(ctx); err != nil {
		return fmt.Errorf("failed to start chat session: %w", err)
	}

	// Initialize handlers.
	sessionHandler := api.NewHandler(ctrl, logger)
	healthHandler := api.NewHealthHandler(tokens)
	conns := stream.NewManager()
	wsHandler := stream.NewHandler(ctrl, conns, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// Sends block until the reply has streamed in, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Bridge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		conns.CloseAll("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Bridge stopped with error", "error", err)
		return err
	}
	slog.Info("Bridge stopped successfully")
	return nil
}
