// Public-goods experiment server.
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

	"github.com/behavlab/publicgoods/internal/api"
	"github.com/behavlab/publicgoods/internal/config"
	"github.com/behavlab/publicgoods/internal/experiment"
	"github.com/behavlab/publicgoods/internal/identity"
	"github.com/behavlab/publicgoods/internal/middleware"
	"github.com/behavlab/publicgoods/internal/opponent"
	"github.com/behavlab/publicgoods/internal/store"
	"github.com/behavlab/publicgoods/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"opponent_mode", cfg.Opponent.Mode, "balance_mode", cfg.Game.BalanceMode)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	policy, err := buildPolicy(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize opponent policy", "error", err)
		os.Exit(1)
	}

	machine := experiment.NewMachine(repo, policy, cfg, nil, logger)

	renderer, err := web.NewRenderer()
	if err != nil {
		slog.Error("Failed to parse templates", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(machine, renderer, cfg, nil, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{cfg.FrontendURL}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// buildPolicy wires the configured opponent. The noise policy needs nothing
// external; the predictor needs a Gemini client.
func buildPolicy(cfg *config.Config, logger *slog.Logger) (opponent.Policy, error) {
	switch cfg.Opponent.Mode {
	case config.OpponentNoise:
		return opponent.NewNoisyMimic(cfg.Game.MaxContribution, nil), nil
	case config.OpponentPredictor:
		completer, err := opponent.NewGeminiCompleter(context.Background(), opponent.GeminiConfig{
			APIKey:  cfg.Opponent.GeminiAPIKey,
			Model:   cfg.Opponent.GeminiModel,
			Timeout: cfg.Opponent.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		return opponent.NewAdaptivePredictor(completer, cfg.Game.MaxContribution, cfg.Game.DivergenceSession, logger), nil
	default:
		return nil, errors.New("unknown opponent mode: " + cfg.Opponent.Mode)
	}
}
