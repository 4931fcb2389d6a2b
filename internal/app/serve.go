package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/api"
	"github.com/hotelrag/backend/pkg/logger"
)

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config

	rateLimit := 0
	if cfg.RateLimit.Enabled {
		rateLimit = cfg.RateLimit.MaxRequestsPerMinute
	}

	server, stop := api.NewServer(api.ServerConfig{
		ReadTimeout:    seconds(cfg.Server.ReadTimeout),
		WriteTimeout:   seconds(cfg.Server.WriteTimeout),
		BodyLimit:      cfg.Server.BodyLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.IsDevelopment,
		RateLimit:      rateLimit,
		AccessLog:      cfg.Server.IsDevelopment,
	}, api.Deps{
		Registry: a.Registry,
		Executor: a.Executor,
		Engine:   a.Engine,
		Checks:   a.Checks(),
		Logger:   logger.GetLogger(),
	})
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Server shutting down gracefully...")
	if err := server.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
