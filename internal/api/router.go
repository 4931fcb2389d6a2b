// Package api assembles the HTTP application.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/analytics"
	"github.com/hotelrag/backend/internal/api/handlers"
	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/internal/middleware/ratelimit"
	"github.com/hotelrag/backend/internal/middleware/security"
	"github.com/hotelrag/backend/internal/middleware/validation"
)

type ServerConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BodyLimit      int
	AllowedOrigins []string
	IsDevelopment  bool
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit   int
	AccessLog   bool
	MaxQuestion int
}

type Engine interface {
	handlers.Asker
	handlers.IndexBuilder
}

type Deps struct {
	Registry *analytics.Registry
	Executor handlers.ReportExecutor
	Engine   Engine
	Checks   map[string]handlers.Check
	Logger   *zap.Logger
}

// NewServer wires middleware and routes. The returned stop function
// releases background resources of the middleware.
func NewServer(cfg ServerConfig, deps Deps) (*fiber.App, func()) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:      "hotelrag",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BodyLimit:    cfg.BodyLimit,
	})

	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(fiberlogger.New())
	}

	allowOrigins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.AllowedOrigins, ", ")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDevelopment:  cfg.IsDevelopment,
	}))

	stop := func() {}
	if cfg.RateLimit > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.RateLimit,
			Logger:               deps.Logger,
		})
		app.Use(limiter.Middleware())
		stop = limiter.Stop
	}

	app.Use(validation.Middleware(validation.Config{
		MaxQuestionLength: cfg.MaxQuestion,
		Logger:            deps.Logger,
	}))

	analyticsHandler := handlers.NewAnalyticsHandler(deps.Registry, deps.Executor)
	askHandler := handlers.NewAskHandler(deps.Engine)
	indexHandler := handlers.NewIndexHandler(deps.Engine)
	wsHandler := handlers.NewWebSocketHandler(deps.Engine, cfg.MaxQuestion)
	healthHandler := handlers.NewHealthHandler(deps.Checks)

	app.Get("/analytics", analyticsHandler.ListGroups)
	app.Post("/analytics/:group", analyticsHandler.HandleGroup)

	app.Post("/ask", askHandler.HandleAsk)
	app.Get("/ask/history", askHandler.GetHistory)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/ask", websocket.New(wsHandler.HandleConnection))

	app.Post("/admin/index", indexHandler.BuildIndex)

	app.Get("/health", healthHandler.Health)
	app.Get("/ready", healthHandler.Ready)
	app.Get("/metrics", metrics.MetricsHandler())

	return app, stop
}
