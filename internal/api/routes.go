// routes.go - Route registration helpers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Scanner Scanner
	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics        http.Handler
	Logger         *zap.Logger
	Version        string
	MaxMessageSize int64
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Stream    StreamHandler
	WebSocket *WebSocketHandler
	Metrics   http.Handler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Scanner),
		Stream:    NewStreamHandler(deps.Scanner),
		WebSocket: NewWebSocketHandler(deps.Scanner, deps.MaxMessageSize, deps.Logger),
		Metrics:   deps.Metrics,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)
	e.GET("/api/health", handlers.Health.HandleHealth)

	// Streaming contract
	streamGroup := e.Group("/api/stream")
	streamGroup.POST("/init", handlers.Stream.HandleStreamInit)
	streamGroup.POST("/chunk", handlers.Stream.HandleStreamChunk)
	streamGroup.POST("/finalize", handlers.Stream.HandleStreamFinalize)

	e.POST("/api/analyze", handlers.Stream.HandleAnalyzeFile)
	e.GET("/api/status", handlers.Stream.HandleStatus)
	e.GET("/api/errors", handlers.Stream.HandleErrorLog)
	e.GET("/api/verdicts", handlers.Stream.HandleVerdicts)

	// WebSocket transport for the same contract
	e.GET("/api/ws", handlers.WebSocket.HandleWebSocket)

	if handlers.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(handlers.Metrics))
	}
}

// MiddlewareConfig selects the middleware installed by SetupMiddleware
type MiddlewareConfig struct {
	EnableCORS       bool
	AllowOrigins     []string
	BodyLimit        string
	ShowErrorDetails bool
	Logger           *zap.Logger
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e.HTTPErrorHandler = NewErrorHandler(logger, cfg.ShowErrorDetails)
	e.Use(middleware.Recover())

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	if cfg.EnableCORS {
		origins := cfg.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		}))
	}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
}
