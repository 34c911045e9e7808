// Package http assembles the public echo server.
package http

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Jackson57279/zapdev-sub003/internal/config"
	"github.com/Jackson57279/zapdev-sub003/internal/service"
	v1 "github.com/Jackson57279/zapdev-sub003/internal/transport/http/v1"
	"github.com/Jackson57279/zapdev-sub003/internal/transport/ws"
)

// rateLimitExempt lists path prefixes the limiter never throttles: long-lived
// connections, probes and sandbox results that a waiting generation needs.
var rateLimitExempt = []string{"/ws", "/health", "/metrics", "/v1/sandbox/result"}

// NewServer creates and configures the HTTP server. wsServer and gatherer
// are optional.
func NewServer(cfg *config.Config, svc *service.Service, wsServer *ws.Server, gatherer prometheus.Gatherer, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if cfg.RateLimit.Enabled {
		e.Use(rateLimiter(cfg.RateLimit))
	}

	// Handlers
	v1Handler := v1.NewHandler(svc)
	v1Handler.RegisterRoutes(e)

	if wsServer != nil {
		e.GET("/ws", wsServer.HandleWebSocket)
	}
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return e
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogMethod:   true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("Request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("Request", fields...)
			return nil
		},
	})
}

func rateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:  rate.Limit(cfg.RequestsPerSecond),
		Burst: cfg.Burst,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			for _, prefix := range rateLimitExempt {
				if strings.HasPrefix(path, prefix) {
					return true
				}
			}
			return false
		},
		Store: store,
	})
}
