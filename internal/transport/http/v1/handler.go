// Package v1 provides the public HTTP handlers.
package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Jackson57279/zapdev-sub003/internal/service"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Generation
	e.POST("/v1/generate", h.Generate)
	e.GET("/v1/generations/:generation_id/events", h.GetGenerationEvents)
	e.GET("/v1/projects/:project_id/fragments", h.ListFragments)

	// Sandbox bridge
	e.POST("/v1/sandbox/result", h.SubmitSandboxResult)
	e.GET("/v1/sandboxes/:sandbox_id/operations", h.PullOperations)

	// Run queue
	e.POST("/v1/runs", h.EnqueueRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/projects/:project_id/runs/pending", h.ListPendingRuns)
	e.POST("/v1/runs/:run_id/claim", h.ClaimRun)
	e.POST("/v1/runs/:run_id/complete", h.CompleteRun)
	e.POST("/v1/runs/:run_id/fail", h.FailRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

// intQuery parses an integer query parameter, falling back to def.
func intQuery(c echo.Context, name string, def int64) int64 {
	if v := c.QueryParam(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
