package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Jackson57279/zapdev-sub003/internal/bridge"
	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
	"github.com/Jackson57279/zapdev-sub003/internal/service"
)

// SubmitSandboxResult resolves a pending sandbox operation with the result
// a browser reported.
func (h *Handler) SubmitSandboxResult(c echo.Context) error {
	var req domain.SandboxResultRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	err := h.service.SubmitSandboxResult(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, service.ErrInvalidResult):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, bridge.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "No pending request found")
	default:
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}

// PullOperations hands out operations that no connected agent received.
func (h *Handler) PullOperations(c echo.Context) error {
	sandboxID := c.Param("sandbox_id")
	if !sandbox.ValidID(sandboxID) {
		return errorJSON(c, http.StatusBadRequest, "invalid sandbox_id")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sandbox_id": sandboxID,
		"operations": h.service.TakeUndelivered(sandboxID),
	})
}
