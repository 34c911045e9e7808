package v1

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/runqueue"
)

// EnqueueRun queues a run for a browser executor.
func (h *Handler) EnqueueRun(c echo.Context) error {
	var req domain.EnqueueRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	run, err := h.service.EnqueueRun(c.Request().Context(), req)
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun returns one run.
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListPendingRuns lists a project's pending runs.
func (h *Handler) ListPendingRuns(c echo.Context) error {
	projectID := c.Param("project_id")
	runs, err := h.service.ListPendingRuns(c.Request().Context(), projectID)
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"runs":       runs,
	})
}

// ClaimRun claims a pending run. Losing the race is a 200 with claimed=false.
func (h *Handler) ClaimRun(c echo.Context) error {
	var req domain.ClaimRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ExecutorID) == "" {
		return errorJSON(c, http.StatusBadRequest, "executorId is required")
	}
	res, err := h.service.ClaimRun(c.Request().Context(), c.Param("run_id"), req.ExecutorID)
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// CompleteRun records the executor's result.
func (h *Handler) CompleteRun(c echo.Context) error {
	var req domain.CompleteRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	run, err := h.service.CompleteRun(c.Request().Context(), c.Param("run_id"), req.Result)
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// FailRun records the executor's failure.
func (h *Handler) FailRun(c echo.Context) error {
	var req domain.FailRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	run, err := h.service.FailRun(c.Request().Context(), c.Param("run_id"), req.Error)
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func runError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, runqueue.ErrInvalidRun):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, runqueue.ErrRunNotFound):
		return errorJSON(c, http.StatusNotFound, "run not found")
	case errors.Is(err, runqueue.ErrProtocolViolation):
		return errorJSON(c, http.StatusConflict, err.Error())
	default:
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}
