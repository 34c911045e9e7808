package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/pipeline"
	"github.com/Jackson57279/zapdev-sub003/internal/stream"
)

// HeaderGenerationID carries the generation id on the event stream response.
const HeaderGenerationID = "X-Generation-Id"

// Generate starts a generation and streams its events as SSE. Invalid input
// is rejected with 400 before the stream opens. If the client goes away the
// generation is cancelled.
func (h *Handler) Generate(c echo.Context) error {
	var req domain.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	gen, err := h.service.StartGeneration(req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	res := c.Response()
	stream.SetHeaders(res.Header())
	res.Header().Set(HeaderGenerationID, gen.ID)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	if err := stream.WriteSSE(c.Request().Context(), res, gen.Stream); err != nil {
		c.Logger().Debugf("generation %s stream ended early: %v", gen.ID, err)
		h.service.CancelGeneration(gen.ID)
	}
	return nil
}

// GetGenerationEvents returns recorded events for replay.
func (h *Handler) GetGenerationEvents(c echo.Context) error {
	generationID := c.Param("generation_id")
	afterSeq := intQuery(c, "after_seq", 0)
	limit := intQuery(c, "limit", 1000)

	events, err := h.service.ListEvents(c.Request().Context(), generationID, afterSeq, int(limit))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"generation_id": generationID,
		"events":        events,
	})
}

// ListFragments returns a project's newest fragments.
func (h *Handler) ListFragments(c echo.Context) error {
	projectID := c.Param("project_id")
	limit := intQuery(c, "limit", 20)

	frags, err := h.service.ListFragments(c.Request().Context(), projectID, int(limit))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"fragments":  frags,
	})
}
