// handlers_stream.go - Analysis contract handlers
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/uploadguard/backend/internal/models"
)

// maxVerdictLimit caps GET /api/verdicts?limit=N
const maxVerdictLimit = 500

// StreamHandlerImpl implements the StreamHandler interface.
// Contract calls always answer 200; failures are reported in the body
// with success=false. Malformed requests are 400.
type StreamHandlerImpl struct {
	scanner Scanner
}

// NewStreamHandler creates a new stream handler instance
func NewStreamHandler(scanner Scanner) StreamHandler {
	return &StreamHandlerImpl{scanner: scanner}
}

// HandleStreamInit opens a streaming operation
func (h *StreamHandlerImpl) HandleStreamInit(c echo.Context) error {
	var req models.StreamInitRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if strings.TrimSpace(req.OperationID) == "" {
		return NewValidationError("operation_id")
	}
	if req.File.Size < 0 {
		return NewValidationError("file.size")
	}
	return respond(c, http.StatusOK, h.scanner.StreamInit(c.Request().Context(), req))
}

// HandleStreamChunk delivers one chunk
func (h *StreamHandlerImpl) HandleStreamChunk(c echo.Context) error {
	var req models.StreamChunkRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if strings.TrimSpace(req.OperationID) == "" {
		return NewValidationError("operation_id")
	}
	return respond(c, http.StatusOK, h.scanner.StreamChunk(c.Request().Context(), req))
}

// HandleStreamFinalize closes a streaming operation and returns the result
func (h *StreamHandlerImpl) HandleStreamFinalize(c echo.Context) error {
	var req models.StreamFinalizeRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if strings.TrimSpace(req.OperationID) == "" {
		return NewValidationError("operation_id")
	}
	return respond(c, http.StatusOK, h.scanner.StreamFinalize(c.Request().Context(), req))
}

// HandleAnalyzeFile analyzes small content in a single call
func (h *StreamHandlerImpl) HandleAnalyzeFile(c echo.Context) error {
	var req models.AnalyzeFileRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	return respond(c, http.StatusOK, h.scanner.AnalyzeFile(c.Request().Context(), req))
}

// HandleStatus reports module status and error statistics
func (h *StreamHandlerImpl) HandleStatus(c echo.Context) error {
	return respond(c, http.StatusOK, h.scanner.Status())
}

// HandleErrorLog returns the buffered error records
func (h *StreamHandlerImpl) HandleErrorLog(c echo.Context) error {
	return respond(c, http.StatusOK, h.scanner.ErrorLog())
}

// HandleVerdicts returns the newest verdicts and the decision totals
func (h *StreamHandlerImpl) HandleVerdicts(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return NewValidationError("limit")
		}
		limit = min(n, maxVerdictLimit)
	}

	verdicts, summary, err := h.scanner.Verdicts(c.Request().Context(), limit)
	if err != nil {
		return NewInternalError("failed to load verdicts", err)
	}
	return respond(c, http.StatusOK, map[string]any{
		"verdicts": verdicts,
		"summary":  summary,
	})
}
