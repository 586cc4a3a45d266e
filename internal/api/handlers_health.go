// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	scanner Scanner
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, scanner Scanner) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		scanner: scanner,
	}
}

// HandleHealth returns server health status. It fails with 503 until the
// analysis module has been loaded.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	status := h.scanner.Status()
	if !status.ModuleLoaded {
		return NewServiceUnavailableError("analysis module not loaded")
	}
	return respond(c, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           h.version,
		"module":            status.Status,
		"active_operations": status.ActiveOperations,
	})
}
