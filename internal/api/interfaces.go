// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"encoding/json"

	"github.com/labstack/echo/v4"

	"github.com/uploadguard/backend/internal/models"
)

// StreamHandler exposes the analysis contract over HTTP
type StreamHandler interface {
	HandleStreamInit(c echo.Context) error
	HandleStreamChunk(c echo.Context) error
	HandleStreamFinalize(c echo.Context) error
	HandleAnalyzeFile(c echo.Context) error
	HandleStatus(c echo.Context) error
	HandleErrorLog(c echo.Context) error
	HandleVerdicts(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// Scanner is the contract the handlers call into.
// This allows mocking in tests
type Scanner interface {
	StreamInit(ctx context.Context, req models.StreamInitRequest) models.StreamInitResponse
	StreamChunk(ctx context.Context, req models.StreamChunkRequest) models.StreamChunkResponse
	StreamFinalize(ctx context.Context, req models.StreamFinalizeRequest) models.AnalysisResponse
	AnalyzeFile(ctx context.Context, req models.AnalyzeFileRequest) models.AnalysisResponse
	Status() models.StatusResponse
	ErrorLog() models.ErrorLogResponse
	Verdicts(ctx context.Context, limit int) ([]models.Verdict, models.VerdictSummary, error)
	Dispatch(ctx context.Context, msgType string, payload json.RawMessage) (any, error)
}
