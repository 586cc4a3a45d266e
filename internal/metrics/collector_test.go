package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.OperationEvent("started")
		c.SetActiveOperations(3)
		c.ChunkAccepted(10, true)
		c.AnalysisCompleted("stream", "allow", time.Millisecond)
		c.ErrorClassified("FILE_ERROR", "fallback")
		c.RecoveryOutcome("fallback")
	})
	assert.Nil(t, c.Registry())
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test", nil)

	c.ChunkAccepted(20, false)
	c.ChunkAccepted(20, true)
	c.OperationEvent("started")
	c.ErrorClassified("TIMEOUT_ERROR", "retry")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunks))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.chunkBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pauses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("TIMEOUT_ERROR", "retry")))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector("test", nil)
	c.ChunkAccepted(5, false)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_stream_chunks_total")
}
