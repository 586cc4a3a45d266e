// Package scanner implements the message contract of the analysis core.
// Every call is routed through the recovery manager into the streaming
// manager and the analysis engine.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/analysis"
	"github.com/uploadguard/backend/internal/metrics"
	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
	"github.com/uploadguard/backend/internal/storage"
	"github.com/uploadguard/backend/internal/streaming"
)

// Module status values reported by Status.
const (
	StatusReady       = "ready"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Options configure a Scanner.
type Options struct {
	Streams  *streaming.Manager
	Recovery *recovery.Manager
	// Verdicts is optional. Nil disables the audit trail.
	Verdicts storage.VerdictStore
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	Now      func() time.Time
}

// Scanner is the contract facade.
type Scanner struct {
	streams  *streaming.Manager
	recovery *recovery.Manager
	verdicts storage.VerdictStore
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Scanner. The analysis module must be loaded with
// LoadModule before streaming calls succeed.
func New(opts Options) *Scanner {
	s := &Scanner{
		streams:  opts.Streams,
		recovery: opts.Recovery,
		verdicts: opts.Verdicts,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.recovery == nil {
		s.recovery = recovery.NewManager(recovery.Options{Logger: s.logger, Metrics: s.metrics})
	}
	if s.streams == nil {
		s.streams = streaming.NewManager(streaming.Options{Logger: s.logger, Metrics: s.metrics, Now: s.now})
	}
	return s
}

// Streams returns the streaming manager.
func (s *Scanner) Streams() *streaming.Manager { return s.streams }

// Recovery returns the recovery manager.
func (s *Scanner) Recovery() *recovery.Manager { return s.recovery }

// LoadModule compiles the analysis engine. Load failures are retried and
// then replaced by the fallback engine, in which case degraded is true.
func (s *Scanner) LoadModule(ctx context.Context, opts analysis.EngineOptions) (degraded bool, err error) {
	out, err := recovery.Do(ctx, s.recovery, recovery.Call[*analysis.Engine]{
		Context: models.ErrorContext{Operation: recovery.ModuleInitOperation},
		Run: func(context.Context, int) (*analysis.Engine, error) {
			eng, err := analysis.LoadEngine(opts)
			if err != nil {
				return nil, recovery.Wrap(models.ErrorTypeModule, recovery.CodeModuleInitFailed, true, err)
			}
			return eng, nil
		},
		Fallback: func(context.Context) (*analysis.Engine, error) {
			return analysis.FallbackEngine(), nil
		},
	})
	if err != nil {
		return false, err
	}
	s.streams.SetEngine(out.Value)
	s.logger.Info("analysis module loaded",
		zap.Bool("degraded", out.Value.Degraded()),
		zap.Int("attempts", out.Attempts))
	return out.Value.Degraded(), nil
}

// Reload recompiles the engine with new defaults. On failure the current
// engine stays in place. Running operations keep their profile.
func (s *Scanner) Reload(ctx context.Context, opts analysis.EngineOptions) error {
	out, err := recovery.Do(ctx, s.recovery, recovery.Call[*analysis.Engine]{
		Context:     models.ErrorContext{Operation: "module_reload"},
		MaxAttempts: 1,
		Run: func(context.Context, int) (*analysis.Engine, error) {
			eng, err := analysis.LoadEngine(opts)
			if err != nil {
				return nil, recovery.Wrap(models.ErrorTypeModule, recovery.CodeModuleInitFailed, false, err)
			}
			return eng, nil
		},
	})
	if err != nil {
		return err
	}
	s.streams.SetEngine(out.Value)
	s.logger.Info("analysis module reloaded")
	return nil
}

// StreamInit handles STREAM_INIT.
func (s *Scanner) StreamInit(ctx context.Context, req models.StreamInitRequest) models.StreamInitResponse {
	out, err := recovery.Do(ctx, s.recovery, recovery.Call[models.OperationInfo]{
		Context: opContext("stream_init", req.OperationID),
		Run: func(context.Context, int) (models.OperationInfo, error) {
			return s.streams.Init(req.OperationID, req.File, req.Config)
		},
		Fallback: func(context.Context) (models.OperationInfo, error) {
			return s.streams.InitDegraded(req.OperationID, req.File, req.Config)
		},
	})
	if err != nil {
		return models.StreamInitResponse{Error: s.payload(err), Retryable: retryable(err)}
	}
	if out.Ignored {
		return models.StreamInitResponse{Success: true}
	}
	info := out.Value
	return models.StreamInitResponse{Success: true, Operation: &info}
}

// StreamChunk handles STREAM_CHUNK.
func (s *Scanner) StreamChunk(ctx context.Context, req models.StreamChunkRequest) models.StreamChunkResponse {
	out, err := recovery.Do(ctx, s.recovery, recovery.Call[models.ChunkOutcome]{
		Context: opContext("stream_chunk", req.OperationID),
		Run: func(ctx context.Context, _ int) (models.ChunkOutcome, error) {
			return s.streams.ProcessChunk(ctx, req.OperationID, req.Chunk, req.Sequence)
		},
		Fallback: func(ctx context.Context) (models.ChunkOutcome, error) {
			return s.streams.FallbackChunk(ctx, req.OperationID, req.Chunk, req.Sequence)
		},
	})
	if err != nil {
		return models.StreamChunkResponse{Error: s.payload(err), Retryable: retryable(err)}
	}
	if out.Ignored {
		return models.StreamChunkResponse{Success: true}
	}
	v := out.Value
	return models.StreamChunkResponse{
		Success:        true,
		Progress:       &v.Progress,
		Backpressure:   &v.Backpressure,
		OperationState: v.State,
		Sequence:       v.Sequence,
		FallbackUsed:   v.FallbackUsed || out.FallbackUsed,
	}
}

// StreamFinalize handles STREAM_FINALIZE. A forced finalize makes a single
// attempt and its failure is never retryable.
func (s *Scanner) StreamFinalize(ctx context.Context, req models.StreamFinalizeRequest) models.AnalysisResponse {
	info, _ := s.streams.Get(req.OperationID)

	call := recovery.Call[models.AnalysisResult]{
		Context: opContext("stream_finalize", req.OperationID),
		Run: func(ctx context.Context, _ int) (models.AnalysisResult, error) {
			return s.streams.Finalize(ctx, req.OperationID, req.Force)
		},
		Fallback: func(ctx context.Context) (models.AnalysisResult, error) {
			return s.streams.FallbackFinalize(ctx, req.OperationID)
		},
	}
	if req.Force {
		call.MaxAttempts = 1
		call.Fallback = nil
	}

	out, err := recovery.Do(ctx, s.recovery, call)
	if err != nil {
		return models.AnalysisResponse{Error: s.payload(err), Retryable: !req.Force && retryable(err)}
	}
	if out.Ignored {
		return models.AnalysisResponse{Success: true}
	}

	res := out.Value
	res.FallbackUsed = res.FallbackUsed || out.FallbackUsed
	size := info.File.Size
	if size == 0 {
		size = res.Stats.TotalContentLength
	}
	s.metrics.AnalysisCompleted("stream", string(res.Decision), time.Duration(res.Stats.ProcessingTimeMs)*time.Millisecond)
	s.record(ctx, req.OperationID, info.File.Name, size, res)
	return models.AnalysisResponse{Success: true, Result: &res}
}

// AnalyzeFile handles ANALYZE_FILE, the single-call path for content no
// larger than one chunk. No operation state is created.
func (s *Scanner) AnalyzeFile(ctx context.Context, req models.AnalyzeFileRequest) models.AnalysisResponse {
	start := s.now()
	limit := s.streams.Limits().ChunkSize
	tooLarge := int64(len(req.Content)) > limit

	call := recovery.Call[models.AnalysisResult]{
		Context: models.ErrorContext{Operation: "analyze_file", Metadata: map[string]string{"file_name": req.FileName}},
		Run: func(context.Context, int) (models.AnalysisResult, error) {
			if tooLarge {
				return models.AnalysisResult{}, recovery.NewError(models.ErrorTypeFile, recovery.CodeContentTooLarge,
					fmt.Sprintf("content of %d bytes exceeds the %d byte single-call limit; use streaming", len(req.Content), limit), false)
			}
			eng := s.streams.Engine()
			if eng == nil {
				return models.AnalysisResult{}, recovery.NewError(models.ErrorTypeModule, recovery.CodeModuleNotLoaded,
					"analysis module not loaded", true)
			}
			return eng.Analyze(req.Content, nil), nil
		},
	}
	if !tooLarge {
		call.Fallback = func(context.Context) (models.AnalysisResult, error) {
			return analysis.FallbackEngine().Analyze(req.Content, nil), nil
		}
	}

	out, err := recovery.Do(ctx, s.recovery, call)
	if err != nil {
		return models.AnalysisResponse{Error: s.payload(err), Retryable: retryable(err)}
	}
	if out.Ignored {
		return models.AnalysisResponse{Success: true}
	}

	res := out.Value
	elapsed := s.now().Sub(start)
	res.Stats.ProcessingTimeMs = elapsed.Milliseconds()
	res.FallbackUsed = res.FallbackUsed || out.FallbackUsed
	s.metrics.AnalysisCompleted("batch", string(res.Decision), elapsed)
	s.record(ctx, "", req.FileName, int64(len(req.Content)), res)
	return models.AnalysisResponse{Success: true, Result: &res}
}

// Status handles GET_STATUS.
func (s *Scanner) Status() models.StatusResponse {
	status := StatusUnavailable
	if eng := s.streams.Engine(); eng != nil {
		status = StatusReady
		if eng.Degraded() {
			status = StatusDegraded
		}
	}
	return models.StatusResponse{
		Status:           status,
		ModuleLoaded:     s.streams.Engine() != nil,
		ActiveOperations: s.streams.Active(),
		ErrorStats:       s.recovery.Stats(),
	}
}

// ErrorLog handles GET_ERROR_LOG.
func (s *Scanner) ErrorLog() models.ErrorLogResponse {
	return models.ErrorLogResponse{
		ErrorLog:   s.recovery.Log(),
		ErrorStats: s.recovery.Stats(),
	}
}

// Verdicts returns the newest recorded verdicts and the decision totals.
func (s *Scanner) Verdicts(ctx context.Context, limit int) ([]models.Verdict, models.VerdictSummary, error) {
	if s.verdicts == nil {
		return []models.Verdict{}, models.VerdictSummary{}, nil
	}
	list, err := s.verdicts.Recent(ctx, limit)
	if err != nil {
		return nil, models.VerdictSummary{}, err
	}
	sum, err := s.verdicts.Summary(ctx)
	if err != nil {
		return nil, models.VerdictSummary{}, err
	}
	if list == nil {
		list = []models.Verdict{}
	}
	return list, sum, nil
}

func (s *Scanner) record(ctx context.Context, opID, name string, size int64, res models.AnalysisResult) {
	if s.verdicts == nil {
		return
	}
	v := models.Verdict{
		ID:           uuid.NewString(),
		OperationID:  opID,
		FileName:     name,
		FileSize:     size,
		RiskScore:    res.RiskScore,
		Decision:     res.Decision,
		Entropy:      res.Entropy,
		Reasons:      append([]string(nil), res.Reasons...),
		FallbackUsed: res.FallbackUsed,
		CreatedAt:    s.now(),
	}
	if err := s.verdicts.Record(ctx, v); err != nil {
		s.logger.Error("verdict not recorded",
			zap.String("operation_id", opID),
			zap.String("verdict_id", v.ID),
			zap.Error(err))
	}
}

func (s *Scanner) payload(err error) *models.ErrorPayload {
	return recovery.Payload(err, s.now().UnixMilli())
}

func retryable(err error) bool {
	e := recovery.AsError(err)
	return e != nil && e.Retryable
}

func opContext(op, id string) models.ErrorContext {
	return models.ErrorContext{Operation: op, Metadata: map[string]string{"operation_id": id}}
}
