// Package streaming owns the lifecycle of streaming analysis operations:
// init, chunk ingestion with backpressure, finalize, and the sweep of
// abandoned operations.
package streaming

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/analysis"
	"github.com/uploadguard/backend/internal/metrics"
	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
)

// Limits bound streaming operations.
type Limits struct {
	ChunkSize        int64
	MaxFileSize      int64
	OperationTimeout time.Duration
	StaleAfter       time.Duration
	SweepInterval    time.Duration
	PauseAfterChunks int
	ResumeAfter      time.Duration
	MaxQueueSize     int
	ProcessingRate   int
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		ChunkSize:        1 << 20,
		MaxFileSize:      100 << 20,
		OperationTimeout: 30 * time.Second,
		StaleAfter:       30 * time.Minute,
		SweepInterval:    5 * time.Minute,
		PauseAfterChunks: 50,
		ResumeAfter:      time.Second,
		MaxQueueSize:     10,
		ProcessingRate:   5,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.ChunkSize <= 0 {
		l.ChunkSize = d.ChunkSize
	}
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = d.MaxFileSize
	}
	if l.OperationTimeout <= 0 {
		l.OperationTimeout = d.OperationTimeout
	}
	if l.StaleAfter <= 0 {
		l.StaleAfter = d.StaleAfter
	}
	if l.SweepInterval <= 0 {
		l.SweepInterval = d.SweepInterval
	}
	if l.PauseAfterChunks <= 0 {
		l.PauseAfterChunks = d.PauseAfterChunks
	}
	if l.ResumeAfter <= 0 {
		l.ResumeAfter = d.ResumeAfter
	}
	if l.MaxQueueSize <= 0 {
		l.MaxQueueSize = d.MaxQueueSize
	}
	if l.ProcessingRate <= 0 {
		l.ProcessingRate = d.ProcessingRate
	}
	return l
}

// Options configure a Manager.
type Options struct {
	Store   Store
	Limits  Limits
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time

	// StageHook runs at the start of every staged chunk or finalize.
	StageHook func()
}

// Manager runs streaming operations against an injected store.
type Manager struct {
	store   Store
	limits  Limits
	engine  atomic.Pointer[analysis.Engine]
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// stageHook runs at the start of every staged chunk or finalize.
	stageHook func()
}

// NewManager creates a Manager. The analysis engine is set separately
// with SetEngine once it has been loaded.
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:   opts.Store,
		limits:  opts.Limits.withDefaults(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,

		stageHook: opts.StageHook,
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetEngine replaces the engine used by new operations. Running
// operations keep the profile they started with.
func (m *Manager) SetEngine(e *analysis.Engine) { m.engine.Store(e) }

// Engine returns the current engine, or nil before one is set.
func (m *Manager) Engine() *analysis.Engine { return m.engine.Load() }

// Limits returns the effective limits.
func (m *Manager) Limits() Limits { return m.limits }

// Active returns the number of live operations.
func (m *Manager) Active() int { return m.store.Len() }

// Get returns a snapshot of a live operation.
func (m *Manager) Get(id string) (models.OperationInfo, bool) {
	op, ok := m.store.Get(id)
	if !ok {
		return models.OperationInfo{}, false
	}
	return op.Info(), true
}

// Init creates a Processing operation keyed by id.
func (m *Manager) Init(id string, file models.FileMeta, cfg *models.AnalysisConfig) (models.OperationInfo, error) {
	eng := m.engine.Load()
	if eng == nil {
		return models.OperationInfo{}, moduleNotLoadedError()
	}
	return m.init(id, file, cfg, eng, false)
}

// InitDegraded creates an operation on the fallback engine. Its result is
// marked as produced by the fallback path.
func (m *Manager) InitDegraded(id string, file models.FileMeta, cfg *models.AnalysisConfig) (models.OperationInfo, error) {
	return m.init(id, file, cfg, analysis.FallbackEngine(), true)
}

func (m *Manager) init(id string, file models.FileMeta, cfg *models.AnalysisConfig, eng *analysis.Engine, degraded bool) (models.OperationInfo, error) {
	if strings.TrimSpace(id) == "" {
		return models.OperationInfo{}, invalidError("operation_id is required")
	}
	if file.Size < 0 {
		return models.OperationInfo{}, invalidError("file size must not be negative")
	}
	if file.Size > m.limits.MaxFileSize {
		return models.OperationInfo{}, tooLargeError(file.Size, m.limits.MaxFileSize)
	}

	profile := eng.Profile(cfg)
	if len(profile.Skipped) > 0 {
		m.logger.Warn("unknown PII detectors skipped",
			zap.String("operation_id", id),
			zap.Strings("detectors", profile.Skipped),
		)
	}

	op := newOperation(id, file, profile, m.now())
	op.degraded = degraded || eng.Degraded()
	if err := m.store.Create(op); err != nil {
		return models.OperationInfo{}, err
	}

	m.metrics.OperationEvent("started")
	m.metrics.SetActiveOperations(m.store.Len())
	m.logger.Info("operation started",
		zap.String("operation_id", id),
		zap.String("file", file.Name),
		zap.Int64("size", file.Size),
		zap.Bool("degraded", op.degraded),
	)
	return op.Info(), nil
}

// acquire looks up a live operation and takes its guard.
func (m *Manager) acquire(id string) (*Operation, error) {
	op, ok := m.store.Get(id)
	if !ok {
		return nil, notFoundError(id)
	}
	if !op.guard.TryLock() {
		return nil, busyError(id)
	}
	if op.State().Terminal() {
		op.guard.Unlock()
		return nil, notFoundError(id)
	}
	return op, nil
}

func (m *Manager) checkChunk(op *Operation, chunk string, seq *uint64) error {
	op.mu.RLock()
	want := op.sequence
	op.mu.RUnlock()
	if seq != nil && *seq != want {
		return sequenceError(op.ID, *seq, want)
	}
	if total := int64(op.acc.Len()) + int64(len(chunk)); total > m.limits.MaxFileSize {
		return tooLargeError(total, m.limits.MaxFileSize)
	}
	return nil
}

// ProcessChunk appends chunk to operation id and updates its running
// stats. When seq is set it must equal the sequence returned by the
// previous call. The call is bounded by the operation timeout; a timed out
// call leaves the operation unchanged.
func (m *Manager) ProcessChunk(ctx context.Context, id, chunk string, seq *uint64) (models.ChunkOutcome, error) {
	op, err := m.acquire(id)
	if err != nil {
		return models.ChunkOutcome{}, err
	}
	if err := m.checkChunk(op, chunk, seq); err != nil {
		op.guard.Unlock()
		return models.ChunkOutcome{}, err
	}

	out, abandoned, err := runGated(ctx, m.limits.OperationTimeout, op.guard.Unlock, recovery.CodeStreamChunkFailed,
		func() (func() models.ChunkOutcome, error) {
			m.runStageHook()
			staged := op.acc.Stage(chunk)
			return func() models.ChunkOutcome {
				return m.commitChunk(op, len(chunk), func() { op.acc.Commit(staged) })
			}, nil
		})
	if abandoned {
		m.logger.Warn("chunk abandoned", zap.String("operation_id", id), zap.Duration("timeout", m.limits.OperationTimeout))
		return models.ChunkOutcome{}, timeoutError(recovery.CodeStreamChunkFailed, "chunk processing",
			m.limits.OperationTimeout, true, abandonCause(ctx))
	}
	return out, err
}

// FallbackChunk is the degraded chunk path: it rebuilds the running stats
// from the whole accumulated content in one pass.
func (m *Manager) FallbackChunk(_ context.Context, id, chunk string, seq *uint64) (models.ChunkOutcome, error) {
	op, err := m.acquire(id)
	if err != nil {
		return models.ChunkOutcome{}, err
	}
	defer op.guard.Unlock()
	if err := m.checkChunk(op, chunk, seq); err != nil {
		return models.ChunkOutcome{}, err
	}

	fresh := analysis.NewAccumulator(op.acc.Profile())
	fresh.Write(op.acc.Content() + chunk)
	out := m.commitChunk(op, len(chunk), func() {
		op.acc = fresh
		op.degraded = true
	})
	out.FallbackUsed = true
	return out, nil
}

func (m *Manager) commitChunk(op *Operation, n int, apply func()) models.ChunkOutcome {
	op.mu.Lock()
	apply()
	now := m.now()
	op.lastActivity = now
	op.sequence++

	stats := op.acc.Stats()
	stats.TotalChunks = int(op.sequence)
	stats.ProcessingTimeMs = now.Sub(op.startTime).Milliseconds()
	op.stats = stats

	bp := m.backpressure(stats.TotalChunks)
	if bp.Pause {
		op.state = models.OperationPaused
	} else {
		op.state = models.OperationProcessing
	}
	out := models.ChunkOutcome{
		Progress:     m.progress(op.File, stats, now.Sub(op.startTime)),
		Backpressure: bp,
		State:        op.state,
		Sequence:     op.sequence,
	}
	op.mu.Unlock()

	m.metrics.ChunkAccepted(n, bp.Pause)
	m.logger.Debug("chunk accepted",
		zap.String("operation_id", op.ID),
		zap.Int("chunk", stats.TotalChunks),
		zap.Int("bytes", n),
		zap.Bool("pause", bp.Pause),
	)
	return out
}

func (m *Manager) backpressure(totalChunks int) models.Backpressure {
	bp := models.Backpressure{
		Pause:          totalChunks > m.limits.PauseAfterChunks,
		QueueSize:      m.store.Len(),
		MaxQueueSize:   m.limits.MaxQueueSize,
		ProcessingRate: m.limits.ProcessingRate,
	}
	if bp.Pause {
		bp.ResumeAfterMs = m.limits.ResumeAfter.Milliseconds()
	}
	return bp
}

func (m *Manager) progress(file models.FileMeta, stats models.ProcessingStats, elapsed time.Duration) models.Progress {
	total := int((file.Size + m.limits.ChunkSize - 1) / m.limits.ChunkSize)
	if total < stats.TotalChunks {
		total = stats.TotalChunks
	}

	received := stats.TotalContentLength
	pct := 100.0
	if file.Size > 0 {
		pct = math.Min(100, float64(received)/float64(file.Size)*100)
	}

	var eta int64
	if remaining := file.Size - received; remaining > 0 && received > 0 && elapsed > 0 {
		eta = int64(float64(elapsed.Milliseconds()) * float64(remaining) / float64(received))
	}

	return models.Progress{
		CurrentChunk:    stats.TotalChunks,
		TotalChunks:     total,
		Percentage:      pct,
		Stats:           stats,
		EstimatedTimeMs: eta,
	}
}

// Finalize analyzes the accumulated content, marks the operation
// Finalized and removes it. With force set, a failed finalize moves the
// operation to Failed and removes it, and the error is not retryable.
func (m *Manager) Finalize(ctx context.Context, id string, force bool) (models.AnalysisResult, error) {
	op, err := m.acquire(id)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	res, abandoned, err := runGated(ctx, m.limits.OperationTimeout, op.guard.Unlock, recovery.CodeStreamFinalizeFailed,
		func() (func() models.AnalysisResult, error) {
			m.runStageHook()
			res := op.acc.Result()
			return func() models.AnalysisResult { return m.completeFinalize(op, res, false) }, nil
		})
	if abandoned {
		if force {
			m.fail(op)
		}
		return models.AnalysisResult{}, timeoutError(recovery.CodeStreamFinalizeFailed, "finalize",
			m.limits.OperationTimeout, !force, abandonCause(ctx))
	}
	if err != nil {
		if force {
			m.fail(op)
		}
		if e := recovery.AsError(err); e.Code == recovery.CodeStreamFinalizeFailed {
			e.Retryable = !force
		}
		return models.AnalysisResult{}, err
	}
	return res, nil
}

// FallbackFinalize is the degraded finalize path: a single pass of the
// fallback engine over the accumulated content.
func (m *Manager) FallbackFinalize(_ context.Context, id string) (models.AnalysisResult, error) {
	op, err := m.acquire(id)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	defer op.guard.Unlock()

	cfg := op.acc.Profile().Config
	res := analysis.FallbackEngine().Analyze(op.acc.Content(), &cfg)
	return m.completeFinalize(op, res, true), nil
}

func (m *Manager) completeFinalize(op *Operation, res models.AnalysisResult, fallback bool) models.AnalysisResult {
	op.mu.Lock()
	now := m.now()
	stats := op.stats
	stats.ProcessingTimeMs = now.Sub(op.startTime).Milliseconds()
	op.stats = stats
	op.state = models.OperationFinalized
	res.Stats = stats
	res.FallbackUsed = res.FallbackUsed || fallback || op.degraded
	op.mu.Unlock()

	m.store.Delete(op.ID)
	m.metrics.OperationEvent("finalized")
	m.metrics.SetActiveOperations(m.store.Len())
	m.logger.Info("operation finalized",
		zap.String("operation_id", op.ID),
		zap.String("decision", string(res.Decision)),
		zap.Float64("risk_score", res.RiskScore),
		zap.Int("chunks", stats.TotalChunks),
		zap.Bool("fallback", res.FallbackUsed),
	)
	return res
}

func (m *Manager) fail(op *Operation) {
	op.setState(models.OperationFailed)
	m.store.Delete(op.ID)
	m.metrics.OperationEvent("failed")
	m.metrics.SetActiveOperations(m.store.Len())
	m.logger.Warn("operation failed", zap.String("operation_id", op.ID))
}

// Sweep removes operations idle for longer than the staleness window,
// whatever their state, and returns their ids.
func (m *Manager) Sweep(now time.Time) []string {
	var removed []string
	for _, op := range m.store.List() {
		if now.Sub(op.LastActivity()) <= m.limits.StaleAfter {
			continue
		}
		if m.store.Delete(op.ID) {
			removed = append(removed, op.ID)
			m.metrics.OperationEvent("swept")
		}
	}
	if len(removed) > 0 {
		m.metrics.SetActiveOperations(m.store.Len())
		m.logger.Info("stale operations swept", zap.Strings("operation_ids", removed))
	}
	return removed
}

func (m *Manager) runStageHook() {
	if m.stageHook != nil {
		m.stageHook()
	}
}

func abandonCause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.DeadlineExceeded
}

const (
	gateOpen int32 = iota
	gateCommitted
	gateAbandoned
)

type gateResult[T any] struct {
	v   T
	err error
}

// runGated runs stage on a worker goroutine and then, if the caller is
// still waiting, the commit it returns. The worker and the caller race on
// a gate so commit never runs after the caller gave up. release runs when
// the worker exits.
func runGated[T any](ctx context.Context, timeout time.Duration, release func(), code string, stage func() (func() T, error)) (T, bool, error) {
	var gate atomic.Int32
	done := make(chan gateResult[T], 1)

	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- gateResult[T]{err: panicError(code, r)}
			}
		}()
		commit, err := stage()
		if err != nil {
			done <- gateResult[T]{err: err}
			return
		}
		if !gate.CompareAndSwap(gateOpen, gateCommitted) {
			return
		}
		done <- gateResult[T]{v: commit()}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.v, false, r.err
	case <-timer.C:
	case <-ctx.Done():
	}
	if gate.CompareAndSwap(gateOpen, gateAbandoned) {
		var zero T
		return zero, true, nil
	}
	r := <-done
	return r.v, false, r.err
}
