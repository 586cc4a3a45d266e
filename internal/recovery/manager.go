// Package recovery classifies failures and runs the retry, fallback, abort
// or ignore policy for each of them.
package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/metrics"
	"github.com/uploadguard/backend/internal/models"
)

const (
	DefaultBaseDelay = time.Second
	// DefaultMaxAttempts is also the upper bound on MaxAttempts.
	DefaultMaxAttempts = 3
)

// Options configure a Manager. Zero values use the defaults.
type Options struct {
	BaseDelay   time.Duration
	MaxAttempts int
	LogCapacity int
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	// Sleep waits between retries. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Manager owns the error log and the recovery policy.
type Manager struct {
	baseDelay   time.Duration
	maxAttempts int
	log         *ErrorLog
	logger      *zap.Logger
	metrics     *metrics.Collector
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		log:         NewErrorLog(opts.LogCapacity),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		sleep:       opts.Sleep,
		now:         opts.Now,
	}
	if m.baseDelay <= 0 {
		m.baseDelay = DefaultBaseDelay
	}
	if m.maxAttempts <= 0 || m.maxAttempts > DefaultMaxAttempts {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the delay before retry number retryCount+1.
func (m *Manager) Backoff(retryCount int) time.Duration {
	return m.baseDelay << uint(retryCount)
}

// MaxAttempts returns the total number of attempts a call may make.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// Log returns the buffered error records, oldest first.
func (m *Manager) Log() []models.ErrorRecord { return m.log.Records() }

// Stats aggregates the buffered error records.
func (m *Manager) Stats() models.ErrorStats { return m.log.Stats() }

// Clear empties the error log.
func (m *Manager) Clear() { m.log.Clear() }

// Call is one fallible unit of work.
type Call[T any] struct {
	Context models.ErrorContext
	// Run performs the work. attempt starts at 0.
	Run func(ctx context.Context, attempt int) (T, error)
	// Fallback is the degraded path. Without one, a fallback strategy
	// surfaces the error.
	Fallback func(ctx context.Context) (T, error)
	// MaxAttempts lowers the manager limit when positive.
	MaxAttempts int
}

// Outcome describes how a call completed.
type Outcome[T any] struct {
	Value        T
	Attempts     int
	FallbackUsed bool
	Ignored      bool
	// Recovered is true when at least one failure happened and the call
	// still completed.
	Recovered bool
}

// Do runs call under the recovery policy. When the call cannot be
// recovered the returned error is the first failure of the primary path
// that is not OPERATION_BUSY, so a timed out attempt is reported as such
// even if its retry and fallback found the operation still held.
func Do[T any](ctx context.Context, m *Manager, call Call[T]) (Outcome[T], error) {
	var (
		out    Outcome[T]
		ids    []string
		failed []error
		zero   T
	)
	for retry := 0; ; retry++ {
		out.Attempts = retry + 1
		v, err := call.Run(ctx, retry)
		if err == nil {
			if len(ids) > 0 {
				m.log.MarkRecovered(ids)
				m.metrics.RecoveryOutcome("retried")
				out.Recovered = true
			}
			out.Value = v
			return out, nil
		}

		strategy := m.strategyFor(err, retry, call.MaxAttempts)
		if ctx.Err() != nil {
			strategy = StrategyAbort
		}
		ids = append(ids, m.record(err, call.Context, retry, strategy))
		failed = append(failed, err)

		switch strategy {
		case StrategyRetry:
			delay := m.Backoff(retry)
			m.logger.Debug("retrying after failure",
				zap.String("operation", call.Context.Operation),
				zap.Int("retry_count", retry),
				zap.Duration("delay", delay),
			)
			if serr := m.sleep(ctx, delay); serr != nil {
				m.metrics.RecoveryOutcome("aborted")
				return out, Wrap(models.ErrorTypeTimeout, CodeAborted, false, serr)
			}
			continue

		case StrategyFallback:
			if call.Fallback == nil {
				m.metrics.RecoveryOutcome("exhausted")
				return out, surfaced(failed)
			}
			fv, ferr := call.Fallback(ctx)
			if ferr != nil {
				// A fallback failing the same way as the primary is one failure.
				if AsError(ferr).Code != AsError(err).Code {
					m.record(ferr, call.Context, retry, StrategyAbort)
				}
				m.metrics.RecoveryOutcome("exhausted")
				return out, surfaced(failed)
			}
			m.log.MarkRecovered(ids)
			m.metrics.RecoveryOutcome("fallback")
			m.logger.Warn("fallback path used",
				zap.String("operation", call.Context.Operation),
				zap.Int("attempts", out.Attempts),
			)
			out.Value = fv
			out.FallbackUsed = true
			out.Recovered = true
			return out, nil

		case StrategyIgnore:
			m.log.MarkRecovered(ids)
			m.metrics.RecoveryOutcome("ignored")
			out.Value = zero
			out.Ignored = true
			out.Recovered = true
			return out, nil

		default:
			m.metrics.RecoveryOutcome("aborted")
			return out, AsError(err)
		}
	}
}

// surfaced picks the error reported for an unrecoverable call.
func surfaced(failed []error) *Error {
	for _, err := range failed {
		if e := AsError(err); e.Code != CodeOperationBusy {
			return e
		}
	}
	return AsError(failed[len(failed)-1])
}

// strategyFor selects the strategy and degrades a retry to fallback once
// the attempt budget is spent.
func (m *Manager) strategyFor(err error, retry, limit int) Strategy {
	if limit <= 0 || limit > m.maxAttempts {
		limit = m.maxAttempts
	}
	s := SelectStrategy(classifyType(err), retry)
	if s == StrategyRetry && retry+1 >= limit {
		return StrategyFallback
	}
	return s
}

func (m *Manager) record(err error, ec models.ErrorContext, retry int, s Strategy) string {
	t, sev := Classify(err, ec, retry)
	e := AsError(err)
	rec := models.ErrorRecord{
		ID:         uuid.NewString(),
		Type:       t,
		Severity:   sev,
		Code:       e.Code,
		Message:    e.Error(),
		Timestamp:  m.now(),
		Context:    ec,
		RetryCount: retry,
		Strategy:   string(s),
	}
	m.log.Add(rec)
	m.metrics.ErrorClassified(string(t), string(s))

	m.logger.Warn("error classified",
		zap.String("operation", ec.Operation),
		zap.String("type", string(t)),
		zap.String("severity", string(sev)),
		zap.String("code", e.Code),
		zap.String("strategy", string(s)),
		zap.Int("retry_count", retry),
		zap.Error(err),
	)
	return rec.ID
}
