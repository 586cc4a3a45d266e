package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uploadguard/backend/internal/analysis"
	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	m := NewManager(Options{Now: clock.Now})
	eng, err := analysis.LoadEngine(analysis.EngineOptions{})
	require.NoError(t, err)
	m.SetEngine(eng)
	return m
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var e *recovery.Error
	require.ErrorAs(t, err, &e)
	return e.Code
}

func TestInit(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	info, err := m.Init("op1", models.FileMeta{Name: "a.txt", Size: 1 << 20, Type: "text/plain"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "op1", info.ID)
	assert.Equal(t, models.OperationProcessing, info.State)
	assert.Equal(t, 4.8, info.Config.EntropyThreshold)
	assert.Equal(t, 1, m.Active())

	t.Run("collision is rejected", func(t *testing.T) {
		_, err := m.Init("op1", models.FileMeta{Size: 10}, nil)
		assert.ErrorIs(t, err, ErrOperationExists)
		assert.Equal(t, recovery.CodeOperationExists, codeOf(t, err))
	})

	t.Run("too large is rejected and not stored", func(t *testing.T) {
		_, err := m.Init("big", models.FileMeta{Size: 100<<20 + 1}, nil)
		assert.ErrorIs(t, err, ErrFileTooLarge)
		var e *recovery.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, recovery.CodeFileTooLarge, e.Code)
		assert.False(t, e.Retryable)
		_, ok := m.Get("big")
		assert.False(t, ok)
	})

	t.Run("exactly the limit is accepted", func(t *testing.T) {
		_, err := m.Init("limit", models.FileMeta{Size: 100 << 20}, nil)
		assert.NoError(t, err)
	})

	t.Run("empty id", func(t *testing.T) {
		_, err := m.Init(" ", models.FileMeta{Size: 1}, nil)
		assert.Equal(t, recovery.CodeInvalidPayload, codeOf(t, err))
	})

	t.Run("no engine", func(t *testing.T) {
		bare := NewManager(Options{})
		_, err := bare.Init("x", models.FileMeta{Size: 1}, nil)
		assert.ErrorIs(t, err, ErrModuleNotLoaded)
	})
}

func TestProcessChunkScenario(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Init("op1", models.FileMeta{Size: 1_048_576}, nil)
	require.NoError(t, err)

	out, err := m.ProcessChunk(context.Background(), "op1", "This contains confidential information", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Progress.Stats.BannedPhraseCount)
	assert.Equal(t, 1, out.Progress.Stats.TotalChunks)
	assert.False(t, out.Backpressure.Pause)
	assert.Zero(t, out.Backpressure.ResumeAfterMs)
	assert.Equal(t, 1, out.Backpressure.QueueSize)
	assert.Equal(t, 10, out.Backpressure.MaxQueueSize)
	assert.Equal(t, 5, out.Backpressure.ProcessingRate)
	assert.Equal(t, models.OperationProcessing, out.State)
	assert.Equal(t, uint64(1), out.Sequence)
	assert.Equal(t, 1, out.Progress.TotalChunks)
}

func TestBackpressureAfterFiftyChunks(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Init("op", models.FileMeta{Size: 60 * 20}, nil)
	require.NoError(t, err)

	chunk := strings.Repeat("x", 19) + " "
	for i := 0; i < 60; i++ {
		out, err := m.ProcessChunk(context.Background(), "op", chunk, nil)
		require.NoError(t, err)
		assert.Equal(t, i+1, out.Progress.Stats.TotalChunks)
		if i+1 > 50 {
			assert.True(t, out.Backpressure.Pause, "chunk %d", i)
			assert.Equal(t, int64(1000), out.Backpressure.ResumeAfterMs)
			assert.Equal(t, models.OperationPaused, out.State)
		} else {
			assert.False(t, out.Backpressure.Pause, "chunk %d", i)
			assert.Equal(t, models.OperationProcessing, out.State)
		}
	}

	info, ok := m.Get("op")
	require.True(t, ok)
	assert.Equal(t, 60, info.Stats.TotalChunks)
	assert.Equal(t, int64(1200), info.Stats.TotalContentLength)
}

func TestProgress(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, err := m.Init("op", models.FileMeta{Size: 3 << 20}, nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	out, err := m.ProcessChunk(context.Background(), "op", strings.Repeat("a", 1<<20), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Progress.CurrentChunk)
	assert.Equal(t, 3, out.Progress.TotalChunks)
	assert.InDelta(t, 33.33, out.Progress.Percentage, 0.01)
	assert.Equal(t, int64(2000), out.Progress.EstimatedTimeMs)
	assert.Equal(t, int64(1000), out.Progress.Stats.ProcessingTimeMs)
}

func TestUnknownOperation(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	_, err := m.ProcessChunk(context.Background(), "missing", "data", nil)
	assert.ErrorIs(t, err, ErrOperationNotFound)
	assert.Contains(t, err.Error(), "operation not found")

	_, err = m.Finalize(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestFinalize(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Init("op", models.FileMeta{Size: 100}, nil)
	require.NoError(t, err)

	_, err = m.ProcessChunk(context.Background(), "op", "This contains confidential information ", nil)
	require.NoError(t, err)
	_, err = m.ProcessChunk(context.Background(), "op", "that should be blocked", nil)
	require.NoError(t, err)

	res, err := m.Finalize(context.Background(), "op", false)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionBlock, res.Decision)
	assert.Greater(t, res.RiskScore, 0.6)
	assert.Contains(t, res.Reasons[0], "banned phrase")
	assert.Equal(t, 2, res.Stats.TotalChunks)
	assert.False(t, res.FallbackUsed)

	_, ok := m.Get("op")
	assert.False(t, ok, "finalized operation must leave the live set")

	_, err = m.ProcessChunk(context.Background(), "op", "more", nil)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestFinalizeWithoutContent(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Init("op", models.FileMeta{Size: 0}, nil)
	require.NoError(t, err)

	res, err := m.Finalize(context.Background(), "op", false)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, res.Decision)
	assert.Equal(t, []string{analysis.SafeReason}, res.Reasons)
}

func TestSequenceToken(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Init("op", models.FileMeta{Size: 100}, nil)
	require.NoError(t, err)

	zero := uint64(0)
	out, err := m.ProcessChunk(context.Background(), "op", "one ", &zero)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Sequence)

	_, err = m.ProcessChunk(context.Background(), "op", "duplicate ", &zero)
	assert.ErrorIs(t, err, ErrSequenceMismatch)

	next := out.Sequence
	_, err = m.ProcessChunk(context.Background(), "op", "two ", &next)
	require.NoError(t, err)

	info, _ := m.Get("op")
	assert.Equal(t, 2, info.Stats.TotalChunks)
}

func TestConcurrentCallIsRejected(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Init("op", models.FileMeta{Size: 100}, nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	m.stageHook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.ProcessChunk(context.Background(), "op", "first ", nil)
		done <- err
	}()
	<-entered
	m.stageHook = nil

	_, err = m.ProcessChunk(context.Background(), "op", "second ", nil)
	assert.ErrorIs(t, err, ErrOperationBusy)
	var e *recovery.Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.Retryable)

	close(release)
	require.NoError(t, <-done)

	info, _ := m.Get("op")
	assert.Equal(t, 1, info.Stats.TotalChunks)
}

func TestChunkTimeoutLeavesStateUntouched(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Now: clock.Now, Limits: Limits{OperationTimeout: 20 * time.Millisecond}})
	eng, err := analysis.LoadEngine(analysis.EngineOptions{})
	require.NoError(t, err)
	m.SetEngine(eng)

	_, err = m.Init("op", models.FileMeta{Size: 100}, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	release := make(chan struct{})
	m.stageHook = func() {
		if calls.Add(1) == 1 {
			<-release
		}
	}

	_, err = m.ProcessChunk(context.Background(), "op", "slow confidential", nil)
	var e *recovery.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, recovery.CodeStreamChunkFailed, e.Code)
	assert.Equal(t, models.ErrorTypeTimeout, e.Type)
	assert.True(t, e.Retryable)

	close(release)

	// The abandoned worker still holds the guard until it returns.
	require.Eventually(t, func() bool {
		_, err := m.ProcessChunk(context.Background(), "op", "next", nil)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	info, _ := m.Get("op")
	assert.Equal(t, 1, info.Stats.TotalChunks)
	assert.Equal(t, int64(len("next")), info.Stats.TotalContentLength)
	assert.Zero(t, info.Stats.BannedPhraseCount)
}

func TestFinalizeTimeout(t *testing.T) {
	for _, force := range []bool{false, true} {
		m := NewManager(Options{Limits: Limits{OperationTimeout: 10 * time.Millisecond}})
		eng, err := analysis.LoadEngine(analysis.EngineOptions{})
		require.NoError(t, err)
		m.SetEngine(eng)
		_, err = m.Init("op", models.FileMeta{Size: 10}, nil)
		require.NoError(t, err)

		release := make(chan struct{})
		m.stageHook = func() { <-release }

		_, err = m.Finalize(context.Background(), "op", force)
		var e *recovery.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, recovery.CodeStreamFinalizeFailed, e.Code)
		assert.Equal(t, !force, e.Retryable)

		_, live := m.Get("op")
		assert.Equal(t, !force, live, "force=%v", force)
		close(release)
	}
}

func TestFallbackPaths(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Init("op", models.FileMeta{Size: 100}, nil)
	require.NoError(t, err)

	_, err = m.ProcessChunk(context.Background(), "op", "This contains confid", nil)
	require.NoError(t, err)

	out, err := m.FallbackChunk(context.Background(), "op", "ential information", nil)
	require.NoError(t, err)
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, 2, out.Progress.Stats.TotalChunks)
	assert.Equal(t, 1, out.Progress.Stats.BannedPhraseCount)

	res, err := m.FallbackFinalize(context.Background(), "op")
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, models.DecisionBlock, res.Decision)
	assert.Equal(t, 2, res.Stats.TotalChunks)
}

func TestInitDegraded(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.InitDegraded("op", models.FileMeta{Size: 10}, nil)
	require.NoError(t, err)
	_, err = m.ProcessChunk(context.Background(), "op", "hello", nil)
	require.NoError(t, err)
	res, err := m.Finalize(context.Background(), "op", false)
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
}

func TestChunkBeyondMaxFileSize(t *testing.T) {
	m := NewManager(Options{Limits: Limits{MaxFileSize: 8}})
	eng, err := analysis.LoadEngine(analysis.EngineOptions{})
	require.NoError(t, err)
	m.SetEngine(eng)
	_, err = m.Init("op", models.FileMeta{Size: 8}, nil)
	require.NoError(t, err)

	_, err = m.ProcessChunk(context.Background(), "op", "12345", nil)
	require.NoError(t, err)
	_, err = m.ProcessChunk(context.Background(), "op", "6789", nil)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	info, _ := m.Get("op")
	assert.Equal(t, 1, info.Stats.TotalChunks)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	_, err := m.Init("old", models.FileMeta{Size: 10}, nil)
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = m.Init("young", models.FileMeta{Size: 10}, nil)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	removed := m.Sweep(clock.Now())
	assert.Equal(t, []string{"old"}, removed)

	_, ok := m.Get("old")
	assert.False(t, ok)
	_, ok = m.Get("young")
	assert.True(t, ok)

	t.Run("activity keeps an operation alive", func(t *testing.T) {
		clock.Advance(15 * time.Minute)
		_, err := m.ProcessChunk(context.Background(), "young", "ping", nil)
		require.NoError(t, err)
		clock.Advance(20 * time.Minute)
		assert.Empty(t, m.Sweep(clock.Now()))
	})
}

func TestJanitorLifecycle(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	j := NewJanitor(m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, j.Start(ctx))
	assert.True(t, j.Running())
	assert.NotNil(t, j.NextRun())

	_, err := m.Init("stale", models.FileMeta{Size: 1}, nil)
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)
	j.RunOnce()
	assert.Zero(t, m.Active())

	cancel()
	assert.Eventually(t, func() bool { return !j.Running() }, time.Second, 5*time.Millisecond)
}

func TestManagersAreIndependent(t *testing.T) {
	a := newTestManager(t, newFakeClock())
	b := newTestManager(t, newFakeClock())
	_, err := a.Init("same", models.FileMeta{Size: 1}, nil)
	require.NoError(t, err)
	_, err = b.Init("same", models.FileMeta{Size: 1}, nil)
	require.NoError(t, err)
}

func TestChunker(t *testing.T) {
	c := NewChunker(strings.NewReader("abcdefghij"), 4)

	var got []string
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, got)
	assert.Equal(t, int64(10), c.BytesRead())
}
