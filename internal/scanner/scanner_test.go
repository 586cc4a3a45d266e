package scanner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uploadguard/backend/internal/analysis"
	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
	"github.com/uploadguard/backend/internal/streaming"
	"github.com/uploadguard/backend/internal/testutil"
)

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	scanner  *Scanner
	verdicts *testutil.MockVerdictStore
	sleeps   *sleeps
}

func newFixture(t *testing.T, limits streaming.Limits) *fixture {
	t.Helper()
	sl := &sleeps{}
	verdicts := testutil.NewMockVerdictStore()
	s := New(Options{
		Streams:  streaming.NewManager(streaming.Options{Limits: limits}),
		Recovery: recovery.NewManager(recovery.Options{Sleep: sl.sleep}),
		Verdicts: verdicts,
	})
	return &fixture{scanner: s, verdicts: verdicts, sleeps: sl}
}

func loaded(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, streaming.Limits{})
	degraded, err := f.scanner.LoadModule(context.Background(), analysis.EngineOptions{})
	require.NoError(t, err)
	require.False(t, degraded)
	return f
}

func TestLoadModule(t *testing.T) {
	f := newFixture(t, streaming.Limits{})
	assert.Equal(t, StatusUnavailable, f.scanner.Status().Status)
	assert.False(t, f.scanner.Status().ModuleLoaded)

	degraded, err := f.scanner.LoadModule(context.Background(), analysis.EngineOptions{})
	require.NoError(t, err)
	assert.False(t, degraded)

	status := f.scanner.Status()
	assert.Equal(t, StatusReady, status.Status)
	assert.True(t, status.ModuleLoaded)
	assert.Zero(t, status.ErrorStats.Total)
}

func TestLoadModuleFallsBackToDegradedEngine(t *testing.T) {
	f := newFixture(t, streaming.Limits{})

	degraded, err := f.scanner.LoadModule(context.Background(), analysis.EngineOptions{
		Custom: []analysis.CustomDetector{{Name: "broken", Pattern: "("}},
	})
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps.delays)

	status := f.scanner.Status()
	assert.Equal(t, StatusDegraded, status.Status)
	assert.True(t, status.ModuleLoaded)

	log := f.scanner.ErrorLog()
	require.Len(t, log.ErrorLog, 3)
	for _, rec := range log.ErrorLog {
		assert.Equal(t, models.ErrorTypeModule, rec.Type)
		assert.Equal(t, models.SeverityCritical, rec.Severity)
		assert.Equal(t, recovery.CodeModuleInitFailed, rec.Code)
		assert.True(t, rec.Recovered)
	}
	assert.Equal(t, 1.0, log.ErrorStats.RecoveryRate)

	res := f.scanner.AnalyzeFile(context.Background(), models.AnalyzeFileRequest{Content: "plain words", FileName: "a.txt"})
	require.True(t, res.Success)
	assert.True(t, res.Result.FallbackUsed)
}

func TestStreamLifecycle(t *testing.T) {
	f := loaded(t)
	ctx := context.Background()

	init := f.scanner.StreamInit(ctx, models.StreamInitRequest{
		OperationID: "op1",
		File:        models.FileMeta{Name: "memo.txt", Size: 62, Type: "text/plain"},
	})
	require.True(t, init.Success)
	require.NotNil(t, init.Operation)
	assert.Equal(t, "op1", init.Operation.ID)

	chunk := f.scanner.StreamChunk(ctx, models.StreamChunkRequest{
		OperationID: "op1",
		Chunk:       "This contains confidential information that should be blocked",
	})
	require.True(t, chunk.Success)
	assert.Equal(t, 1, chunk.Progress.Stats.BannedPhraseCount)
	assert.False(t, chunk.Backpressure.Pause)
	assert.Equal(t, models.OperationProcessing, chunk.OperationState)
	assert.Equal(t, uint64(1), chunk.Sequence)

	final := f.scanner.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: "op1"})
	require.True(t, final.Success)
	assert.Equal(t, models.DecisionBlock, final.Result.Decision)
	assert.Greater(t, final.Result.RiskScore, 0.6)
	assert.Contains(t, final.Result.Reasons[0], "banned phrase")
	assert.False(t, final.Result.FallbackUsed)

	verdicts := f.verdicts.Verdicts()
	require.Len(t, verdicts, 1)
	assert.Equal(t, "op1", verdicts[0].OperationID)
	assert.Equal(t, "memo.txt", verdicts[0].FileName)
	assert.Equal(t, int64(62), verdicts[0].FileSize)
	assert.Equal(t, models.DecisionBlock, verdicts[0].Decision)

	assert.Zero(t, f.scanner.Status().ActiveOperations)
}

func TestStreamInitErrors(t *testing.T) {
	f := loaded(t)
	ctx := context.Background()

	resp := f.scanner.StreamInit(ctx, models.StreamInitRequest{
		OperationID: "big",
		File:        models.FileMeta{Size: 100<<20 + 1},
	})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, recovery.CodeFileTooLarge, resp.Error.Code)
	assert.False(t, resp.Retryable)
	assert.NotZero(t, resp.Error.Timestamp)

	require.True(t, f.scanner.StreamInit(ctx, models.StreamInitRequest{OperationID: "dup", File: models.FileMeta{Size: 1}}).Success)
	dup := f.scanner.StreamInit(ctx, models.StreamInitRequest{OperationID: "dup", File: models.FileMeta{Size: 1}})
	assert.False(t, dup.Success)
	assert.Equal(t, recovery.CodeOperationExists, dup.Error.Code)

	log := f.scanner.ErrorLog()
	assert.NotEmpty(t, log.ErrorLog)
	assert.Equal(t, models.ErrorTypeFile, log.ErrorLog[0].Type)
	assert.Empty(t, f.sleeps.delays, "file errors are never retried")
}

func TestStreamInitBeforeModuleLoadUsesFallback(t *testing.T) {
	f := newFixture(t, streaming.Limits{})
	ctx := context.Background()

	init := f.scanner.StreamInit(ctx, models.StreamInitRequest{OperationID: "op", File: models.FileMeta{Size: 5}})
	require.True(t, init.Success)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps.delays)

	require.True(t, f.scanner.StreamChunk(ctx, models.StreamChunkRequest{OperationID: "op", Chunk: "hello"}).Success)
	final := f.scanner.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: "op"})
	require.True(t, final.Success)
	assert.True(t, final.Result.FallbackUsed)
}

func TestUnknownOperation(t *testing.T) {
	f := loaded(t)
	ctx := context.Background()

	chunk := f.scanner.StreamChunk(ctx, models.StreamChunkRequest{OperationID: "ghost", Chunk: "x"})
	assert.False(t, chunk.Success)
	assert.Equal(t, recovery.CodeOperationNotFound, chunk.Error.Code)

	final := f.scanner.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: "ghost"})
	assert.False(t, final.Success)
	assert.Equal(t, recovery.CodeOperationNotFound, final.Error.Code)

	forced := f.scanner.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: "ghost", Force: true})
	assert.False(t, forced.Success)
	assert.False(t, forced.Retryable)
	assert.Empty(t, f.verdicts.Verdicts())
}

func TestSequenceMismatch(t *testing.T) {
	f := loaded(t)
	ctx := context.Background()
	require.True(t, f.scanner.StreamInit(ctx, models.StreamInitRequest{OperationID: "op", File: models.FileMeta{Size: 10}}).Success)

	zero := uint64(0)
	first := f.scanner.StreamChunk(ctx, models.StreamChunkRequest{OperationID: "op", Chunk: "abc", Sequence: &zero})
	require.True(t, first.Success)

	stale := f.scanner.StreamChunk(ctx, models.StreamChunkRequest{OperationID: "op", Chunk: "abc", Sequence: &zero})
	assert.False(t, stale.Success)
	assert.Equal(t, recovery.CodeSequenceMismatch, stale.Error.Code)
	assert.False(t, stale.Retryable)

	next := first.Sequence
	ok := f.scanner.StreamChunk(ctx, models.StreamChunkRequest{OperationID: "op", Chunk: "def", Sequence: &next})
	require.True(t, ok.Success)
	assert.Equal(t, 2, ok.Progress.Stats.TotalChunks)
}

func TestAnalyzeFile(t *testing.T) {
	f := newFixture(t, streaming.Limits{ChunkSize: 64, MaxFileSize: 1024})
	_, err := f.scanner.LoadModule(context.Background(), analysis.EngineOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	safe := f.scanner.AnalyzeFile(ctx, models.AnalyzeFileRequest{
		Content:  "This is safe content with no security concerns",
		FileName: "safe.txt",
	})
	require.True(t, safe.Success)
	assert.Equal(t, models.DecisionAllow, safe.Result.Decision)
	assert.Less(t, safe.Result.RiskScore, 0.6)
	assert.Equal(t, []string{analysis.SafeReason}, safe.Result.Reasons)

	verdicts := f.verdicts.Verdicts()
	require.Len(t, verdicts, 1)
	assert.Empty(t, verdicts[0].OperationID)
	assert.Equal(t, "safe.txt", verdicts[0].FileName)

	big := f.scanner.AnalyzeFile(ctx, models.AnalyzeFileRequest{Content: string(make([]byte, 65)), FileName: "big.bin"})
	assert.False(t, big.Success)
	assert.Equal(t, recovery.CodeContentTooLarge, big.Error.Code)
	assert.False(t, big.Retryable)
	assert.Len(t, f.verdicts.Verdicts(), 1)
	assert.Zero(t, f.scanner.Status().ActiveOperations)
}

func TestVerdictFailureDoesNotFailAnalysis(t *testing.T) {
	f := loaded(t)
	f.verdicts.SetFailing(true)

	resp := f.scanner.AnalyzeFile(context.Background(), models.AnalyzeFileRequest{Content: "hello", FileName: "a"})
	assert.True(t, resp.Success)
	assert.Equal(t, 1, f.verdicts.RecordCalls())

	_, _, err := f.scanner.Verdicts(context.Background(), 10)
	assert.ErrorIs(t, err, testutil.ErrMockFailure)
}

func TestVerdicts(t *testing.T) {
	f := loaded(t)
	ctx := context.Background()
	f.scanner.AnalyzeFile(ctx, models.AnalyzeFileRequest{Content: "fine", FileName: "a"})
	f.scanner.AnalyzeFile(ctx, models.AnalyzeFileRequest{Content: "confidential do not share", FileName: "b"})

	list, sum, err := f.scanner.Verdicts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].FileName)
	assert.Equal(t, models.VerdictSummary{Total: 2, Allowed: 1, Blocked: 1}, sum)

	bare := New(Options{})
	list, sum, err = bare.Verdicts(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, sum.Total)
}

func TestReload(t *testing.T) {
	f := loaded(t)
	ctx := context.Background()

	err := f.scanner.Reload(ctx, analysis.EngineOptions{Custom: []analysis.CustomDetector{{Name: "x", Pattern: "["}}})
	require.Error(t, err)
	assert.Empty(t, f.sleeps.delays)
	assert.Equal(t, StatusReady, f.scanner.Status().Status)

	require.NoError(t, f.scanner.Reload(ctx, analysis.EngineOptions{
		Defaults: models.AnalysisConfig{BannedPhrases: []string{"launch codes"}},
	}))
	resp := f.scanner.AnalyzeFile(ctx, models.AnalyzeFileRequest{Content: "the launch codes are here", FileName: "x"})
	require.True(t, resp.Success)
	require.Len(t, resp.Result.BannedPhrases, 1)
	assert.Equal(t, "launch codes", resp.Result.BannedPhrases[0].Phrase)
}

func TestDispatch(t *testing.T) {
	f := loaded(t)
	ctx := context.Background()

	out, err := f.scanner.Dispatch(ctx, models.MsgStreamInit,
		json.RawMessage(`{"operation_id":"op","file":{"name":"a","size":4,"type":"text/plain"}}`))
	require.NoError(t, err)
	init, ok := out.(models.StreamInitResponse)
	require.True(t, ok)
	assert.True(t, init.Success)

	out, err = f.scanner.Dispatch(ctx, models.MsgStreamChunk, json.RawMessage(`{"operation_id":"op","chunk":"data"}`))
	require.NoError(t, err)
	assert.True(t, out.(models.StreamChunkResponse).Success)

	out, err = f.scanner.Dispatch(ctx, models.MsgStreamFinalize, json.RawMessage(`{"operation_id":"op"}`))
	require.NoError(t, err)
	assert.True(t, out.(models.AnalysisResponse).Success)

	out, err = f.scanner.Dispatch(ctx, models.MsgAnalyzeFile, json.RawMessage(`{"content":"hi","fileName":"h"}`))
	require.NoError(t, err)
	assert.True(t, out.(models.AnalysisResponse).Success)

	out, err = f.scanner.Dispatch(ctx, models.MsgGetStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, out.(models.StatusResponse).Status)

	out, err = f.scanner.Dispatch(ctx, models.MsgGetErrorLog, nil)
	require.NoError(t, err)
	assert.IsType(t, models.ErrorLogResponse{}, out)

	_, err = f.scanner.Dispatch(ctx, "SELF_DESTRUCT", nil)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = f.scanner.Dispatch(ctx, models.MsgStreamChunk, json.RawMessage(`{"operation_id":`))
	require.Error(t, err)
	assert.Equal(t, recovery.CodeInvalidPayload, recovery.AsError(err).Code)

	_, err = f.scanner.Dispatch(ctx, models.MsgStreamInit, nil)
	assert.Equal(t, recovery.CodeInvalidPayload, recovery.AsError(err).Code)
}

// blockedFixture returns a loaded scanner whose chunk and finalize work
// blocks until release is called.
func blockedFixture(t *testing.T) (*fixture, func()) {
	t.Helper()
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	sl := &sleeps{}
	verdicts := testutil.NewMockVerdictStore()
	s := New(Options{
		Streams: streaming.NewManager(streaming.Options{
			Limits:    streaming.Limits{OperationTimeout: 20 * time.Millisecond},
			StageHook: func() { <-gate },
		}),
		Recovery: recovery.NewManager(recovery.Options{Sleep: sl.sleep}),
		Verdicts: verdicts,
	})
	_, err := s.LoadModule(context.Background(), analysis.EngineOptions{})
	require.NoError(t, err)
	require.True(t, s.StreamInit(context.Background(), models.StreamInitRequest{
		OperationID: "slow",
		File:        models.FileMeta{Name: "slow.txt", Size: 100},
	}).Success)
	return &fixture{scanner: s, verdicts: verdicts, sleeps: sl}, release
}

func TestChunkTimeoutSurfacesChunkFailure(t *testing.T) {
	f, release := blockedFixture(t)
	ctx := context.Background()
	zero := uint64(0)

	resp := f.scanner.StreamChunk(ctx, models.StreamChunkRequest{OperationID: "slow", Chunk: "hello", Sequence: &zero})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, recovery.CodeStreamChunkFailed, resp.Error.Code)
	assert.True(t, resp.Retryable)
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps.delays)

	log := f.scanner.ErrorLog().ErrorLog
	require.Len(t, log, 2)
	assert.Equal(t, models.ErrorTypeTimeout, log[0].Type)
	assert.Equal(t, recovery.CodeStreamChunkFailed, log[0].Code)
	assert.Equal(t, recovery.CodeOperationBusy, log[1].Code)

	// The abandoned chunk left no trace: sequence 0 is still expected.
	release()
	require.Eventually(t, func() bool {
		ok := f.scanner.StreamChunk(ctx, models.StreamChunkRequest{OperationID: "slow", Chunk: "hello", Sequence: &zero})
		return ok.Success && ok.Progress.Stats.TotalChunks == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFinalizeTimeoutSurfacesFinalizeFailure(t *testing.T) {
	f, _ := blockedFixture(t)
	ctx := context.Background()

	resp := f.scanner.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: "slow"})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, recovery.CodeStreamFinalizeFailed, resp.Error.Code)
	assert.True(t, resp.Retryable)

	_, live := f.scanner.Streams().Get("slow")
	assert.True(t, live, "unforced finalize keeps the operation")
	assert.Empty(t, f.verdicts.Verdicts())
}

func TestForcedFinalizeTimeoutIsTerminal(t *testing.T) {
	f, _ := blockedFixture(t)
	ctx := context.Background()

	resp := f.scanner.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: "slow", Force: true})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, recovery.CodeStreamFinalizeFailed, resp.Error.Code)
	assert.False(t, resp.Retryable)
	assert.Empty(t, f.sleeps.delays)

	_, live := f.scanner.Streams().Get("slow")
	assert.False(t, live)
	assert.Len(t, f.scanner.ErrorLog().ErrorLog, 1)
}
