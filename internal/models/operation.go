package models

import "time"

// OperationState represents the lifecycle state of a streaming operation.
type OperationState string

const (
	OperationProcessing OperationState = "processing"
	OperationPaused     OperationState = "paused"
	OperationFinalized  OperationState = "finalized"
	OperationFailed     OperationState = "failed"
)

// Terminal reports whether no further calls are accepted in this state.
func (s OperationState) Terminal() bool {
	return s == OperationFinalized || s == OperationFailed
}

// FileMeta describes the file being streamed. Immutable after init.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// ProcessingStats are the running totals of a streaming operation.
type ProcessingStats struct {
	TotalChunks        int   `json:"total_chunks"`
	TotalContentLength int64 `json:"total_content_length"`
	UniqueWordCount    int   `json:"unique_word_count"`
	BannedPhraseCount  int   `json:"banned_phrase_count"`
	PIIPatternCount    int   `json:"pii_pattern_count"`
	ProcessingTimeMs   int64 `json:"processing_time_ms"`
}

// Backpressure is the advisory flow-control signal returned after each chunk.
type Backpressure struct {
	Pause          bool  `json:"pause"`
	ResumeAfterMs  int64 `json:"resume_after_ms,omitempty"`
	QueueSize      int   `json:"queue_size"`
	MaxQueueSize   int   `json:"max_queue_size"`
	ProcessingRate int   `json:"processing_rate"`
}

// Progress reports how far a streaming operation has come.
type Progress struct {
	CurrentChunk    int             `json:"current_chunk"`
	TotalChunks     int             `json:"total_chunks"`
	Percentage      float64         `json:"percentage"`
	Stats           ProcessingStats `json:"stats"`
	EstimatedTimeMs int64           `json:"estimated_time_ms"`
}

// OperationInfo is the externally visible snapshot of an operation.
type OperationInfo struct {
	ID           string          `json:"id"`
	File         FileMeta        `json:"file"`
	Config       AnalysisConfig  `json:"config"`
	State        OperationState  `json:"state"`
	Stats        ProcessingStats `json:"stats"`
	Sequence     uint64          `json:"sequence"`
	StartTime    time.Time       `json:"start_time"`
	LastActivity time.Time       `json:"last_activity"`
}

// ChunkOutcome is what a successful chunk call returns.
type ChunkOutcome struct {
	Progress     Progress       `json:"progress"`
	Backpressure Backpressure   `json:"backpressure"`
	State        OperationState `json:"operation_state"`
	Sequence     uint64         `json:"sequence"`
	FallbackUsed bool           `json:"fallback_used,omitempty"`
}
