package models

// Message types of the core-facing contract.
const (
	MsgStreamInit     = "STREAM_INIT"
	MsgStreamChunk    = "STREAM_CHUNK"
	MsgStreamFinalize = "STREAM_FINALIZE"
	MsgAnalyzeFile    = "ANALYZE_FILE"
	MsgGetStatus      = "GET_STATUS"
	MsgGetErrorLog    = "GET_ERROR_LOG"
)

// StreamInitRequest opens a streaming operation.
type StreamInitRequest struct {
	OperationID string          `json:"operation_id"`
	File        FileMeta        `json:"file"`
	Config      *AnalysisConfig `json:"config,omitempty"`
}

// StreamInitResponse answers STREAM_INIT.
type StreamInitResponse struct {
	Success   bool           `json:"success"`
	Operation *OperationInfo `json:"operation,omitempty"`
	Error     *ErrorPayload  `json:"error,omitempty"`
	Retryable bool           `json:"retryable"`
}

// StreamChunkRequest delivers one chunk. Sequence, when set, must equal the
// sequence returned by the previous response for this operation.
type StreamChunkRequest struct {
	OperationID string  `json:"operation_id"`
	Chunk       string  `json:"chunk"`
	Sequence    *uint64 `json:"sequence,omitempty"`
}

// StreamChunkResponse answers STREAM_CHUNK.
type StreamChunkResponse struct {
	Success        bool           `json:"success"`
	Progress       *Progress      `json:"progress,omitempty"`
	Backpressure   *Backpressure  `json:"backpressure,omitempty"`
	OperationState OperationState `json:"operation_state,omitempty"`
	Sequence       uint64         `json:"sequence,omitempty"`
	FallbackUsed   bool           `json:"fallback_used,omitempty"`
	Error          *ErrorPayload  `json:"error,omitempty"`
	Retryable      bool           `json:"retryable"`
}

// StreamFinalizeRequest closes a streaming operation.
type StreamFinalizeRequest struct {
	OperationID string `json:"operation_id"`
	Force       bool   `json:"force,omitempty"`
}

// AnalysisResponse answers STREAM_FINALIZE and ANALYZE_FILE.
type AnalysisResponse struct {
	Success   bool            `json:"success"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Retryable bool            `json:"retryable"`
}

// AnalyzeFileRequest is the small-file shortcut.
type AnalyzeFileRequest struct {
	Content  string `json:"content"`
	FileName string `json:"fileName"`
}

// StatusResponse answers GET_STATUS.
type StatusResponse struct {
	Status           string     `json:"status"`
	ModuleLoaded     bool       `json:"module_loaded"`
	ActiveOperations int        `json:"active_operations"`
	ErrorStats       ErrorStats `json:"error_stats"`
}

// ErrorLogResponse answers GET_ERROR_LOG.
type ErrorLogResponse struct {
	ErrorLog   []ErrorRecord `json:"error_log"`
	ErrorStats ErrorStats    `json:"error_stats"`
}
