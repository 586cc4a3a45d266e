package models

import "time"

// ErrorType is the recovery taxonomy a failure is classified into.
type ErrorType string

const (
	// ErrorTypeModule covers loading or initializing the analysis module.
	ErrorTypeModule     ErrorType = "WASM_ERROR"
	ErrorTypeFile       ErrorType = "FILE_ERROR"
	ErrorTypeNetwork    ErrorType = "NETWORK_ERROR"
	ErrorTypePermission ErrorType = "PERMISSION_ERROR"
	ErrorTypeTimeout    ErrorType = "TIMEOUT_ERROR"
	ErrorTypeUnknown    ErrorType = "UNKNOWN_ERROR"
)

// Severity ranks how serious a classified failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorContext carries where a failure happened.
type ErrorContext struct {
	Operation string            `json:"operation"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorRecord is one classified failure kept in the error log.
type ErrorRecord struct {
	ID         string       `json:"id"`
	Type       ErrorType    `json:"type"`
	Severity   Severity     `json:"severity"`
	Code       string       `json:"code,omitempty"`
	Message    string       `json:"message"`
	Timestamp  time.Time    `json:"timestamp"`
	Context    ErrorContext `json:"context"`
	RetryCount int          `json:"retry_count"`
	Strategy   string       `json:"strategy"`
	Recovered  bool         `json:"recovered"`
}

// ErrorStats aggregates the records currently held in the error log.
type ErrorStats struct {
	Total        int               `json:"total"`
	ByType       map[ErrorType]int `json:"by_type"`
	BySeverity   map[Severity]int  `json:"by_severity"`
	Recovered    int               `json:"recovered"`
	Unrecovered  int               `json:"unrecovered"`
	RecoveryRate float64           `json:"recovery_rate"`
}

// ErrorPayload is the structured error object returned to callers.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
