package models

import "time"

// Verdict is the audit record of one finalized analysis.
type Verdict struct {
	ID           string    `json:"id"`
	OperationID  string    `json:"operationId,omitempty"`
	FileName     string    `json:"fileName"`
	FileSize     int64     `json:"fileSize"`
	RiskScore    float64   `json:"riskScore"`
	Decision     Decision  `json:"decision"`
	Entropy      float64   `json:"entropy"`
	Reasons      []string  `json:"reasons"`
	FallbackUsed bool      `json:"fallbackUsed"`
	CreatedAt    time.Time `json:"createdAt"`
}

// VerdictSummary counts recorded verdicts by decision.
type VerdictSummary struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Blocked int `json:"blocked"`
}
