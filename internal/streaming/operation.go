package streaming

import (
	"sync"
	"time"

	"github.com/uploadguard/backend/internal/analysis"
	"github.com/uploadguard/backend/internal/models"
)

// Operation is one in-flight file analysis.
type Operation struct {
	ID   string
	File models.FileMeta

	// guard serializes calls. It is taken with TryLock so a second
	// concurrent call fails instead of waiting.
	guard sync.Mutex

	mu           sync.RWMutex
	state        models.OperationState
	acc          *analysis.Accumulator
	stats        models.ProcessingStats
	sequence     uint64
	degraded     bool
	startTime    time.Time
	lastActivity time.Time
}

func newOperation(id string, file models.FileMeta, profile *analysis.Profile, now time.Time) *Operation {
	return &Operation{
		ID:           id,
		File:         file,
		state:        models.OperationProcessing,
		acc:          analysis.NewAccumulator(profile),
		startTime:    now,
		lastActivity: now,
	}
}

// Info returns a snapshot of the operation.
func (op *Operation) Info() models.OperationInfo {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return models.OperationInfo{
		ID:           op.ID,
		File:         op.File,
		Config:       op.acc.Profile().Config,
		State:        op.state,
		Stats:        op.stats,
		Sequence:     op.sequence,
		StartTime:    op.startTime,
		LastActivity: op.lastActivity,
	}
}

// State returns the current state.
func (op *Operation) State() models.OperationState {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.state
}

// LastActivity returns when the operation last accepted a chunk.
func (op *Operation) LastActivity() time.Time {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.lastActivity
}

func (op *Operation) setState(s models.OperationState) {
	op.mu.Lock()
	op.state = s
	op.mu.Unlock()
}
