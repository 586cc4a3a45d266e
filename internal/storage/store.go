// Package storage keeps the audit trail of finalized verdicts.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/uploadguard/backend/internal/models"
)

// DefaultRecentLimit caps Recent when the caller passes no limit.
const DefaultRecentLimit = 50

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("verdict store closed")

// VerdictStore records finalized verdicts.
type VerdictStore interface {
	Record(ctx context.Context, v models.Verdict) error
	// Recent returns the newest verdicts first.
	Recent(ctx context.Context, limit int) ([]models.Verdict, error)
	Summary(ctx context.Context) (models.VerdictSummary, error)
	Close() error
}

// MemoryVerdictStore implements VerdictStore in process memory.
type MemoryVerdictStore struct {
	mu       sync.RWMutex
	verdicts []models.Verdict
	closed   bool
}

// NewMemoryVerdictStore creates an empty store.
func NewMemoryVerdictStore() *MemoryVerdictStore {
	return &MemoryVerdictStore{}
}

func (s *MemoryVerdictStore) Record(_ context.Context, v models.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	v.Reasons = append([]string(nil), v.Reasons...)
	s.verdicts = append(s.verdicts, v)
	return nil
}

func (s *MemoryVerdictStore) Recent(_ context.Context, limit int) ([]models.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	list := make([]models.Verdict, len(s.verdicts))
	// Reverse insertion order, then a stable sort keeps ties newest-first.
	for i, v := range s.verdicts {
		list[len(list)-1-i] = v
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryVerdictStore) Summary(_ context.Context) (models.VerdictSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return models.VerdictSummary{}, ErrClosed
	}
	var sum models.VerdictSummary
	for _, v := range s.verdicts {
		sum.Total++
		switch v.Decision {
		case models.DecisionAllow:
			sum.Allowed++
		case models.DecisionBlock:
			sum.Blocked++
		}
	}
	return sum, nil
}

func (s *MemoryVerdictStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ VerdictStore = (*MemoryVerdictStore)(nil)
