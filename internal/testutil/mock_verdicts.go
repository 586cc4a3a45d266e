// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/storage"
)

// ErrMockFailure is returned by MockVerdictStore when failure is switched on.
var ErrMockFailure = errors.New("mock verdict store failure")

// MockVerdictStore implements storage.VerdictStore for testing
type MockVerdictStore struct {
	mu       sync.RWMutex
	verdicts []models.Verdict
	fail     bool
	records  int
}

// NewMockVerdictStore creates an empty mock.
func NewMockVerdictStore() *MockVerdictStore {
	return &MockVerdictStore{}
}

func (m *MockVerdictStore) Record(_ context.Context, v models.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records++
	if m.fail {
		return ErrMockFailure
	}
	m.verdicts = append(m.verdicts, v)
	return nil
}

func (m *MockVerdictStore) Recent(_ context.Context, limit int) ([]models.Verdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail {
		return nil, ErrMockFailure
	}
	var out []models.Verdict
	for i := len(m.verdicts) - 1; i >= 0; i-- {
		out = append(out, m.verdicts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockVerdictStore) Summary(_ context.Context) (models.VerdictSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail {
		return models.VerdictSummary{}, ErrMockFailure
	}
	sum := models.VerdictSummary{Total: len(m.verdicts)}
	for _, v := range m.verdicts {
		if v.Decision == models.DecisionBlock {
			sum.Blocked++
		} else {
			sum.Allowed++
		}
	}
	return sum, nil
}

func (m *MockVerdictStore) Close() error { return nil }

// Ensure MockVerdictStore implements storage.VerdictStore
var _ storage.VerdictStore = (*MockVerdictStore)(nil)

// Test Helper Methods

// SetFailing makes every call return ErrMockFailure.
func (m *MockVerdictStore) SetFailing(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

// Verdicts returns everything recorded, oldest first.
func (m *MockVerdictStore) Verdicts() []models.Verdict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Verdict(nil), m.verdicts...)
}

// RecordCalls counts Record calls, failed ones included.
func (m *MockVerdictStore) RecordCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records
}
