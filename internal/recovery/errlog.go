package recovery

import (
	"sync"

	"github.com/uploadguard/backend/internal/models"
)

// DefaultLogCapacity is how many error records are kept.
const DefaultLogCapacity = 100

// ErrorLog is a fixed-capacity ring of error records. When full, the
// oldest record is overwritten.
type ErrorLog struct {
	mu       sync.RWMutex
	entries  []models.ErrorRecord
	head     int
	capacity int
}

// NewErrorLog creates a log holding at most capacity records.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &ErrorLog{
		entries:  make([]models.ErrorRecord, 0, capacity),
		capacity: capacity,
	}
}

// Add appends rec, evicting the oldest record if the log is full.
func (l *ErrorLog) Add(rec models.ErrorRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, rec)
	} else {
		l.entries[l.head] = rec
	}
	l.head = (l.head + 1) % l.capacity
}

// MarkRecovered flags the records with the given ids as recovered. Ids
// that were already evicted are ignored.
func (l *ErrorLog) MarkRecovered(ids []string) {
	if len(ids) == 0 {
		return
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if _, ok := want[l.entries[i].ID]; ok {
			l.entries[i].Recovered = true
		}
	}
}

// Records returns the buffered records, oldest first.
func (l *ErrorLog) Records() []models.ErrorRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.ErrorRecord, 0, len(l.entries))
	if len(l.entries) < l.capacity {
		return append(out, l.entries...)
	}
	out = append(out, l.entries[l.head:]...)
	return append(out, l.entries[:l.head]...)
}

// Len returns the number of buffered records.
func (l *ErrorLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops every record.
func (l *ErrorLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	l.head = 0
}

// Stats aggregates the buffered records.
func (l *ErrorLog) Stats() models.ErrorStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := models.ErrorStats{
		ByType:     make(map[models.ErrorType]int),
		BySeverity: make(map[models.Severity]int),
	}
	for _, rec := range l.entries {
		st.Total++
		st.ByType[rec.Type]++
		st.BySeverity[rec.Severity]++
		if rec.Recovered {
			st.Recovered++
		}
	}
	st.Unrecovered = st.Total - st.Recovered
	if st.Total > 0 {
		st.RecoveryRate = float64(st.Recovered) / float64(st.Total)
	}
	return st
}
