package ops

import (
	"sync"
	"time"
)

// ActivityEntry is one recent dispatch or review event, kept for the
// /debug/recent feed so an operator can see what a running process has
// been doing without tailing file-based persistence.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // "dispatch" or "review"
	ModelKey  string    `json:"model_key,omitempty"`
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
}

// ActivityLog is a thread-safe ring buffer of the most recent activity
// entries, adapted from the CLI-backend log tailing pattern for dispatch
// and review outcomes rather than subprocess stdout/stderr lines.
type ActivityLog struct {
	mu         sync.RWMutex
	entries    []ActivityEntry
	maxEntries int
}

// NewActivityLog creates a log that retains up to maxEntries entries.
func NewActivityLog(maxEntries int) *ActivityLog {
	return &ActivityLog{
		entries:    make([]ActivityEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Record appends one activity entry, dropping the oldest once the buffer is
// full.
func (l *ActivityLog) Record(entry ActivityEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxEntries {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
}

// Recent returns the last n entries, most recent last. n<=0 or n greater
// than the buffer's length returns everything retained.
func (l *ActivityLog) Recent(n int) []ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := len(l.entries)
	if n <= 0 || n > total {
		n = total
	}
	start := total - n
	result := make([]ActivityEntry, n)
	copy(result, l.entries[start:])
	return result
}
