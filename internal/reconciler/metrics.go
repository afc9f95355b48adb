package reconciler

import (
	"sync"
	"time"
)

// SyncMetrics tracks reconciliation behavior across both channels.
type SyncMetrics struct {
	EventsApplied      int64
	EventsDeduplicated int64
	EventsFailed       int64
	SnapshotsReplaced  int64
	LastAppliedAt      time.Time
}

// Metrics provides a goroutine-safe wrapper around SyncMetrics.
type Metrics struct {
	mu      sync.RWMutex
	metrics SyncMetrics
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Update applies a mutation in a thread-safe way.
func (t *Metrics) Update(fn func(*SyncMetrics)) {
	if fn == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.metrics)
}

// Snapshot returns a copy of the current metrics.
func (t *Metrics) Snapshot() SyncMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metrics
}

// Reset clears accumulated metrics.
func (t *Metrics) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = SyncMetrics{}
}
