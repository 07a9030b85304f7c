package observability

import (
	"sync"
	"time"
)

// Warning records a non-fatal reconciliation issue, such as a bracket leg that
// could not be synthesized after its parent filled. Operators drain these to
// reconcile missing legs.
type Warning struct {
	Operation  string
	OrderID    string
	Reason     string
	OccurredAt time.Time
}

// WarningQueue stores warnings that must not fail the triggering operation.
type WarningQueue struct {
	mu       sync.Mutex
	capacity int
	warnings []Warning
}

// NewWarningQueue creates a queue with the provided capacity. Capacity <=0 implies unbounded.
func NewWarningQueue(capacity int) *WarningQueue {
	queue := new(WarningQueue)
	queue.capacity = capacity
	queue.warnings = make([]Warning, 0)
	return queue
}

// Offer records a warning, dropping the oldest entry when at capacity.
func (q *WarningQueue) Offer(warning Warning) {
	if warning.OccurredAt.IsZero() {
		warning.OccurredAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.warnings) >= q.capacity {
		copy(q.warnings[0:], q.warnings[1:])
		q.warnings[len(q.warnings)-1] = warning
		return
	}
	q.warnings = append(q.warnings, warning)
}

// Drain retrieves and clears all queued warnings.
func (q *WarningQueue) Drain() []Warning {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]Warning, len(q.warnings))
	copy(drained, q.warnings)
	q.warnings = q.warnings[:0]
	return drained
}

// Len returns the number of queued warnings.
func (q *WarningQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.warnings)
}
