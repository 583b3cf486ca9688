package resilience

import (
	"sync"
	"time"
)

// attemptHistoryLimit bounds the per-operation attempt history. Oldest
// entries are dropped once the limit is reached.
const attemptHistoryLimit = 100

// AttemptRecord describes a single execution attempt of a guarded operation.
// Records exist for observability only; the engine never consults them for
// control decisions.
type AttemptRecord struct {
	// Attempt is the 1-based attempt number within a single execution.
	Attempt int `json:"attempt"`

	// Success reports whether the attempt completed without error.
	Success bool `json:"success"`

	// ExecutionTime is how long the attempt took.
	ExecutionTime time.Duration `json:"execution_time"`

	// Timestamp is when the attempt started.
	Timestamp time.Time `json:"timestamp"`

	// Error holds the error text of a failed attempt, empty on success.
	Error string `json:"error,omitempty"`
}

// attemptHistory is a fixed-capacity ring buffer of attempt records.
// Appends are O(1); the lock is scoped to one operation name and is never
// held across a backoff wait.
type attemptHistory struct {
	mu      sync.Mutex
	records [attemptHistoryLimit]AttemptRecord
	next    int
	size    int
}

func newAttemptHistory() *attemptHistory {
	return &attemptHistory{}
}

func (h *attemptHistory) append(r AttemptRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = r
	h.next = (h.next + 1) % attemptHistoryLimit
	if h.size < attemptHistoryLimit {
		h.size++
	}
}

// snapshot returns the recorded attempts ordered oldest to newest.
func (h *attemptHistory) snapshot() []AttemptRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]AttemptRecord, 0, h.size)
	start := h.next - h.size
	if start < 0 {
		start += attemptHistoryLimit
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.records[(start+i)%attemptHistoryLimit])
	}
	return out
}
