package models

import "time"

// BatchState is the lifecycle state of a Batch. Transitions are
// monotonic: pending -> processing -> {completed|failed}; failed never
// transitions back.
type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
)

// Batch is an in-flight submission to the embedding queue. It is not
// durable — it lives only in the queue processor's in-memory map for the
// life of the process.
type Batch struct {
	ID         string
	State      BatchState
	TextHashes []string
	Total      int
	ToProcess  int
	Cached     int
	CreatedAt  time.Time
	Error      string
}

// IsTerminal reports whether the batch has reached a state from which it
// will never transition further.
func (b *Batch) IsTerminal() bool {
	return b.State == BatchCompleted || b.State == BatchFailed
}
