package models

import "time"

// QueryLog is an append-only observability record. It is never read on
// the critical path; losing a write is acceptable.
type QueryLog struct {
	ID             int64
	SessionID      string
	Query          string
	ResponseTimeMS int64
	CreatedAt      time.Time
}
