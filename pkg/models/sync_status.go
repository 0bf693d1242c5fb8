package models

import "time"

// SyncState is the lifecycle state of a (schema, table) sync job.
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncRunning   SyncState = "running"
	SyncCompleted SyncState = "completed"
	SyncFailed    SyncState = "failed"
)

// SyncStatus is the per (schema, table) sync bookkeeping record.
// The watermark only advances on successful completion.
type SyncStatus struct {
	SchemaName        string     `json:"schema_name"`
	TableName         string     `json:"table_name"`
	State             SyncState  `json:"state"`
	LastSyncCompleted *time.Time `json:"last_sync_completed,omitempty"`
	RowsSynced        int        `json:"rows_synced"`
	RealtimeEnabled   bool       `json:"realtime_enabled"`
	LastError         string     `json:"last_error,omitempty"`
}

// SyncJob is the observable progress record for an in-flight table or
// schema sync. It is process-local, like Batch.
type SyncJob struct {
	ID            string     `json:"id"`
	SchemaName    string     `json:"schema_name"`
	TableName     string     `json:"table_name"`
	Mode          string     `json:"mode"`
	State         SyncState  `json:"state"`
	RowsProcessed int        `json:"rows_processed"`
	TotalRows     int        `json:"total_rows"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Percentage returns the job's completion percentage, 0 when TotalRows is
// unknown (e.g. before the row count query completes).
func (j *SyncJob) Percentage() float64 {
	if j.TotalRows <= 0 {
		return 0
	}
	pct := float64(j.RowsProcessed) / float64(j.TotalRows) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
