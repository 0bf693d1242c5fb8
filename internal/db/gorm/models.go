package gorm

import (
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/atabot/ragengine/pkg/models"
)

// GORM Models
//
// Note: models.JSONMap is imported from pkg/models and already
// implements sql.Scanner and driver.Valuer.

// The embeddings table itself is created and queried by
// internal/vector/pgvector, which owns its own row model.

// CacheRow is the embedding cache's persistent tier.
type CacheRow struct {
	CreatedAt    time.Time
	LastAccessed time.Time `gorm:"index:idx_cache_last_accessed"`
	TextHash     string    `gorm:"primaryKey"`
	Vector       pgvec.Vector
	Metadata     models.JSONMap `gorm:"type:jsonb"`
	AccessCount  int            `gorm:"default:0;index:idx_cache_access_count,sort:desc"`
}

func (CacheRow) TableName() string { return "atabot.embedding_cache" }

func (c *CacheRow) BeforeCreate(tx *gorm.DB) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.LastAccessed.IsZero() {
		c.LastAccessed = c.CreatedAt
	}
	return nil
}

// ManagedSchemaRow is a registered schema's bookkeeping record.
type ManagedSchemaRow struct {
	LastSyncedAt    *time.Time
	SchemaName      string `gorm:"primaryKey"`
	DisplayName     string
	BusinessDomain  string
	LearnedPatterns models.JSONMap `gorm:"type:jsonb"`
	TotalTables     int
	TotalRows       int
	IsActive        bool `gorm:"default:true;index"`
}

func (ManagedSchemaRow) TableName() string { return "atabot.managed_schemas" }

// SyncStatusRow is the per (schema, table) watermark and state.
type SyncStatusRow struct {
	LastSyncCompleted *time.Time
	SchemaName        string `gorm:"primaryKey"`
	TableName         string `gorm:"primaryKey"`
	State             string `gorm:"type:text;check:state IN ('pending','running','completed','failed');default:'pending';index"`
	LastError         string
	RowsSynced        int
	RealtimeEnabled   bool `gorm:"default:false"`
}

func (SyncStatusRow) TableName() string { return "atabot.sync_status" }

// QueryLogRow is the append-only observability record.
type QueryLogRow struct {
	CreatedAt      time.Time `gorm:"index:idx_query_logs_created,sort:desc"`
	SessionID      string    `gorm:"index"`
	Query          string    `gorm:"type:text"`
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	ResponseTimeMS int64
}

func (QueryLogRow) TableName() string { return "atabot.query_logs" }

func (q *QueryLogRow) BeforeCreate(tx *gorm.DB) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	return nil
}
