package models

import "time"

// TablePattern is the learned per-table metadata recorded when a schema is
// registered or analyzed: entity type, which columns are
// promoted to display/searchable text, and a terminology map from raw
// column name to a human field label.
type TablePattern struct {
	EntityType       string            `json:"entity_type"`
	DisplayFields    []string          `json:"display_fields"`
	SearchableFields []string          `json:"searchable_fields"`
	PrimaryKey       string            `json:"primary_key,omitempty"`
	Terminology      map[string]string `json:"terminology,omitempty"`
}

// ManagedSchema is a per-schema registration. A schema must be
// registered, at minimum with default patterns, before any of its tables
// can be synced.
type ManagedSchema struct {
	SchemaName      string                  `json:"schema_name"`
	DisplayName     string                  `json:"display_name"`
	BusinessDomain  string                  `json:"business_domain,omitempty"`
	IsActive        bool                    `json:"is_active"`
	LearnedPatterns map[string]TablePattern `json:"learned_patterns,omitempty"`
	TotalTables     int                     `json:"total_tables"`
	TotalRows       int                     `json:"total_rows"`
	LastSyncedAt    *time.Time              `json:"last_synced_at,omitempty"`
}
