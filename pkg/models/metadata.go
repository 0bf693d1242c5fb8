// Package models contains the durable domain entities of the ingest-and-
// retrieval engine: Embedding, Batch, ManagedSchema, SyncStatus,
// QueryLog. The store deals in flat records, not per-row
// ORM objects.
package models

import (
	"database/sql/driver"
	"fmt"

	json "github.com/goccy/go-json"
)

// JSONMap is a JSON-typed column for GORM, used for per-row scalar metadata
// (Embedding.Metadata), learned per-table patterns (ManagedSchema) and the
// embedding cache's provenance metadata.
type JSONMap map[string]interface{}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONMap: unsupported scan type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}
