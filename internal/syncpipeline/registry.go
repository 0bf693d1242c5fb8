package syncpipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbgorm "github.com/atabot/ragengine/internal/db/gorm"
	"github.com/atabot/ragengine/pkg/models"
)

// GormRegistry is the GORM-backed SchemaRegistry implementation.
type GormRegistry struct {
	db *gorm.DB
}

// NewGormRegistry builds a GormRegistry against an already-migrated
// connection.
func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) GetSchema(ctx context.Context, schemaName string) (*models.ManagedSchema, bool, error) {
	var row dbgorm.ManagedSchemaRow
	err := r.db.WithContext(ctx).Where("schema_name = ?", schemaName).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("registry: get schema %s: %w", schemaName, err)
	}

	schema := rowToManagedSchema(row)
	return &schema, true, nil
}

func (r *GormRegistry) RegisterSchema(ctx context.Context, schema models.ManagedSchema) error {
	patterns, err := marshalPatterns(schema.LearnedPatterns)
	if err != nil {
		return fmt.Errorf("registry: marshal patterns for %s: %w", schema.SchemaName, err)
	}

	row := dbgorm.ManagedSchemaRow{
		SchemaName:      schema.SchemaName,
		DisplayName:     schema.DisplayName,
		BusinessDomain:  schema.BusinessDomain,
		IsActive:        schema.IsActive,
		LearnedPatterns: patterns,
		TotalTables:     schema.TotalTables,
		TotalRows:       schema.TotalRows,
		LastSyncedAt:    schema.LastSyncedAt,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "schema_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "business_domain", "is_active", "learned_patterns", "total_tables", "total_rows",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("registry: register schema %s: %w", schema.SchemaName, err)
	}
	return nil
}

func (r *GormRegistry) GetSyncStatus(ctx context.Context, schemaName, tableName string) (*models.SyncStatus, bool, error) {
	var row dbgorm.SyncStatusRow
	err := r.db.WithContext(ctx).
		Where("schema_name = ? AND table_name = ?", schemaName, tableName).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("registry: get sync status %s/%s: %w", schemaName, tableName, err)
	}
	return &models.SyncStatus{
		SchemaName:        row.SchemaName,
		TableName:         row.TableName,
		State:             models.SyncState(row.State),
		LastSyncCompleted: row.LastSyncCompleted,
		RowsSynced:        row.RowsSynced,
		RealtimeEnabled:   row.RealtimeEnabled,
		LastError:         row.LastError,
	}, true, nil
}

func (r *GormRegistry) PutSyncStatus(ctx context.Context, status models.SyncStatus) error {
	row := dbgorm.SyncStatusRow{
		SchemaName:        status.SchemaName,
		TableName:         status.TableName,
		State:             string(status.State),
		LastSyncCompleted: status.LastSyncCompleted,
		RowsSynced:        status.RowsSynced,
		RealtimeEnabled:   status.RealtimeEnabled,
		LastError:         status.LastError,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "schema_name"}, {Name: "table_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "last_sync_completed", "rows_synced", "realtime_enabled", "last_error",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("registry: put sync status %s/%s: %w", status.SchemaName, status.TableName, err)
	}
	return nil
}

func rowToManagedSchema(row dbgorm.ManagedSchemaRow) models.ManagedSchema {
	var patterns map[string]models.TablePattern
	if len(row.LearnedPatterns) > 0 {
		raw, _ := json.Marshal(row.LearnedPatterns)
		_ = json.Unmarshal(raw, &patterns)
	}
	return models.ManagedSchema{
		SchemaName:      row.SchemaName,
		DisplayName:     row.DisplayName,
		BusinessDomain:  row.BusinessDomain,
		IsActive:        row.IsActive,
		LearnedPatterns: patterns,
		TotalTables:     row.TotalTables,
		TotalRows:       row.TotalRows,
		LastSyncedAt:    row.LastSyncedAt,
	}
}

// ListActiveSchemas returns every ManagedSchema with IsActive set, used
// by the chat orchestrator's schema-selection fallback.
func (r *GormRegistry) ListActiveSchemas(ctx context.Context) ([]models.ManagedSchema, error) {
	var rows []dbgorm.ManagedSchemaRow
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: list active schemas: %w", err)
	}
	out := make([]models.ManagedSchema, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToManagedSchema(row))
	}
	return out, nil
}

// ListSchemas returns every registered ManagedSchema regardless of
// activation state, used by the HTTP surface's GET /schemas.
func (r *GormRegistry) ListSchemas(ctx context.Context) ([]models.ManagedSchema, error) {
	var rows []dbgorm.ManagedSchemaRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: list schemas: %w", err)
	}
	out := make([]models.ManagedSchema, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToManagedSchema(row))
	}
	return out, nil
}

// PutQueryLog persists a best-effort observability record. Failures are
// logged by the caller, not propagated to the user-facing response.
func (r *GormRegistry) PutQueryLog(ctx context.Context, entry models.QueryLog) error {
	row := dbgorm.QueryLogRow{
		SessionID:      entry.SessionID,
		Query:          entry.Query,
		ResponseTimeMS: entry.ResponseTimeMS,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("registry: put query log: %w", err)
	}
	return nil
}

// DeleteSchema removes a ManagedSchema registration and its SyncStatus
// rows — the HTTP surface's DELETE /schemas/{name}. Embeddings already
// synced are left in place; callers that also want the vectors gone
// should call Pipeline.ClearCache first.
func (r *GormRegistry) DeleteSchema(ctx context.Context, schemaName string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("schema_name = ?", schemaName).Delete(&dbgorm.SyncStatusRow{}).Error; err != nil {
			return fmt.Errorf("registry: delete sync status rows for %s: %w", schemaName, err)
		}
		if err := tx.Where("schema_name = ?", schemaName).Delete(&dbgorm.ManagedSchemaRow{}).Error; err != nil {
			return fmt.Errorf("registry: delete schema %s: %w", schemaName, err)
		}
		return nil
	})
}

var _ SchemaRegistry = (*GormRegistry)(nil)
