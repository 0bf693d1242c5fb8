// Package pgvector implements the vector store against PostgreSQL with
// the pgvector extension, under the fixed atabot schema.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atabot/ragengine/internal/vector"
	"github.com/atabot/ragengine/pkg/models"
)

// embeddingRow is the GORM model for atabot.embeddings (created by the
// db/gorm migration chain).
type embeddingRow struct {
	ID           string         `gorm:"column:id;primaryKey"`
	SchemaName   string         `gorm:"column:schema_name"`
	TableName    string         `gorm:"column:table_name"`
	Content      string         `gorm:"column:content"`
	ModelVersion string         `gorm:"column:model_version"`
	Embedding    pgvec.Vector   `gorm:"column:embedding"`
	Metadata     models.JSONMap `gorm:"column:metadata;type:jsonb"`
}

func (embeddingRow) TableName() string { return "atabot.embeddings" }

// Client implements vector.Store against atabot.embeddings. Every row it
// writes is stamped with modelVersion, so a later model swap can tell
// which vectors are stale.
type Client struct {
	db           *gorm.DB
	sqlDB        *sql.DB
	modelVersion string
}

// New wraps an already-migrated GORM connection. modelVersion is the
// embedding model currently configured; stored rows carrying a different
// version are reported as stale.
func New(db *gorm.DB, modelVersion string) (*Client, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("pgvector: get sql.DB: %w", err)
	}
	return &Client{db: db, sqlDB: sqlDB, modelVersion: modelVersion}, nil
}

func (c *Client) toRow(e models.Embedding) embeddingRow {
	return embeddingRow{
		ID:           e.ID,
		SchemaName:   e.SchemaName,
		TableName:    e.TableName,
		Content:      e.Content,
		ModelVersion: c.modelVersion,
		Embedding:    pgvec.NewVector(e.Vector),
		Metadata:     e.Metadata,
	}
}

// Upsert implements vector.Store. Storage errors propagate; this never
// fails closed.
func (c *Client) Upsert(ctx context.Context, e models.Embedding) error {
	row := c.toRow(e)
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"content", "embedding", "metadata", "schema_name", "table_name", "model_version", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("pgvector: upsert %s: %w", e.ID, err)
	}
	return nil
}

// UpsertMany implements vector.Store with the same idempotent semantics,
// batched into a single statement.
func (c *Client) UpsertMany(ctx context.Context, es []models.Embedding) error {
	if len(es) == 0 {
		return nil
	}
	rows := make([]embeddingRow, len(es))
	for i, e := range es {
		rows[i] = c.toRow(e)
	}
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"content", "embedding", "metadata", "schema_name", "table_name", "model_version", "updated_at",
			}),
		}).
		CreateInBatches(&rows, 100).Error
	if err != nil {
		return fmt.Errorf("pgvector: upsert_many (%d rows): %w", len(es), err)
	}
	return nil
}

// DeleteByID implements vector.Store.
func (c *Client) DeleteByID(ctx context.Context, id string) error {
	if err := c.db.WithContext(ctx).Where("id = ?", id).Delete(&embeddingRow{}).Error; err != nil {
		return fmt.Errorf("pgvector: delete %s: %w", id, err)
	}
	return nil
}

// DeleteBySchemaTable implements vector.Store, used by full-sync resets
// and schema/table cache clears.
func (c *Client) DeleteBySchemaTable(ctx context.Context, schema, table string) error {
	q := c.db.WithContext(ctx).Where("schema_name = ?", schema)
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	if err := q.Delete(&embeddingRow{}).Error; err != nil {
		return fmt.Errorf("pgvector: delete_by_schema_table %s/%s: %w", schema, table, err)
	}
	return nil
}

// Search implements vector.Store. Filter values are parameterised,
// never concatenated.
func (c *Client) Search(ctx context.Context, schema, table string, queryVector []float32, minSimilarity float64, limit int, filters []models.MetadataFilter) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if len(queryVector) == 0 {
		log.Error().Msg("pgvector: search called with empty query vector")
		return nil, nil
	}

	qv := pgvec.NewVector(queryVector)
	args := []any{qv, schema}
	where := []string{"schema_name = $2"}
	argIdx := 3

	if table != "" {
		where = append(where, fmt.Sprintf("table_name = $%d", argIdx))
		args = append(args, table)
		argIdx++
	}
	for _, f := range filters {
		clause, newArgs, nextIdx := buildFilterClause(f, argIdx)
		if clause == "" {
			continue
		}
		where = append(where, clause)
		args = append(args, newArgs...)
		argIdx = nextIdx
	}

	simExpr := "1 - (embedding <=> $1)"
	where = append(where, fmt.Sprintf("%s >= $%d", simExpr, argIdx))
	args = append(args, minSimilarity)
	argIdx++

	args = append(args, limit)
	sqlStr := fmt.Sprintf(`
		SELECT id, schema_name, table_name, content, metadata, created_at, %s AS similarity
		FROM atabot.embeddings
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`,
		simExpr, strings.Join(where, " AND "), argIdx,
	)

	results, err := c.query(ctx, sqlStr, args)
	if err != nil {
		log.Error().Err(err).Str("schema", schema).Str("table", table).Msg("pgvector: search failed, failing closed")
		return nil, nil
	}
	return results, nil
}

// AggregateLookup implements vector.Store: orders by a numeric metadata
// field, no vector involved. metadataField is validated against
// [A-Za-z0-9_] before interpolation since it cannot be parameterised as
// an identifier.
func (c *Client) AggregateLookup(ctx context.Context, schema, table, metadataField string, descending bool, limit int) ([]models.SearchResult, error) {
	if !isSafeIdentifier(metadataField) {
		return nil, fmt.Errorf("pgvector: unsafe metadata field %q", metadataField)
	}
	if limit <= 0 {
		limit = 10
	}
	dir := "ASC"
	if descending {
		dir = "DESC"
	}

	args := []any{schema}
	where := []string{"schema_name = $1"}
	argIdx := 2
	if table != "" {
		where = append(where, fmt.Sprintf("table_name = $%d", argIdx))
		args = append(args, table)
		argIdx++
	}
	where = append(where, fmt.Sprintf("(metadata->>'%s') IS NOT NULL", metadataField))
	args = append(args, limit)

	sqlStr := fmt.Sprintf(`
		SELECT id, schema_name, table_name, content, metadata, created_at, 0 AS similarity
		FROM atabot.embeddings
		WHERE %s
		ORDER BY (metadata->>'%s')::numeric %s
		LIMIT $%d`,
		strings.Join(where, " AND "), metadataField, dir, argIdx,
	)
	return c.query(ctx, sqlStr, args)
}

// FetchOneWithVector implements vector.Store.
func (c *Client) FetchOneWithVector(ctx context.Context, id string) (models.Embedding, bool, error) {
	var row embeddingRow
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return models.Embedding{}, false, nil
	}
	if err != nil {
		return models.Embedding{}, false, fmt.Errorf("pgvector: fetch_one_with_vector %s: %w", id, err)
	}
	return models.Embedding{
		ID:         row.ID,
		SchemaName: row.SchemaName,
		TableName:  row.TableName,
		Content:    row.Content,
		Metadata:   row.Metadata,
		Vector:     row.Embedding.Slice(),
	}, true, nil
}

// Count implements vector.Store.
func (c *Client) Count(ctx context.Context, schema, table string) (int64, error) {
	q := c.db.WithContext(ctx).Model(&embeddingRow{}).Where("schema_name = ?", schema)
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("pgvector: count %s/%s: %w", schema, table, err)
	}
	return n, nil
}

// KeywordSearch implements vector.Store: a case-insensitive ILIKE scan
// over content, used by the search layer's keyword-only path (exact-phrase priority
// handled by the caller re-ranking, here we just cast a wide net and
// order by shortest content as a cheap tie-break).
func (c *Client) KeywordSearch(ctx context.Context, schema, table, term string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	if strings.TrimSpace(term) == "" {
		return nil, nil
	}

	args := []any{schema, "%" + term + "%"}
	where := []string{"schema_name = $1", "content ILIKE $2"}
	argIdx := 3
	if table != "" {
		where = append(where, fmt.Sprintf("table_name = $%d", argIdx))
		args = append(args, table)
		argIdx++
	}
	args = append(args, limit)

	sqlStr := fmt.Sprintf(`
		SELECT id, schema_name, table_name, content, metadata, created_at, 0 AS similarity
		FROM atabot.embeddings
		WHERE %s
		ORDER BY length(content) ASC
		LIMIT $%d`,
		strings.Join(where, " AND "), argIdx,
	)
	results, err := c.query(ctx, sqlStr, args)
	if err != nil {
		log.Error().Err(err).Str("schema", schema).Str("term", term).Msg("pgvector: keyword search failed, failing closed")
		return nil, nil
	}
	return results, nil
}

// ModelVersion returns the embedding model this client stamps on writes.
func (c *Client) ModelVersion() string {
	return c.modelVersion
}

// CountStale counts rows in schema whose model_version is missing or
// differs from the current model; schema == "" counts the whole store.
func (c *Client) CountStale(ctx context.Context, schema string) (int64, error) {
	q := c.db.WithContext(ctx).Model(&embeddingRow{}).
		Where("model_version IS NULL OR model_version != ?", c.modelVersion)
	if schema != "" {
		q = q.Where("schema_name = ?", schema)
	}
	var stale int64
	if err := q.Count(&stale).Error; err != nil {
		return 0, fmt.Errorf("pgvector: count stale vectors: %w", err)
	}
	return stale, nil
}

// NeedsRebuild reports whether any vectors use a stale model version.
func (c *Client) NeedsRebuild(ctx context.Context) (bool, string) {
	stale, err := c.CountStale(ctx, "")
	if err != nil {
		log.Warn().Err(err).Msg("pgvector: failed to check stale vectors")
		return false, ""
	}
	if stale > 0 {
		return true, fmt.Sprintf("%d vectors have stale model version", stale)
	}
	return false, ""
}

func (c *Client) query(ctx context.Context, sqlStr string, args []any) ([]models.SearchResult, error) {
	rows, err := c.sqlDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			id, schemaName, tableName, content string
			metaRaw                            []byte
			createdAt                          sql.NullTime
			similarity                         float64
		)
		if err := rows.Scan(&id, &schemaName, &tableName, &content, &metaRaw, &createdAt, &similarity); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var meta models.JSONMap
		_ = meta.Scan(metaRaw)
		results = append(results, models.SearchResult{
			ID:         id,
			SchemaName: schemaName,
			TableName:  tableName,
			Content:    content,
			Metadata:   meta,
			Score:      similarity,
			CreatedAt:  createdAt.Time,
		})
	}
	return results, rows.Err()
}

func buildFilterClause(f models.MetadataFilter, argIdx int) (string, []any, int) {
	path := fmt.Sprintf("metadata->>'%s'", f.Field)
	if !isSafeIdentifier(f.Field) {
		return "", nil, argIdx
	}
	switch {
	case f.Eq != nil:
		switch f.Eq.(type) {
		case int, int64, float64:
			return fmt.Sprintf("(%s)::numeric = $%d", path, argIdx), []any{f.Eq}, argIdx + 1
		default:
			return fmt.Sprintf("%s = $%d", path, argIdx), []any{fmt.Sprintf("%v", f.Eq)}, argIdx + 1
		}
	case f.Gte != nil && f.Lte != nil:
		return fmt.Sprintf("(%s)::numeric >= $%d AND (%s)::numeric <= $%d", path, argIdx, path, argIdx+1),
			[]any{f.Gte, f.Lte}, argIdx + 2
	case f.Gte != nil:
		return fmt.Sprintf("(%s)::numeric >= $%d", path, argIdx), []any{f.Gte}, argIdx + 1
	case f.Lte != nil:
		return fmt.Sprintf("(%s)::numeric <= $%d", path, argIdx), []any{f.Lte}, argIdx + 1
	case f.Contains != "":
		return fmt.Sprintf("%s ILIKE $%d", path, argIdx), []any{"%" + f.Contains + "%"}, argIdx + 1
	case f.HasExists:
		if f.Exists {
			return fmt.Sprintf("%s IS NOT NULL", path), nil, argIdx
		}
		return fmt.Sprintf("%s IS NULL", path), nil, argIdx
	}
	return "", nil, argIdx
}

// isSafeIdentifier rejects anything but [A-Za-z0-9_]. Every identifier
// interpolated into SQL in this package goes through it.
func isSafeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

var _ vector.Store = (*Client)(nil)
