package syncpipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atabot/ragengine/pkg/models"
)

// fullSync deletes existing rows, counts, then pages over the table in
// fixed-size pages ordered by primary key (or unordered if absent).
func (p *Pipeline) fullSync(ctx context.Context, job *models.SyncJob) error {
	if err := p.store.DeleteBySchemaTable(ctx, job.SchemaName, job.TableName); err != nil {
		return fmt.Errorf("syncpipeline: clear existing embeddings: %w", err)
	}

	cols, err := p.tableColumns(ctx, job.SchemaName, job.TableName)
	if err != nil {
		return err
	}
	pattern := p.lookupPattern(ctx, job.SchemaName, job.TableName)
	pk := pattern.PrimaryKey
	if pk == "" {
		for _, c := range cols {
			if isPrimaryKeyLike(c) {
				pk = c.name
				break
			}
		}
	}

	total, err := p.countRows(ctx, job.SchemaName, job.TableName, "")
	if err != nil {
		return err
	}
	job.TotalRows = total

	offset := 0
	for {
		rows, err := p.fetchPage(ctx, job.SchemaName, job.TableName, pk, offset, p.pageSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		processed := p.processPage(ctx, job.SchemaName, job.TableName, pattern, rows)
		job.RowsProcessed += processed
		offset += len(rows)
		if len(rows) < p.pageSize {
			break
		}
	}
	return nil
}

// incrementalSync processes only rows changed since the watermark.
func (p *Pipeline) incrementalSync(ctx context.Context, job *models.SyncJob) error {
	status, ok, err := p.registry.GetSyncStatus(ctx, job.SchemaName, job.TableName)
	if err != nil {
		return fmt.Errorf("syncpipeline: get sync status: %w", err)
	}
	var watermark time.Time
	if ok && status.LastSyncCompleted != nil {
		watermark = *status.LastSyncCompleted
	}

	updateColumn, err := p.resolveWatermarkColumn(ctx, job.SchemaName, job.TableName)
	if err != nil {
		return err
	}
	if updateColumn == "" {
		log.Warn().Str("schema", job.SchemaName).Str("table", job.TableName).
			Msg("syncpipeline: no timestamp column and could not add one, falling back to full sync")
		return p.fullSync(ctx, job)
	}

	pattern := p.lookupPattern(ctx, job.SchemaName, job.TableName)
	qCol, err := quoteIdent(updateColumn)
	if err != nil {
		return err
	}
	whereClause := fmt.Sprintf("%s > $1", qCol)

	total, err := p.countRows(ctx, job.SchemaName, job.TableName, whereClause, watermark)
	if err != nil {
		return err
	}
	job.TotalRows = total

	offset := 0
	for {
		rows, err := p.fetchPageSince(ctx, job.SchemaName, job.TableName, updateColumn, watermark, offset, p.pageSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		processed := p.processPage(ctx, job.SchemaName, job.TableName, pattern, rows)
		job.RowsProcessed += processed
		offset += len(rows)
		if len(rows) < p.pageSize {
			break
		}
	}
	return nil
}

// resolveWatermarkColumn picks an update column by preferred order,
// falling back to the first timestamp-typed column, and as a last
// resort attempts to add one.
func (p *Pipeline) resolveWatermarkColumn(ctx context.Context, schemaName, table string) (string, error) {
	cols, err := p.tableColumns(ctx, schemaName, table)
	if err != nil {
		return "", err
	}
	byName := make(map[string]columnInfo, len(cols))
	for _, c := range cols {
		byName[strings.ToLower(c.name)] = c
	}
	for _, candidate := range watermarkPreference {
		if c, ok := byName[candidate]; ok && isTimestampLike(c.dataType) {
			return c.name, nil
		}
	}
	for _, c := range cols {
		if isTimestampLike(c.dataType) {
			return c.name, nil
		}
	}
	return p.ensureTimestampColumn(ctx, schemaName, table)
}

func isTimestampLike(dataType string) bool {
	dt := strings.ToLower(dataType)
	return strings.Contains(dt, "timestamp") || strings.Contains(dt, "date")
}

// ensureTimestampColumn attempts to ALTER TABLE ADD COLUMN updated_at
// plus a BEFORE UPDATE trigger; on permission failure returns "" so the
// caller falls back to a full sync.
func (p *Pipeline) ensureTimestampColumn(ctx context.Context, schemaName, table string) (string, error) {
	qSchema, err := quoteIdent(schemaName)
	if err != nil {
		return "", err
	}
	qTable, err := quoteIdent(table)
	if err != nil {
		return "", err
	}

	alterSQL := fmt.Sprintf(
		`ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS updated_at TIMESTAMP DEFAULT NOW()`,
		qSchema, qTable,
	)
	if _, err := p.sourceDB.ExecContext(ctx, alterSQL); err != nil {
		log.Warn().Err(err).Str("schema", schemaName).Str("table", table).
			Msg("syncpipeline: could not add updated_at column, likely insufficient privileges")
		return "", nil
	}

	funcName := fmt.Sprintf("update_%s_updated_at", table)
	qFunc, err := quoteIdent(funcName)
	if err != nil {
		return "", err
	}
	funcSQL := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s.%s()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, qSchema, qFunc)
	if _, err := p.sourceDB.ExecContext(ctx, funcSQL); err != nil {
		return "", nil
	}

	triggerName := funcName
	qTrigger, err := quoteIdent(triggerName)
	if err != nil {
		return "", err
	}
	triggerSQL := fmt.Sprintf(`
		DROP TRIGGER IF EXISTS %s ON %s.%s;
		CREATE TRIGGER %s
			BEFORE UPDATE ON %s.%s
			FOR EACH ROW EXECUTE FUNCTION %s.%s()`,
		qTrigger, qSchema, qTable, qTrigger, qSchema, qTable, qSchema, qFunc)
	if _, err := p.sourceDB.ExecContext(ctx, triggerSQL); err != nil {
		return "", nil
	}

	log.Info().Str("schema", schemaName).Str("table", table).Msg("syncpipeline: added updated_at column and trigger")
	return "updated_at", nil
}

func (p *Pipeline) lookupPattern(ctx context.Context, schemaName, table string) models.TablePattern {
	schema, ok, err := p.registry.GetSchema(ctx, schemaName)
	if err != nil || !ok {
		return models.TablePattern{EntityType: "record"}
	}
	if pattern, ok := schema.LearnedPatterns[table]; ok {
		return pattern
	}
	return models.TablePattern{EntityType: "record"}
}

func (p *Pipeline) countRows(ctx context.Context, schemaName, table, whereClause string, args ...interface{}) (int, error) {
	qSchema, err := quoteIdent(schemaName)
	if err != nil {
		return 0, err
	}
	qTable, err := quoteIdent(table)
	if err != nil {
		return 0, err
	}
	sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", qSchema, qTable)
	if whereClause != "" {
		sqlStr += " WHERE " + whereClause
	}
	var n int
	if err := p.sourceDB.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("syncpipeline: count %s.%s: %w", schemaName, table, err)
	}
	return n, nil
}

func (p *Pipeline) fetchPage(ctx context.Context, schemaName, table, pk string, offset, limit int) ([]map[string]interface{}, error) {
	qSchema, err := quoteIdent(schemaName)
	if err != nil {
		return nil, err
	}
	qTable, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf("SELECT * FROM %s.%s", qSchema, qTable)
	if pk != "" {
		qPK, err := quoteIdent(pk)
		if err != nil {
			return nil, err
		}
		sqlStr += " ORDER BY " + qPK
	}
	sqlStr += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	return p.queryRows(ctx, sqlStr)
}

func (p *Pipeline) fetchPageSince(ctx context.Context, schemaName, table, updateColumn string, watermark time.Time, offset, limit int) ([]map[string]interface{}, error) {
	qSchema, err := quoteIdent(schemaName)
	if err != nil {
		return nil, err
	}
	qTable, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	qCol, err := quoteIdent(updateColumn)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf(
		"SELECT * FROM %s.%s WHERE %s > $1 ORDER BY %s LIMIT %d OFFSET %d",
		qSchema, qTable, qCol, qCol, limit, offset,
	)
	return p.queryRows(ctx, sqlStr, watermark)
}

func (p *Pipeline) queryRows(ctx context.Context, sqlStr string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := p.sourceDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("syncpipeline: query rows: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// processPage renders and sanitizes each row, submits the page to the
// embedding queue, waits, looks up vectors and upserts valid ones to the
// vector store. Returns the number of rows whose embedding was stored.
func (p *Pipeline) processPage(ctx context.Context, schemaName, table string, pattern models.TablePattern, rows []map[string]interface{}) int {
	ids := make([]string, len(rows))
	texts := make([]string, len(rows))
	metas := make([]map[string]interface{}, len(rows))

	for i, row := range rows {
		ids[i] = stableRowID(schemaName, table, pattern.PrimaryKey, row)
		texts[i] = renderRowToText(row, table, pattern)
		metas[i] = sanitizeMetadata(row)
	}

	batchID, err := p.queue.Submit(ctx, texts, metas)
	if err != nil {
		log.Error().Err(err).Msg("syncpipeline: submit page to embedding queue failed")
		return 0
	}
	if !p.queue.Wait(ctx, batchID, BatchWaitTimeout) {
		log.Warn().Str("schema", schemaName).Str("table", table).Msg("syncpipeline: batch wait timed out, skipping page")
		return 0
	}

	var toUpsert []models.Embedding
	for i, text := range texts {
		hash := hashText(text)
		vec, ok := p.queue.Lookup(ctx, hash)
		if !ok || !models.IsValidVector(vec, p.dims) {
			continue
		}
		toUpsert = append(toUpsert, models.Embedding{
			ID:         ids[i],
			SchemaName: schemaName,
			TableName:  table,
			Content:    text,
			Metadata:   metas[i],
			Vector:     vec,
		})
	}
	if len(toUpsert) == 0 {
		return 0
	}
	if err := p.store.UpsertMany(ctx, toUpsert); err != nil {
		log.Error().Err(err).Msg("syncpipeline: upsert_many failed")
		return 0
	}
	return len(toUpsert)
}

func hashText(text string) string {
	sum := md5.Sum([]byte(text + "|document"))
	return hex.EncodeToString(sum[:])
}

func stableRowID(schemaName, table, pk string, row map[string]interface{}) string {
	if pk != "" {
		if v, ok := row[pk]; ok && v != nil {
			return fmt.Sprintf("%s_%s_%v", schemaName, table, v)
		}
	}
	sum := md5.Sum([]byte(schemaName + table + renderRowToText(row, table, models.TablePattern{EntityType: "record"})))
	return hex.EncodeToString(sum[:])
}

// renderRowToText is the deterministic projection of a row to prose.
func renderRowToText(row map[string]interface{}, table string, pattern models.TablePattern) string {
	var parts []string
	if pattern.EntityType != "" && pattern.EntityType != "record" {
		parts = append(parts, fmt.Sprintf("This is a %s from %s", pattern.EntityType, table))
	}

	important := make(map[string]bool)
	var importantOrder []string
	for _, f := range pattern.DisplayFields {
		if !important[f] {
			important[f] = true
			importantOrder = append(importantOrder, f)
		}
	}
	for _, f := range pattern.SearchableFields {
		if !important[f] {
			important[f] = true
			importantOrder = append(importantOrder, f)
		}
	}
	if len(importantOrder) > 5 {
		importantOrder = importantOrder[:5]
	}
	headSet := make(map[string]bool, len(importantOrder))
	for _, f := range importantOrder {
		headSet[f] = true
	}

	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var head, tail []string
	for _, key := range keys {
		value := row[key]
		if value == nil || strings.HasPrefix(key, "_") {
			continue
		}
		if b, ok := value.([]byte); ok {
			_ = b
			continue
		}
		label := formatFieldLabel(key, pattern.Terminology)
		text := formatFieldValue(value)
		segment := fmt.Sprintf("%s: %s", label, text)
		if headSet[key] {
			head = append(head, segment)
		} else {
			tail = append(tail, segment)
		}
	}

	parts = append(parts, head...)
	parts = append(parts, tail...)
	if len(parts) > 20 {
		parts = parts[:20]
	}
	return strings.Join(parts, ". ")
}

func formatFieldLabel(key string, terminology map[string]string) string {
	if terminology != nil {
		if label, ok := terminology[key]; ok {
			return label
		}
	}
	return strings.ReplaceAll(key, "_", " ")
}

func formatFieldValue(value interface{}) string {
	switch v := value.(type) {
	case time.Time:
		return v.Format(time.RFC3339)
	case string:
		if len(v) > 1000 {
			return v[:1000] + "..."
		}
		return v
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 1000 {
			s = s[:1000] + "..."
		}
		return s
	}
}

// sanitizeMetadata keeps metadata scalar-typed: strings <=1000 chars,
// timestamps as ISO-8601, decimals as floats, binaries replaced by
// <binary:N>.
func sanitizeMetadata(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for key, value := range row {
		switch v := value.(type) {
		case nil:
			out[key] = nil
		case string:
			if len(v) > 1000 {
				out[key] = v[:1000] + "..."
			} else {
				out[key] = v
			}
		case time.Time:
			out[key] = v.Format(time.RFC3339)
		case []byte:
			out[key] = fmt.Sprintf("<binary:%d>", len(v))
		case bool, int, int32, int64, float32, float64:
			out[key] = v
		default:
			out[key] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
