// Package syncpipeline implements the sync pipeline: for a given
// (schema, table) it streams rows in pages, renders each to
// searchable text, submits the page to the Embedding Queue, and stores
// the resulting vectors via the Vector Store. It owns ManagedSchema and
// SyncStatus bookkeeping and the job registry behind job_status(job_id).
package syncpipeline

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atabot/ragengine/internal/embedding"
	"github.com/atabot/ragengine/internal/vector"
	"github.com/atabot/ragengine/pkg/models"
)

// Mode is the sync strategy for a table.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// PageSize is the default page size for streaming rows.
const PageSize = 500

// DefaultMaxWorkers bounds concurrent sync jobs; they still funnel all
// embedding work through the single queue processor.
const DefaultMaxWorkers = 4

// BatchWaitTimeout is the default wait for a submitted page's embedding
// batch to resolve.
const BatchWaitTimeout = 300 * time.Second

var watermarkPreference = []string{"updated_at", "modified_at", "changed_at", "last_modified", "created_at"}

// identRe validates a single SQL identifier segment before it is
// interpolated — PostgreSQL doesn't support parameterised identifiers,
// so table/column/schema names are quoted and validated instead of
// concatenated raw.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("syncpipeline: unsafe identifier %q", name)
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
}

// SchemaRegistry is the narrow persistence surface this package needs
// for ManagedSchema and SyncStatus bookkeeping.
type SchemaRegistry interface {
	GetSchema(ctx context.Context, schemaName string) (*models.ManagedSchema, bool, error)
	RegisterSchema(ctx context.Context, schema models.ManagedSchema) error
	GetSyncStatus(ctx context.Context, schemaName, tableName string) (*models.SyncStatus, bool, error)
	PutSyncStatus(ctx context.Context, status models.SyncStatus) error
}

// Pipeline drives table syncs. sourceDB is the connection used to read arbitrary
// source tables (assumed colocated with the atabot control tables, as
// is typical for this architecture).
type Pipeline struct {
	sourceDB *sql.DB
	store    vector.Store
	queue    *embedding.Queue
	registry SchemaRegistry
	dims     int
	pageSize int
	sem      chan struct{}

	mu   sync.Mutex
	jobs map[string]*models.SyncJob
}

// Options sizes a Pipeline.
type Options struct {
	Dims       int // embedding width, used to validate vectors before upsert
	PageSize   int // rows fetched per page; <=0 selects PageSize
	MaxWorkers int // concurrently running sync jobs; <=0 selects DefaultMaxWorkers
}

// New builds a Pipeline.
func New(sourceDB *sql.DB, store vector.Store, queue *embedding.Queue, registry SchemaRegistry, opts Options) *Pipeline {
	if opts.PageSize <= 0 {
		opts.PageSize = PageSize
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	return &Pipeline{
		sourceDB: sourceDB,
		store:    store,
		queue:    queue,
		registry: registry,
		dims:     opts.Dims,
		pageSize: opts.PageSize,
		sem:      make(chan struct{}, opts.MaxWorkers),
		jobs:     make(map[string]*models.SyncJob),
	}
}

func newJobID(schema, table string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s.%s-%d", schema, table, time.Now().UnixNano())))
	return hex.EncodeToString(sum[:])[:16]
}

// JobStatus implements job_status(job_id).
func (p *Pipeline) JobStatus(jobID string) (*models.SyncJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[jobID]
	return j, ok
}

// ListJobs returns every job this process has observed, most recent
// first, for the HTTP surface's GET /sync/jobs.
func (p *Pipeline) ListJobs() []*models.SyncJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.SyncJob, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ListTables exposes the source database's table list for a schema, used
// by the HTTP surface's GET /schemas/{name}/tables.
func (p *Pipeline) ListTables(ctx context.Context, schemaName string) ([]string, error) {
	return p.listTables(ctx, schemaName)
}

// ClearCache implements DELETE /sync/cache: it drops every embedding for
// (schema, table) so the next sync re-renders and re-embeds from
// scratch. table == "" clears the whole schema.
func (p *Pipeline) ClearCache(ctx context.Context, schemaName, table string) error {
	if err := p.store.DeleteBySchemaTable(ctx, schemaName, table); err != nil {
		return fmt.Errorf("syncpipeline: clear cache %s/%s: %w", schemaName, table, err)
	}
	return nil
}

// ProcessRealtimeChange is the single-row realtime path: a caller-owned
// change-data-capture trigger feeds
// one row at a time through the same render/embed/upsert path the bulk
// sync uses. op "delete" removes the row instead.
func (p *Pipeline) ProcessRealtimeChange(ctx context.Context, schemaName, table, op string, row map[string]interface{}) error {
	pattern := p.lookupPattern(ctx, schemaName, table)

	if op == "delete" {
		id := stableRowID(schemaName, table, pattern.PrimaryKey, row)
		if err := p.store.DeleteByID(ctx, id); err != nil {
			return fmt.Errorf("syncpipeline: realtime delete %s/%s: %w", schemaName, table, err)
		}
		return nil
	}

	if n := p.processPage(ctx, schemaName, table, pattern, []map[string]interface{}{row}); n != 1 {
		return fmt.Errorf("syncpipeline: realtime upsert %s/%s did not embed the row", schemaName, table)
	}
	return nil
}

// SyncTable implements sync_table(schema, table, mode): spawns the job
// in the background and returns its id immediately.
func (p *Pipeline) SyncTable(ctx context.Context, schema, table string, mode Mode) (string, error) {
	if err := p.ensureSchemaRegistered(ctx, schema, []string{table}); err != nil {
		return "", err
	}

	job := &models.SyncJob{
		ID:         newJobID(schema, table),
		SchemaName: schema,
		TableName:  table,
		Mode:       string(mode),
		State:      models.SyncPending,
		StartedAt:  time.Now(),
	}
	p.mu.Lock()
	p.jobs[job.ID] = job
	p.mu.Unlock()

	go p.runTableSync(context.WithoutCancel(ctx), job, mode)
	return job.ID, nil
}

// SyncSchema implements sync_schema(schema, tables?, mode): one job per
// table, all funnelled through the single queue processor.
func (p *Pipeline) SyncSchema(ctx context.Context, schemaName string, tables []string, mode Mode) ([]string, error) {
	if len(tables) == 0 {
		discovered, err := p.listTables(ctx, schemaName)
		if err != nil {
			return nil, err
		}
		tables = discovered
	}
	jobIDs := make([]string, 0, len(tables))
	for _, t := range tables {
		id, err := p.SyncTable(ctx, schemaName, t, mode)
		if err != nil {
			log.Error().Err(err).Str("schema", schemaName).Str("table", t).Msg("syncpipeline: failed to start table sync")
			continue
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, nil
}

func (p *Pipeline) finishJob(job *models.SyncJob, state models.SyncState, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	job.State = state
	job.FinishedAt = &now
	job.Error = errMsg
}

func (p *Pipeline) runTableSync(ctx context.Context, job *models.SyncJob, mode Mode) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	p.mu.Lock()
	job.State = models.SyncRunning
	p.mu.Unlock()

	var err error
	switch mode {
	case ModeIncremental:
		err = p.incrementalSync(ctx, job)
	default:
		err = p.fullSync(ctx, job)
	}
	if err != nil {
		log.Error().Err(err).Str("schema", job.SchemaName).Str("table", job.TableName).Msg("syncpipeline: sync job failed")
		p.finishJob(job, models.SyncFailed, err.Error())

		// Record the failure without touching the watermark: it only
		// advances on successful completion.
		status := models.SyncStatus{
			SchemaName: job.SchemaName,
			TableName:  job.TableName,
			State:      models.SyncFailed,
			LastError:  err.Error(),
		}
		if prev, ok, gerr := p.registry.GetSyncStatus(ctx, job.SchemaName, job.TableName); gerr == nil && ok {
			status.LastSyncCompleted = prev.LastSyncCompleted
			status.RowsSynced = prev.RowsSynced
			status.RealtimeEnabled = prev.RealtimeEnabled
		}
		_ = p.registry.PutSyncStatus(ctx, status)
		return
	}
	p.finishJob(job, models.SyncCompleted, "")

	status := models.SyncStatus{
		SchemaName:        job.SchemaName,
		TableName:         job.TableName,
		State:             models.SyncCompleted,
		LastSyncCompleted: ptrTime(time.Now()),
		RowsSynced:        job.RowsProcessed,
	}
	if prev, ok, gerr := p.registry.GetSyncStatus(ctx, job.SchemaName, job.TableName); gerr == nil && ok {
		status.RealtimeEnabled = prev.RealtimeEnabled
	}
	_ = p.registry.PutSyncStatus(ctx, status)
}

func ptrTime(t time.Time) *time.Time { return &t }

// ensureSchemaRegistered implements the "minimal registration" pre-
// condition: entity_type=record, first <=3 textual columns
// as display/searchable, primary-key heuristic id|uuid|*_id|*serial.
func (p *Pipeline) ensureSchemaRegistered(ctx context.Context, schemaName string, tables []string) error {
	if _, ok, err := p.registry.GetSchema(ctx, schemaName); err != nil {
		return fmt.Errorf("syncpipeline: get schema %s: %w", schemaName, err)
	} else if ok {
		return nil
	}

	patterns := make(map[string]models.TablePattern)
	for _, table := range tables {
		cols, err := p.tableColumns(ctx, schemaName, table)
		if err != nil {
			return err
		}
		patterns[table] = defaultTablePattern(cols)
	}

	return p.registry.RegisterSchema(ctx, models.ManagedSchema{
		SchemaName:      schemaName,
		DisplayName:     schemaName,
		IsActive:        true,
		LearnedPatterns: patterns,
		TotalTables:     len(tables),
	})
}

// AnalyzeSchema (re)computes default table patterns for every table in
// schemaName and registers or updates the ManagedSchema row — the HTTP
// surface's POST /schemas/{name}/analyze. Unlike ensureSchemaRegistered
// it always recomputes, even for an already-registered schema.
func (p *Pipeline) AnalyzeSchema(ctx context.Context, schemaName string) (*models.ManagedSchema, error) {
	tables, err := p.listTables(ctx, schemaName)
	if err != nil {
		return nil, err
	}

	patterns := make(map[string]models.TablePattern, len(tables))
	for _, table := range tables {
		cols, err := p.tableColumns(ctx, schemaName, table)
		if err != nil {
			return nil, err
		}
		patterns[table] = defaultTablePattern(cols)
	}

	existing, found, err := p.registry.GetSchema(ctx, schemaName)
	isActive := true
	displayName := schemaName
	if err == nil && found {
		isActive = existing.IsActive
		displayName = existing.DisplayName
	}

	schema := models.ManagedSchema{
		SchemaName:      schemaName,
		DisplayName:     displayName,
		IsActive:        isActive,
		LearnedPatterns: patterns,
		TotalTables:     len(tables),
	}
	if err := p.registry.RegisterSchema(ctx, schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// ActivateSchema flips a registered schema's IsActive flag — the HTTP
// surface's POST /schemas/{name}/activate.
func (p *Pipeline) ActivateSchema(ctx context.Context, schemaName string, active bool) error {
	schema, found, err := p.registry.GetSchema(ctx, schemaName)
	if err != nil {
		return fmt.Errorf("syncpipeline: get schema %s: %w", schemaName, err)
	}
	if !found {
		return fmt.Errorf("syncpipeline: schema %s is not registered", schemaName)
	}
	schema.IsActive = active
	return p.registry.RegisterSchema(ctx, *schema)
}

func defaultTablePattern(cols []columnInfo) models.TablePattern {
	pattern := models.TablePattern{EntityType: "record"}
	for _, c := range cols {
		if isPrimaryKeyLike(c) && pattern.PrimaryKey == "" {
			pattern.PrimaryKey = c.name
		}
	}
	for _, c := range cols {
		if len(pattern.DisplayFields) >= 3 {
			break
		}
		if isTextual(c.dataType) {
			pattern.DisplayFields = append(pattern.DisplayFields, c.name)
			pattern.SearchableFields = append(pattern.SearchableFields, c.name)
		}
	}
	return pattern
}

func isPrimaryKeyLike(c columnInfo) bool {
	name := strings.ToLower(c.name)
	if name == "id" || name == "uuid" || name == "guid" {
		return true
	}
	if strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "_uuid") {
		return true
	}
	return strings.Contains(strings.ToLower(c.dataType), "serial")
}

func isTextual(dataType string) bool {
	dt := strings.ToLower(dataType)
	return strings.Contains(dt, "char") || strings.Contains(dt, "text")
}

type columnInfo struct {
	name     string
	dataType string
}

func (p *Pipeline) tableColumns(ctx context.Context, schemaName, table string) ([]columnInfo, error) {
	rows, err := p.sourceDB.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("syncpipeline: list columns for %s.%s: %w", schemaName, table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var c columnInfo
		if err := rows.Scan(&c.name, &c.dataType); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (p *Pipeline) listTables(ctx context.Context, schemaName string) ([]string, error) {
	rows, err := p.sourceDB.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("syncpipeline: list tables for %s: %w", schemaName, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// marshalPatterns round-trips a ManagedSchema's learned patterns through
// JSON, since models.JSONMap only holds scalar-ish values and
// TablePattern is a structured type.
func marshalPatterns(patterns map[string]models.TablePattern) (models.JSONMap, error) {
	raw, err := json.Marshal(patterns)
	if err != nil {
		return nil, err
	}
	var m models.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
