// Package chat implements the chat orchestrator: it validates input,
// selects the active schema, optionally decomposes a multi-part query,
// dispatches each sub-query through the query router, hybrid search, or
// an LLM-generated-SQL branch, and composes the final answer.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atabot/ragengine/internal/llm"
	"github.com/atabot/ragengine/internal/router"
	"github.com/atabot/ragengine/internal/search"
	"github.com/atabot/ragengine/pkg/models"
)

// MaxQueryLength is the input-validation ceiling.
const MaxQueryLength = 1000

var (
	ErrEmptyQuery     = errors.New("chat: query must not be empty")
	ErrQueryTooLong   = errors.New("chat: query exceeds maximum length")
	ErrNoActiveSchema = errors.New("chat: no active schema")
)

// SchemaLookup is the narrow persistence surface the orchestrator needs for schema
// selection.
type SchemaLookup interface {
	GetSchema(ctx context.Context, schemaName string) (*models.ManagedSchema, bool, error)
	ListActiveSchemas(ctx context.Context) ([]models.ManagedSchema, error)
}

// QueryLogger persists the best-effort observability record.
type QueryLogger interface {
	PutQueryLog(ctx context.Context, entry models.QueryLog) error
}

// InjectionFilter is an external collaborator; only its pass/fail
// contract is defined here. New substitutes AllowAllFilter when given a
// nil filter, which is what cmd/server passes.
type InjectionFilter interface {
	CheckInput(ctx context.Context, text string) (ok bool, reason string)
	CheckOutput(ctx context.Context, text string) (ok bool, reason string)
}

// AllowAllFilter never rejects. Used when no filter is configured.
type AllowAllFilter struct{}

func (AllowAllFilter) CheckInput(ctx context.Context, text string) (bool, string)  { return true, "" }
func (AllowAllFilter) CheckOutput(ctx context.Context, text string) (bool, string) { return true, "" }

// Request is the inbound shape of a chat call.
type Request struct {
	Query          string
	SessionID      string
	Schema         string
	TableHint      string
	TopK           int
	IncludeSources bool
}

// Response is the outbound shape of a chat call.
type Response struct {
	Answer         string          `json:"answer"`
	Sources        []search.Result `json:"sources,omitempty"`
	SessionID      string          `json:"session_id"`
	ProcessingTime time.Duration   `json:"processing_time_ns"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Rejected       bool            `json:"rejected,omitempty"`
}

// Orchestrator drives the full chat pipeline.
type Orchestrator struct {
	search               *search.Manager
	llmProvider          llm.Provider
	registry             SchemaLookup
	logger               QueryLogger
	filter               InjectionFilter
	sourceDB             *sql.DB
	sessions             *SessionStore
	decompositionEnabled bool
}

// New builds an Orchestrator. llmProvider may be nil — branches that would consult
// it fall back to rule-based behaviour.
func New(searchMgr *search.Manager, llmProvider llm.Provider, registry SchemaLookup, logger QueryLogger, filter InjectionFilter, sourceDB *sql.DB, decompositionEnabled bool) *Orchestrator {
	if filter == nil {
		filter = AllowAllFilter{}
	}
	return &Orchestrator{
		search:               searchMgr,
		llmProvider:          llmProvider,
		registry:             registry,
		logger:               logger,
		filter:               filter,
		sourceDB:             sourceDB,
		sessions:             NewSessionStore(),
		decompositionEnabled: decompositionEnabled,
	}
}

// Sessions exposes the session store for the HTTP surface's history
// endpoints.
func (o *Orchestrator) Sessions() *SessionStore { return o.sessions }

// Process runs one query through the full chat pipeline.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if len(query) > MaxQueryLength {
		return nil, ErrQueryTooLong
	}

	sess := o.sessions.GetOrCreate(req.SessionID)

	if ok, reason := o.filter.CheckInput(ctx, query); !ok {
		log.Warn().Str("session", sess.ID).Str("reason", reason).Msg("chat: input rejected by injection filter")
		return &Response{
			Answer:         safeRejectionAnswer(query),
			SessionID:      sess.ID,
			ProcessingTime: time.Since(start),
			Rejected:       true,
		}, nil
	}

	schemaName, err := o.selectSchema(ctx, req.Schema, sess)
	if err != nil {
		return nil, err
	}
	sess.ActiveSchema = schemaName

	intent := analyzeIntent(query)

	subQueries := []string{query}
	if o.decompositionEnabled && intent.NeedsDecomposition {
		subQueries = o.decompose(ctx, query)
	}

	var allSources []search.Result
	subAnswers := make([]string, 0, len(subQueries))
	for _, sq := range subQueries {
		answer, sources := o.processSubQuery(ctx, schemaName, sq, req.TopK, req.TableHint)
		subAnswers = append(subAnswers, answer)
		allSources = append(allSources, sources...)
	}

	finalAnswer := o.composeAnswer(ctx, query, subAnswers)

	if ok, reason := o.filter.CheckOutput(ctx, finalAnswer); !ok {
		log.Warn().Str("session", sess.ID).Str("reason", reason).Msg("chat: output rejected by injection filter")
		finalAnswer = safeRejectionAnswer(query)
		sess.appendHistory(query, finalAnswer)
		return &Response{Answer: finalAnswer, SessionID: sess.ID, ProcessingTime: time.Since(start), Rejected: true}, nil
	}

	sess.appendHistory(query, finalAnswer)

	if o.logger != nil {
		if err := o.logger.PutQueryLog(ctx, models.QueryLog{
			SessionID:      sess.ID,
			Query:          query,
			ResponseTimeMS: time.Since(start).Milliseconds(),
		}); err != nil {
			log.Warn().Err(err).Msg("chat: best-effort query log write failed")
		}
	}

	resp := &Response{
		Answer:         finalAnswer,
		SessionID:      sess.ID,
		ProcessingTime: time.Since(start),
		Metadata:       map[string]any{"schema": schemaName, "sub_queries": len(subQueries)},
	}
	if req.IncludeSources {
		resp.Sources = allSources
	}
	return resp, nil
}

// selectSchema resolves the schema cascade: explicit request, then the
// session's active schema, then the first active registered schema.
func (o *Orchestrator) selectSchema(ctx context.Context, requested string, sess *Session) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if sess.ActiveSchema != "" {
		return sess.ActiveSchema, nil
	}
	active, err := o.registry.ListActiveSchemas(ctx)
	if err != nil {
		return "", fmt.Errorf("chat: list active schemas: %w", err)
	}
	if len(active) == 0 {
		return "", ErrNoActiveSchema
	}
	return active[0].SchemaName, nil
}

// Intent is the coarse intent vector computed before dispatch.
type Intent struct {
	Aggregation        bool
	Comparison         bool
	Listing            bool
	Search             bool
	NeedsDecomposition bool
}

var (
	aggregationIntentRe = regexp.MustCompile(`(?i)count|jumlah|berapa banyak|how many|total|sum|average|avg|rata-rata`)
	comparisonIntentRe  = regexp.MustCompile(`(?i)\bvs\b|versus|compared to|dibandingkan|lebih (banyak|sedikit|tinggi|rendah) dari`)
	listingIntentRe     = regexp.MustCompile(`(?i)\blist\b|\bshow\b|tampilkan|tunjukkan`)
	conjunctionRe       = regexp.MustCompile(`(?i)\b(and|dan)\b`)
	multiEntityRe       = regexp.MustCompile(`(?i)\b(and|dan|,)\b.*\b(and|dan)\b`)
	splitRe             = regexp.MustCompile(`(?i)\b(and|dan|vs|versus|compared to|dibandingkan)\b`)
)

// analyzeIntent computes the coarse intent vector and a decomposition
// hint from the presence of conjunctions, comparisons and multiple
// entities.
func analyzeIntent(query string) Intent {
	comparison := comparisonIntentRe.MatchString(query)
	return Intent{
		Aggregation:        aggregationIntentRe.MatchString(query),
		Comparison:         comparison,
		Listing:            listingIntentRe.MatchString(query),
		Search:             true,
		NeedsDecomposition: comparison || conjunctionRe.MatchString(query) || multiEntityRe.MatchString(query),
	}
}

// decompose asks the LLM for a JSON array of sub-questions, falling
// back to a rule-based conjunction/comparison splitter.
func (o *Orchestrator) decompose(ctx context.Context, query string) []string {
	if o.llmProvider != nil {
		out, err := o.llmProvider.Complete(ctx, []llm.Message{
			{Role: "system", Content: "Split the user's question into a JSON array of independent sub-questions. Respond with only the JSON array."},
			{Role: "user", Content: query},
		})
		if err == nil {
			if parts := parseJSONStringArray(out); len(parts) > 0 {
				return parts
			}
		}
		log.Warn().Err(err).Msg("chat: LLM decomposition failed, falling back to rule-based split")
	}
	return ruleBasedSplit(query)
}

// ruleBasedSplit splits on conjunctions and comparison words.
func ruleBasedSplit(query string) []string {
	parts := splitRe.Split(query, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{query}
	}
	return out
}

// composeAnswer recomposes sub-answers via the LLM, falling back to
// concatenation.
func (o *Orchestrator) composeAnswer(ctx context.Context, originalQuery string, subAnswers []string) string {
	if len(subAnswers) == 1 {
		return subAnswers[0]
	}
	if o.llmProvider != nil {
		prompt := fmt.Sprintf("Question: %s\nPartial answers:\n- %s\nCompose one concise final answer.",
			originalQuery, strings.Join(subAnswers, "\n- "))
		out, err := o.llmProvider.Complete(ctx, []llm.Message{
			{Role: "system", Content: "You combine partial answers into one concise response."},
			{Role: "user", Content: prompt},
		})
		if err == nil && strings.TrimSpace(out) != "" {
			return out
		}
		log.Warn().Err(err).Msg("chat: LLM answer composition failed, falling back to concatenation")
	}
	return strings.Join(subAnswers, " ")
}

// processSubQuery dispatches one sub-question to the join planner, a
// SQL template or LLM-generated SQL, or hybrid search.
func (o *Orchestrator) processSubQuery(ctx context.Context, schemaName, query string, topK int, tableHint string) (string, []search.Result) {
	if tables, ok := o.detectJoinOpportunity(ctx, schemaName, query); ok {
		rows, err := o.executeJoin(ctx, schemaName, tables)
		if err != nil {
			log.Error().Err(err).Strs("tables", tables).Msg("chat: join execution failed")
			return o.noDataAnswer(query), nil
		}
		return o.generateAnswerFromRows(ctx, query, rows), nil
	}

	intent := analyzeIntent(query)
	classification := router.Classify(query, tableHint)

	if classification.SearchHints != nil {
		return o.hybridSearchBranch(ctx, schemaName, classification.SearchHints.Term, topK)
	}

	if intent.Aggregation || intent.Comparison {
		if !classification.NeedsLLM && classification.SQLTemplate != "" {
			rows, err := o.executeSQL(ctx, classification.SQLTemplate)
			if err != nil {
				log.Error().Err(err).Msg("chat: template SQL execution failed")
				return o.noDataAnswer(query), nil
			}
			return o.generateAnswerFromRows(ctx, query, rows), nil
		}

		sqlStr, err := o.generateSQLViaLLM(ctx, schemaName, query)
		if err == nil {
			if verr := validateSQL(sqlStr); verr != nil {
				log.Warn().Err(verr).Str("sql", sqlStr).Msg("chat: rejected dangerous LLM-generated SQL")
			} else {
				rows, execErr := o.executeSQL(ctx, sqlStr)
				if execErr != nil {
					log.Error().Err(execErr).Msg("chat: LLM-generated SQL execution failed")
					return o.noDataAnswer(query), nil
				}
				return o.generateAnswerFromRows(ctx, query, rows), nil
			}
		}
	}

	return o.hybridSearchBranch(ctx, schemaName, query, topK)
}

func (o *Orchestrator) hybridSearchBranch(ctx context.Context, schemaName, query string, topK int) (string, []search.Result) {
	results, err := o.search.Search(ctx, search.Params{Query: query, Schema: schemaName, TopK: topK})
	if err != nil {
		log.Error().Err(err).Msg("chat: hybrid search failed")
		return o.noDataAnswer(query), nil
	}
	if len(results) == 0 {
		return o.noDataAnswer(query), nil
	}
	return o.generateAnswerFromSearch(ctx, query, results), results
}

// noDataAnswer implements the "No-data" taxonomy row: a
// canned answer in the user's detected language.
func (o *Orchestrator) noDataAnswer(query string) string {
	if isIndonesian(query) {
		return "Maaf, tidak ditemukan data yang relevan untuk pertanyaan ini."
	}
	return "Sorry, no relevant data was found for this question."
}

func safeRejectionAnswer(query string) string {
	if isIndonesian(query) {
		return "Maaf, permintaan ini tidak dapat diproses."
	}
	return "Sorry, this request could not be processed."
}

var indonesianHintRe = regexp.MustCompile(`(?i)\b(yang|dan|berapa|dengan|tampilkan|tunjukkan|stok|harga|cari)\b`)

func isIndonesian(query string) bool {
	return indonesianHintRe.MatchString(query)
}

// generateAnswerFromRows asks the LLM to summarize tabular rows,
// falling back to a count-only templated sentence when no LLM is
// configured.
func (o *Orchestrator) generateAnswerFromRows(ctx context.Context, query string, rows []map[string]interface{}) string {
	if len(rows) == 0 {
		return o.noDataAnswer(query)
	}
	if o.llmProvider != nil {
		out, err := o.llmProvider.Complete(ctx, []llm.Message{
			{Role: "system", Content: "Answer the question concisely using only the provided data rows."},
			{Role: "user", Content: fmt.Sprintf("Question: %s\nRows: %v", query, rows)},
		})
		if err == nil && strings.TrimSpace(out) != "" {
			return out
		}
	}
	return fmt.Sprintf("Found %d matching row(s).", len(rows))
}

func (o *Orchestrator) generateAnswerFromSearch(ctx context.Context, query string, results []search.Result) string {
	if o.llmProvider != nil {
		var b strings.Builder
		for i, r := range results {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", r.Content)
		}
		out, err := o.llmProvider.Complete(ctx, []llm.Message{
			{Role: "system", Content: "Answer the question concisely using only the provided context."},
			{Role: "user", Content: fmt.Sprintf("Question: %s\nContext:\n%s", query, b.String())},
		})
		if err == nil && strings.TrimSpace(out) != "" {
			return out
		}
	}
	return results[0].Content
}

// --- multi-table join planning ---

// detectJoinOpportunity looks for two or more table names (from the
// schema's learned patterns) mentioned in the query. No cost model: the
// first FK path found is used.
func (o *Orchestrator) detectJoinOpportunity(ctx context.Context, schemaName, query string) ([]string, bool) {
	schema, found, err := o.registry.GetSchema(ctx, schemaName)
	if err != nil || !found || len(schema.LearnedPatterns) < 2 {
		return nil, false
	}
	lower := strings.ToLower(query)
	var mentioned []string
	for table := range schema.LearnedPatterns {
		if strings.Contains(lower, strings.ToLower(table)) {
			mentioned = append(mentioned, table)
		}
	}
	if len(mentioned) < 2 {
		return nil, false
	}
	return mentioned, true
}

// executeJoin builds a LEFT JOIN chain through the first FK path found
// between tables[0] and each subsequent table (singular-name + "_id"
// heuristic).
func (o *Orchestrator) executeJoin(ctx context.Context, schemaName string, tables []string) ([]map[string]interface{}, error) {
	base, ok := quoteIdent(tables[0])
	if !ok {
		return nil, fmt.Errorf("chat: unsafe table identifier %q", tables[0])
	}
	schemaIdent, ok := quoteIdent(schemaName)
	if !ok {
		return nil, fmt.Errorf("chat: unsafe schema identifier %q", schemaName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s.%s AS t0", schemaIdent, base)
	for i, t := range tables[1:] {
		quoted, ok := quoteIdent(t)
		if !ok {
			return nil, fmt.Errorf("chat: unsafe table identifier %q", t)
		}
		fkCol := singularize(tables[0]) + "_id"
		fkIdent, ok := quoteIdent(fkCol)
		if !ok {
			return nil, fmt.Errorf("chat: unsafe column identifier %q", fkCol)
		}
		fmt.Fprintf(&b, " LEFT JOIN %s.%s AS t%d ON t%d.%s = t0.id", schemaIdent, quoted, i+1, i+1, fkIdent)
	}
	b.WriteString(" LIMIT 100")

	return o.executeSQL(ctx, b.String())
}

func singularize(table string) string {
	if strings.HasSuffix(table, "s") && len(table) > 1 {
		return table[:len(table)-1]
	}
	return table
}

// --- LLM-generated SQL branch ---

var dangerousSQLRe = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER|CREATE|INSERT|UPDATE)\b`)

// validateSQL rejects any statement containing a mutating verb.
func validateSQL(sqlStr string) error {
	if dangerousSQLRe.MatchString(sqlStr) {
		return fmt.Errorf("chat: dangerous SQL rejected")
	}
	return nil
}

// generateSQLViaLLM asks the LLM for a SELECT statement given a compact
// schema summary.
func (o *Orchestrator) generateSQLViaLLM(ctx context.Context, schemaName, query string) (string, error) {
	if o.llmProvider == nil {
		return "", fmt.Errorf("chat: no LLM provider configured")
	}
	schema, found, err := o.registry.GetSchema(ctx, schemaName)
	if err != nil || !found {
		return "", fmt.Errorf("chat: schema %s not found", schemaName)
	}
	var summary strings.Builder
	for table, pattern := range schema.LearnedPatterns {
		fmt.Fprintf(&summary, "%s(%s) ", table, strings.Join(pattern.DisplayFields, ","))
	}
	out, err := o.llmProvider.Complete(ctx, []llm.Message{
		{Role: "system", Content: "Generate a single read-only PostgreSQL SELECT statement answering the question. Respond with only the SQL."},
		{Role: "user", Content: fmt.Sprintf("Schema %s tables: %s\nQuestion: %s", schemaName, summary.String(), query)},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stripCodeFence(out)), nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```sql")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// executeSQL runs a read-only query against the source database and
// returns each row as a column-name-keyed map.
func (o *Orchestrator) executeSQL(ctx context.Context, sqlStr string) ([]map[string]interface{}, error) {
	rows, err := o.sourceDB.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("chat: execute sql: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
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
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteIdent(name string) (string, bool) {
	if !identRe.MatchString(name) {
		return "", false
	}
	return `"` + name + `"`, true
}

// parseJSONStringArray parses out a JSON array of strings from LLM
// output, tolerating surrounding prose or code fences.
func parseJSONStringArray(s string) []string {
	s = stripCodeFence(s)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < 0 || end < start {
		return nil
	}
	body := s[start+1 : end]
	var out []string
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, `"`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
