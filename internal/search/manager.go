// Package search implements the hybrid search engine: given a query it
// takes an aggregation shortcut when the query is a superlative, a
// keyword-only fallback for short product-like queries, or a vector path
// that blends cosine similarity with a lexical content boost.
package search

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/atabot/ragengine/internal/embedding"
	"github.com/atabot/ragengine/internal/vector"
	"github.com/atabot/ragengine/pkg/models"
)

// DefaultMinSimilarity is applied when a caller doesn't specify one.
const DefaultMinSimilarity = 0.5

// queryEmbedTimeout bounds how long the vector path waits for a query
// embedding to resolve through the queue before giving up. Short on
// purpose: a query is interactive, not a bulk sync page.
const queryEmbedTimeout = 30 * time.Second

// vectorSearchSlack is the multiplier of extra results the store is
// asked for, leaving slack to re-rank before truncating to top_k.
const vectorSearchSlack = 2

// Source identifies where a ranked result came from.
type Source struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	ID     string `json:"id"`
}

// Result is one ranked hit, annotated with its origin.
type Result struct {
	models.SearchResult
	Source Source `json:"source"`
}

// Params is a Hybrid Search request.
type Params struct {
	Query         string
	Schema        string
	Table         string // optional: "" searches every table in Schema
	TopK          int
	Filters       []models.MetadataFilter
	MinSimilarity float64
}

// Metrics tracks which search branch answered each query, as plain
// atomic counters for low-overhead concurrent updates.
type Metrics struct {
	AggregationHits int64
	KeywordHits     int64
	VectorSearches  int64
	CoalescedCalls  int64
	SearchErrors    int64
}

// GetStats renders the counters as a plain map.
func (m *Metrics) GetStats() map[string]any {
	return map[string]any{
		"aggregation_hits": atomic.LoadInt64(&m.AggregationHits),
		"keyword_hits":     atomic.LoadInt64(&m.KeywordHits),
		"vector_searches":  atomic.LoadInt64(&m.VectorSearches),
		"coalesced_calls":  atomic.LoadInt64(&m.CoalescedCalls),
		"search_errors":    atomic.LoadInt64(&m.SearchErrors),
	}
}

// Manager is the hybrid search engine. Concurrent identical queries
// (same schema/table/query) are coalesced through a singleflight.Group
// on the vector-search leg.
type Manager struct {
	store   vector.Store
	queue   *embedding.Queue
	metrics *Metrics
	hybrid  bool
	group   singleflight.Group
}

// NewManager builds a Manager over a vector store and the shared
// embedding queue, used for the query-vector leg. With hybrid disabled,
// the keyword fallback and content-boost blending are skipped and
// results carry raw cosine similarity.
func NewManager(store vector.Store, queue *embedding.Queue, hybrid bool) *Manager {
	return &Manager{
		store:   store,
		queue:   queue,
		metrics: &Metrics{},
		hybrid:  hybrid,
	}
}

// Metrics exposes the counters, e.g. for /metrics.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Search ranks stored rows against a natural-language query.
func (m *Manager) Search(ctx context.Context, p Params) ([]Result, error) {
	if p.TopK <= 0 {
		p.TopK = 10
	}
	if p.MinSimilarity <= 0 {
		p.MinSimilarity = DefaultMinSimilarity
	}

	if field, descending, ok := detectAggregation(p.Query); ok {
		atomic.AddInt64(&m.metrics.AggregationHits, 1)
		return m.aggregationShortcut(ctx, p, field, descending)
	}

	if m.hybrid && isShortProductLike(p.Query) {
		results, err := m.keywordFallback(ctx, p)
		if err != nil {
			atomic.AddInt64(&m.metrics.SearchErrors, 1)
			log.Error().Err(err).Msg("search: keyword fallback failed")
		} else if len(results) > 0 {
			atomic.AddInt64(&m.metrics.KeywordHits, 1)
			return results, nil
		}
	}

	return m.vectorSearch(ctx, p)
}

// aggregationShortcut orders by a numeric metadata field, assigns
// descending pseudo-scores and skips the vector phase entirely.
func (m *Manager) aggregationShortcut(ctx context.Context, p Params, field string, descending bool) ([]Result, error) {
	rows, err := m.store.AggregateLookup(ctx, p.Schema, p.Table, field, descending, p.TopK)
	if err != nil {
		atomic.AddInt64(&m.metrics.SearchErrors, 1)
		log.Error().Err(err).Str("field", field).Msg("search: aggregation lookup failed")
		return nil, nil
	}
	results := make([]Result, 0, len(rows))
	for i, r := range rows {
		r.Score = aggregationScore(i)
		results = append(results, Result{SearchResult: r, Source: Source{Schema: r.SchemaName, Table: r.TableName, ID: r.ID}})
	}
	return results, nil
}

// aggregationScore assigns 1.0, 0.95, 0.90, ... for rank i.
func aggregationScore(rank int) float64 {
	score := 1.0 - float64(rank)*0.05
	if score < 0 {
		score = 0
	}
	return score
}

// keywordFallback runs an ILIKE scan with prioritized scoring
// (exact-phrase > exact-term > partial-word), ties
// broken by shortest content.
func (m *Manager) keywordFallback(ctx context.Context, p Params) ([]Result, error) {
	term := strings.TrimSpace(p.Query)
	rows, err := m.store.KeywordSearch(ctx, p.Schema, p.Table, term, p.TopK*3)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(rows))
	for _, r := range rows {
		r.Score = keywordScore(term, r.Content)
		results = append(results, Result{SearchResult: r, Source: Source{Schema: r.SchemaName, Table: r.TableName, ID: r.ID}})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return len(results[i].Content) < len(results[j].Content)
	})
	if len(results) > p.TopK {
		results = results[:p.TopK]
	}
	return results, nil
}

// keywordScore ranks exact-phrase matches above exact-term matches above
// partial-word matches.
func keywordScore(term, content string) float64 {
	termLower := strings.ToLower(term)
	contentLower := strings.ToLower(content)
	if strings.Contains(contentLower, termLower) {
		// Exact phrase anywhere in content.
		for _, word := range strings.Fields(contentLower) {
			if word == termLower {
				return 0.9 // exact single-term match
			}
		}
		if len(strings.Fields(termLower)) > 1 {
			return 1.0 // multi-word exact phrase
		}
	}
	for _, word := range strings.Fields(contentLower) {
		if strings.Contains(word, termLower) {
			return 0.8 // partial-word match
		}
	}
	return 0.0
}

// vectorSearch is the embedding-backed path. Concurrent identical
// requests are coalesced via singleflight.
func (m *Manager) vectorSearch(ctx context.Context, p Params) ([]Result, error) {
	key := coalesceKey(p)
	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		return m.doVectorSearch(ctx, p)
	})
	if shared {
		atomic.AddInt64(&m.metrics.CoalescedCalls, 1)
	}
	if err != nil {
		return nil, err
	}
	return v.([]Result), nil
}

func coalesceKey(p Params) string {
	return p.Schema + "|" + p.Table + "|" + p.Query
}

func (m *Manager) doVectorSearch(ctx context.Context, p Params) ([]Result, error) {
	atomic.AddInt64(&m.metrics.VectorSearches, 1)

	qvec, ok := m.queue.EmbedQuery(ctx, p.Query, queryEmbedTimeout)
	if !ok {
		log.Error().Str("query", p.Query).Msg("search: query embedding unavailable, returning no results")
		return nil, nil
	}

	rows, err := m.store.Search(ctx, p.Schema, p.Table, qvec, p.MinSimilarity, p.TopK*vectorSearchSlack, p.Filters)
	if err != nil {
		atomic.AddInt64(&m.metrics.SearchErrors, 1)
		log.Error().Err(err).Msg("search: vector search failed")
		return nil, nil
	}

	terms := queryTerms(p.Query)
	results := make([]Result, 0, len(rows))
	for _, r := range rows {
		if r.Score < p.MinSimilarity {
			continue
		}
		if m.hybrid {
			boost := contentBoost(terms, r.Content)
			r.Score = 0.7*r.Score + 0.3*boost
		}
		results = append(results, Result{SearchResult: r, Source: Source{Schema: r.SchemaName, Table: r.TableName, ID: r.ID}})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > p.TopK {
		results = results[:p.TopK]
	}
	return results, nil
}

// queryTerms lowercases and splits a query into terms for the content-
// boost calculation.
func queryTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// contentBoost is a weighted sum of exact-term hits, partial-word hits
// (half weight), and a sequence bonus when the first two query terms
// appear in order in the content.
func contentBoost(terms []string, content string) float64 {
	if len(terms) == 0 || content == "" {
		return 0
	}
	contentLower := strings.ToLower(content)
	contentWords := strings.Fields(contentLower)

	var score float64
	for _, t := range terms {
		exact := false
		for _, w := range contentWords {
			if w == t {
				exact = true
				break
			}
		}
		if exact {
			score++
			continue
		}
		if strings.Contains(contentLower, t) {
			score += 0.5
		}
	}

	if len(terms) >= 2 {
		idx := strings.Index(contentLower, terms[0])
		if idx >= 0 {
			rest := contentLower[idx+len(terms[0]):]
			if strings.Contains(rest, terms[1]) {
				score += 0.3
			}
		}
	}

	normalized := score / float64(len(terms))
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}

// aggregation detection: multilingual superlative phrases mapped to the
// metadata field they sort by. The first match wins.
var aggregationPatterns = []struct {
	re         *regexp.Regexp
	field      string
	descending bool
}{
	{regexp.MustCompile(`(?i)stok\s+paling\s+banyak|stock.*highest|highest\s+stock|stok\s+terbanyak`), "im_stock", true},
	{regexp.MustCompile(`(?i)stok\s+paling\s+sedikit|stock.*lowest|lowest\s+stock|stok\s+terendah`), "im_stock", false},
	{regexp.MustCompile(`(?i)harga\s+tertinggi|highest\s+price|termahal|most\s+expensive`), "im_price", true},
	{regexp.MustCompile(`(?i)harga\s+terendah|lowest\s+price|termurah|cheapest`), "im_price", false},
}

func detectAggregation(query string) (field string, descending bool, ok bool) {
	for _, p := range aggregationPatterns {
		if p.re.MatchString(query) {
			return p.field, p.descending, true
		}
	}
	return "", false, false
}

// productContextRe matches product-domain keywords that, combined with
// short tokens, signal a product-lookup-shaped query.
var productContextRe = regexp.MustCompile(`(?i)stok|program|produk|product|item|sku`)

// isShortProductLike detects a query made of a few short tokens (2-6
// characters), optionally with a product-context keyword, which the
// keyword fallback handles without an embedding call (think "ALO"
// against content "ALO LEGGING BLACK").
func isShortProductLike(query string) bool {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return false
	}
	tokens := strings.Fields(trimmed)
	if len(tokens) > 4 {
		return false
	}
	if productContextRe.MatchString(trimmed) {
		return true
	}
	for _, t := range tokens {
		if len(t) < 2 || len(t) > 6 {
			return false
		}
	}
	return true
}

// FindSimilar returns a stored embedding's nearest neighbours,
// excluding itself.
func (m *Manager) FindSimilar(ctx context.Context, schema, id string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}
	ref, found, err := m.store.FetchOneWithVector(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	rows, err := m.store.Search(ctx, schema, "", ref.Vector, 0, topK+1, nil)
	if err != nil {
		return nil, nil
	}
	results := make([]Result, 0, topK)
	for _, r := range rows {
		if r.ID == id {
			continue
		}
		results = append(results, Result{SearchResult: r, Source: Source{Schema: r.SchemaName, Table: r.TableName, ID: r.ID}})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// GetSearchSuggestions returns partial-query prefix suggestions over
// stored content. Non-critical-path.
func (m *Manager) GetSearchSuggestions(ctx context.Context, schema, partialQuery string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := m.store.KeywordSearch(ctx, schema, "", partialQuery, limit*4)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, limit)
	suggestions := make([]string, 0, limit)
	for _, r := range rows {
		snippet := r.Content
		if len(snippet) > 100 {
			snippet = snippet[:100]
		}
		parts := strings.SplitN(snippet, ":", 2)
		if len(parts) < 2 {
			continue
		}
		candidate := strings.TrimSpace(parts[1])
		if len(candidate) > 50 {
			candidate = candidate[:50]
		}
		if candidate == "" {
			continue
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		suggestions = append(suggestions, candidate)
		if len(suggestions) == limit {
			break
		}
	}
	return suggestions, nil
}
