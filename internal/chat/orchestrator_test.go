package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atabot/ragengine/internal/embedding"
	"github.com/atabot/ragengine/internal/llm"
	"github.com/atabot/ragengine/internal/ratelimit"
	"github.com/atabot/ragengine/internal/search"
	"github.com/atabot/ragengine/pkg/models"
)

// fakeVectorStore is a minimal vector.Store fake sufficient for hybrid
// search dispatch in orchestrator tests.
type fakeVectorStore struct {
	rows []models.Embedding
}

func (f *fakeVectorStore) Upsert(ctx context.Context, e models.Embedding) error         { return nil }
func (f *fakeVectorStore) UpsertMany(ctx context.Context, es []models.Embedding) error  { return nil }
func (f *fakeVectorStore) DeleteByID(ctx context.Context, id string) error              { return nil }
func (f *fakeVectorStore) DeleteBySchemaTable(ctx context.Context, schema, table string) error {
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, schema, table string, queryVector []float32, minSimilarity float64, limit int, filters []models.MetadataFilter) ([]models.SearchResult, error) {
	var out []models.SearchResult
	for _, r := range f.rows {
		if r.SchemaName != schema {
			continue
		}
		out = append(out, models.SearchResult{ID: r.ID, SchemaName: r.SchemaName, TableName: r.TableName, Content: r.Content, Score: 0.7})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeVectorStore) AggregateLookup(ctx context.Context, schema, table, metadataField string, descending bool, limit int) ([]models.SearchResult, error) {
	return nil, nil
}

func (f *fakeVectorStore) FetchOneWithVector(ctx context.Context, id string) (models.Embedding, bool, error) {
	return models.Embedding{}, false, nil
}

func (f *fakeVectorStore) Count(ctx context.Context, schema, table string) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeVectorStore) KeywordSearch(ctx context.Context, schema, table, term string, limit int) ([]models.SearchResult, error) {
	return f.Search(ctx, schema, table, nil, 0, limit, nil)
}

// fakeEmbedProvider always returns a fixed-shape vector.
type fakeEmbedProvider struct{}

func (fakeEmbedProvider) Embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (fakeEmbedProvider) Dimensions() int { return 3 }

type fakeCache struct {
	mu sync.Mutex
	m  map[string][]float32
}

func (c *fakeCache) Get(ctx context.Context, textHash string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[textHash]
	return v, ok
}
func (c *fakeCache) Put(ctx context.Context, textHash string, vector []float32, metadata map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[textHash] = vector
}
func (c *fakeCache) Flush(ctx context.Context) error              { return nil }
func (c *fakeCache) Cleanup(ctx context.Context) (int64, error)   { return 0, nil }
func (c *fakeCache) Preload(ctx context.Context, limit int) error { return nil }
func (c *fakeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
func (c *fakeCache) Close(ctx context.Context) error { return nil }

func newTestSearchManager(t *testing.T, rows []models.Embedding) *search.Manager {
	t.Helper()
	store := &fakeVectorStore{rows: rows}
	limiter := ratelimit.New(1000, time.Second)
	cache := &fakeCache{m: make(map[string][]float32)}
	queue := embedding.New(fakeEmbedProvider{}, limiter, cache, 0)
	t.Cleanup(func() { queue.Close() })
	return search.NewManager(store, queue, true)
}

// fakeRegistry is an in-memory SchemaLookup + QueryLogger fake.
type fakeRegistry struct {
	mu      sync.Mutex
	schemas map[string]models.ManagedSchema
	logs    []models.QueryLog
}

func newFakeRegistry(schemas ...models.ManagedSchema) *fakeRegistry {
	r := &fakeRegistry{schemas: make(map[string]models.ManagedSchema)}
	for _, s := range schemas {
		r.schemas[s.SchemaName] = s
	}
	return r
}

func (r *fakeRegistry) GetSchema(ctx context.Context, schemaName string) (*models.ManagedSchema, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[schemaName]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (r *fakeRegistry) ListActiveSchemas(ctx context.Context) ([]models.ManagedSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ManagedSchema
	for _, s := range r.schemas {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRegistry) PutQueryLog(ctx context.Context, entry models.QueryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, entry)
	return nil
}

// fakeLLM returns a canned response, or errors if configured to.
type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestProcess_RejectsEmptyQuery(t *testing.T) {
	registry := newFakeRegistry(models.ManagedSchema{SchemaName: "public", IsActive: true})
	o := New(newTestSearchManager(t, nil), nil, registry, registry, nil, nil, false)

	_, err := o.Process(context.Background(), Request{Query: "   "})
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestProcess_RejectsTooLongQuery(t *testing.T) {
	registry := newFakeRegistry(models.ManagedSchema{SchemaName: "public", IsActive: true})
	o := New(newTestSearchManager(t, nil), nil, registry, registry, nil, nil, false)

	long := make([]byte, MaxQueryLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := o.Process(context.Background(), Request{Query: string(long)})
	require.ErrorIs(t, err, ErrQueryTooLong)
}

func TestProcess_InjectionFilterRejectsInput(t *testing.T) {
	registry := newFakeRegistry(models.ManagedSchema{SchemaName: "public", IsActive: true})
	filter := rejectingFilter{rejectInput: true}
	o := New(newTestSearchManager(t, nil), nil, registry, registry, filter, nil, false)

	resp, err := o.Process(context.Background(), Request{Query: "hello there"})
	require.NoError(t, err)
	assert.True(t, resp.Rejected)
}

type rejectingFilter struct {
	rejectInput  bool
	rejectOutput bool
}

func (f rejectingFilter) CheckInput(ctx context.Context, text string) (bool, string) {
	if f.rejectInput {
		return false, "blocked"
	}
	return true, ""
}

func (f rejectingFilter) CheckOutput(ctx context.Context, text string) (bool, string) {
	if f.rejectOutput {
		return false, "blocked"
	}
	return true, ""
}

func TestProcess_NoActiveSchemaErrors(t *testing.T) {
	registry := newFakeRegistry()
	o := New(newTestSearchManager(t, nil), nil, registry, registry, nil, nil, false)

	_, err := o.Process(context.Background(), Request{Query: "how many products"})
	require.ErrorIs(t, err, ErrNoActiveSchema)
}

func TestProcess_FallsBackToHybridSearch(t *testing.T) {
	registry := newFakeRegistry(models.ManagedSchema{SchemaName: "public", IsActive: true})
	rows := []models.Embedding{{ID: "1", SchemaName: "public", TableName: "products", Content: "ALO LEGGING BLACK"}}
	o := New(newTestSearchManager(t, rows), nil, registry, registry, nil, nil, false)

	resp, err := o.Process(context.Background(), Request{Query: "ALO", IncludeSources: true})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)
}

func TestProcess_UsesLLMForSearchAnswer(t *testing.T) {
	registry := newFakeRegistry(models.ManagedSchema{SchemaName: "public", IsActive: true})
	rows := []models.Embedding{{ID: "1", SchemaName: "public", TableName: "products", Content: "ALO LEGGING BLACK"}}
	llmProvider := &fakeLLM{response: "ALO Legging is in stock."}
	o := New(newTestSearchManager(t, rows), llmProvider, registry, registry, nil, nil, false)

	resp, err := o.Process(context.Background(), Request{Query: "ALO"})
	require.NoError(t, err)
	assert.Equal(t, "ALO Legging is in stock.", resp.Answer)
	assert.GreaterOrEqual(t, llmProvider.calls, 1)
}

func TestAnalyzeIntent_Decomposition(t *testing.T) {
	intent := analyzeIntent("show products and count orders")
	assert.True(t, intent.NeedsDecomposition)

	intent = analyzeIntent("what is the price of item A")
	assert.False(t, intent.NeedsDecomposition)
}

func TestRuleBasedSplit(t *testing.T) {
	parts := ruleBasedSplit("show products and count orders")
	require.Len(t, parts, 2)
	assert.Equal(t, "show products", parts[0])
	assert.Equal(t, "count orders", parts[1])
}

func TestValidateSQL_RejectsMutatingVerbs(t *testing.T) {
	require.Error(t, validateSQL("DROP TABLE products"))
	require.Error(t, validateSQL("DELETE FROM products"))
	require.NoError(t, validateSQL("SELECT * FROM products"))
}

func TestQuoteIdent(t *testing.T) {
	q, ok := quoteIdent("products")
	require.True(t, ok)
	assert.Equal(t, `"products"`, q)

	_, ok = quoteIdent("products; DROP TABLE x")
	assert.False(t, ok)
}

func TestSessionStore_GetOrCreate(t *testing.T) {
	store := NewSessionStore()
	sess := store.GetOrCreate("")
	require.NotEmpty(t, sess.ID)

	sess2, ok := store.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, sess2.ID)
}

