package search

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	embeddingpkg "github.com/atabot/ragengine/internal/embedding"
	"github.com/atabot/ragengine/internal/ratelimit"
	"github.com/atabot/ragengine/pkg/models"
)

// memCache is a minimal in-memory cache.Cache fake for tests that don't
// need the persistent tier.
type memCache struct {
	mu sync.Mutex
	m  map[string][]float32
}

func newMemCache() *memCache { return &memCache{m: make(map[string][]float32)} }

func (c *memCache) Get(ctx context.Context, textHash string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[textHash]
	return v, ok
}

func (c *memCache) Put(ctx context.Context, textHash string, vector []float32, metadata map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[textHash] = vector
}

func (c *memCache) Flush(ctx context.Context) error                         { return nil }
func (c *memCache) Cleanup(ctx context.Context) (int64, error)              { return 0, nil }
func (c *memCache) Preload(ctx context.Context, limit int) error            { return nil }
func (c *memCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
func (c *memCache) Close(ctx context.Context) error { return nil }

// fakeStore is an in-memory vector.Store fake for search unit tests.
type fakeStore struct {
	rows         []models.Embedding
	searchCalled int32
}

func (f *fakeStore) Upsert(ctx context.Context, e models.Embedding) error { return nil }
func (f *fakeStore) UpsertMany(ctx context.Context, es []models.Embedding) error { return nil }
func (f *fakeStore) DeleteByID(ctx context.Context, id string) error { return nil }
func (f *fakeStore) DeleteBySchemaTable(ctx context.Context, schema, table string) error { return nil }

func (f *fakeStore) Search(ctx context.Context, schema, table string, queryVector []float32, minSimilarity float64, limit int, filters []models.MetadataFilter) ([]models.SearchResult, error) {
	atomic.AddInt32(&f.searchCalled, 1)
	var out []models.SearchResult
	for _, r := range f.rows {
		if r.SchemaName != schema {
			continue
		}
		out = append(out, models.SearchResult{
			ID: r.ID, SchemaName: r.SchemaName, TableName: r.TableName,
			Content: r.Content, Metadata: r.Metadata, Score: 0.6,
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) AggregateLookup(ctx context.Context, schema, table, metadataField string, descending bool, limit int) ([]models.SearchResult, error) {
	var out []models.SearchResult
	for _, r := range f.rows {
		if r.SchemaName != schema {
			continue
		}
		out = append(out, models.SearchResult{
			ID: r.ID, SchemaName: r.SchemaName, TableName: r.TableName,
			Content: r.Content, Metadata: r.Metadata,
		})
	}
	// caller-provided fixture is expected pre-sorted for the test's field/direction
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) FetchOneWithVector(ctx context.Context, id string) (models.Embedding, bool, error) {
	for _, r := range f.rows {
		if r.ID == id {
			return r, true, nil
		}
	}
	return models.Embedding{}, false, nil
}

func (f *fakeStore) Count(ctx context.Context, schema, table string) (int64, error) { return int64(len(f.rows)), nil }

func (f *fakeStore) KeywordSearch(ctx context.Context, schema, table, term string, limit int) ([]models.SearchResult, error) {
	var out []models.SearchResult
	for _, r := range f.rows {
		if r.SchemaName != schema {
			continue
		}
		out = append(out, models.SearchResult{
			ID: r.ID, SchemaName: r.SchemaName, TableName: r.TableName,
			Content: r.Content, Metadata: r.Metadata,
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeProvider is an embedding.Provider fake that counts calls so tests
// can assert the aggregation/keyword shortcuts never reach it.
type fakeProvider struct {
	calls int32
	dims  int
}

func (p *fakeProvider) Embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	atomic.AddInt32(&p.calls, 1)
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, p.dims)
		for j := 0; j < p.dims/5; j++ {
			v[j] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (p *fakeProvider) Dimensions() int { return p.dims }

func newTestQueue(t *testing.T) (*embeddingpkg.Queue, *fakeProvider) {
	t.Helper()
	provider := &fakeProvider{dims: 32}
	limiter := ratelimit.New(1000, time.Second)
	c := newMemCache()
	return embeddingpkg.New(provider, limiter, c, 0), provider
}

func TestAggregationShortcut_NoEmbeddingCall(t *testing.T) {
	store := &fakeStore{rows: []models.Embedding{
		{ID: "1", SchemaName: "S", TableName: "products", Content: "a", Metadata: models.JSONMap{"im_stock": 42}},
		{ID: "2", SchemaName: "S", TableName: "products", Content: "b", Metadata: models.JSONMap{"im_stock": 17}},
		{ID: "3", SchemaName: "S", TableName: "products", Content: "c", Metadata: models.JSONMap{"im_stock": 5}},
	}}
	queue, provider := newTestQueue(t)
	defer queue.Close()
	m := NewManager(store, queue, true)

	results, err := m.Search(context.Background(), Params{Query: "stok paling banyak", Schema: "S", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
	assert.InDelta(t, 0.95, results[1].Score, 0.001)
	assert.InDelta(t, 0.90, results[2].Score, 0.001)
	assert.Equal(t, int32(0), atomic.LoadInt32(&provider.calls))
}

func TestKeywordFallback_ShortProductQuery(t *testing.T) {
	store := &fakeStore{rows: []models.Embedding{
		{ID: "1", SchemaName: "S", TableName: "products", Content: "ALO LEGGING BLACK"},
		{ID: "2", SchemaName: "S", TableName: "products", Content: "Some other long description entirely"},
	}}
	queue, provider := newTestQueue(t)
	defer queue.Close()
	m := NewManager(store, queue, true)

	results, err := m.Search(context.Background(), Params{Query: "ALO", Schema: "S", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.GreaterOrEqual(t, results[0].Score, 0.8)
	assert.Equal(t, int32(0), atomic.LoadInt32(&provider.calls))
}

func TestVectorSearch_ContentBoostBlend(t *testing.T) {
	store := &fakeStore{rows: []models.Embedding{
		{ID: "1", SchemaName: "S", TableName: "orders", Content: "customer report for the quarterly revenue analysis"},
	}}
	queue, provider := newTestQueue(t)
	defer queue.Close()
	m := NewManager(store, queue, true)

	results, err := m.Search(context.Background(), Params{Query: "quarterly revenue analysis summary", Schema: "S", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Greater(t, results[0].Score, 0.6) // blended score exceeds raw 0.6 similarity via boost
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))
}

func TestDetectAggregation(t *testing.T) {
	field, desc, ok := detectAggregation("stok paling banyak")
	require.True(t, ok)
	assert.Equal(t, "im_stock", field)
	assert.True(t, desc)

	field, desc, ok = detectAggregation("harga terendah")
	require.True(t, ok)
	assert.Equal(t, "im_price", field)
	assert.False(t, desc)

	_, _, ok = detectAggregation("tell me about the weather")
	assert.False(t, ok)
}

func TestIsShortProductLike(t *testing.T) {
	assert.True(t, isShortProductLike("ALO"))
	assert.True(t, isShortProductLike("stok ABC"))
	assert.False(t, isShortProductLike("what is the total revenue for last quarter across all regions"))
}

func TestFindSimilar_ExcludesSelf(t *testing.T) {
	store := &fakeStore{rows: []models.Embedding{
		{ID: "1", SchemaName: "S", TableName: "products", Content: "a", Vector: []float32{1, 0, 0}},
		{ID: "2", SchemaName: "S", TableName: "products", Content: "b", Vector: []float32{0, 1, 0}},
	}}
	queue, _ := newTestQueue(t)
	defer queue.Close()
	m := NewManager(store, queue, true)

	results, err := m.FindSimilar(context.Background(), "S", "1", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "1", r.ID)
	}
}
