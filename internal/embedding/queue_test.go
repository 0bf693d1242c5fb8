package embedding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atabot/ragengine/internal/ratelimit"
	"github.com/atabot/ragengine/pkg/models"
)

// fakeProvider returns its canned vectors for any input.
type fakeProvider struct {
	dims    int
	vectors [][]float32
	calls   int
}

func (p *fakeProvider) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	p.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = p.vectors[i%len(p.vectors)]
	}
	return out, nil
}

func (p *fakeProvider) Dimensions() int { return p.dims }

func noopLimiter() *ratelimit.Limiter {
	return ratelimit.New(1000, time.Millisecond)
}

// fakeCache is a minimal in-memory stand-in for cache.Cache, enough to
// drive Submit's dedup path and settleBatches' resolution check without
// pulling in the real persistent-tier store.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]float32)}
}

func (c *fakeCache) Get(_ context.Context, textHash string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[textHash]
	return v, ok
}

func (c *fakeCache) Put(_ context.Context, textHash string, vector []float32, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[textHash] = vector
}

func (c *fakeCache) Flush(_ context.Context) error                 { return nil }
func (c *fakeCache) Cleanup(_ context.Context) (int64, error)       { return 0, nil }
func (c *fakeCache) Preload(_ context.Context, _ int) error         { return nil }
func (c *fakeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
func (c *fakeCache) Close(_ context.Context) error { return nil }

func TestHashText_DiffersByInputType(t *testing.T) {
	docHash := HashText("same text", "document")
	queryHash := HashText("same text", "query")
	assert.NotEqual(t, docHash, queryHash)
	assert.Equal(t, docHash, HashText("same text", "document"))
}

func TestSubmit_DedupesAgainstCache(t *testing.T) {
	c := newFakeCache()
	preHash := HashText("already cached", "document")
	c.data[preHash] = []float32{0.1, 0.2}

	q := &Queue{cache: c, batches: make(map[string]*models.Batch)}

	batchID, err := q.Submit(context.Background(), []string{"already cached"}, nil)
	require.NoError(t, err)

	b := q.batches[batchID]
	require.NotNil(t, b)
	assert.Equal(t, models.BatchCompleted, b.State)
	assert.Equal(t, 1, b.Cached)
	assert.Equal(t, 0, b.ToProcess)
	assert.Empty(t, q.pending)
}

func TestSubmit_EnqueuesUncachedText(t *testing.T) {
	c := newFakeCache()
	// processing is preset so Submit does not start the processor
	// goroutine, which would drain q.pending (and this Queue has no
	// limiter or provider).
	q := &Queue{cache: c, batches: make(map[string]*models.Batch), processing: true}

	batchID, err := q.Submit(context.Background(), []string{"new text"}, nil)
	require.NoError(t, err)

	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.batches[batchID]
	require.NotNil(t, b)
	assert.Equal(t, models.BatchPending, b.State)
	assert.Equal(t, 1, b.ToProcess)
	require.Len(t, q.pending, 1)
	assert.Equal(t, "new text", q.pending[0].text)
}

func TestRequeueAtHead_RestoresOrderAtFront(t *testing.T) {
	q := &Queue{cache: newFakeCache(), batches: make(map[string]*models.Batch)}
	q.pending = []*pendingText{{text: "existing"}}

	q.requeueAtHead([]*pendingText{{text: "retried-1"}, {text: "retried-2"}})

	require.Len(t, q.pending, 3)
	assert.Equal(t, "retried-1", q.pending[0].text)
	assert.Equal(t, "retried-2", q.pending[1].text)
	assert.Equal(t, "existing", q.pending[2].text)
}

func TestFailOwningBatches_LeavesTerminalBatchesAlone(t *testing.T) {
	q := &Queue{cache: newFakeCache(), batches: make(map[string]*models.Batch)}
	q.batches["already-done"] = &models.Batch{ID: "already-done", State: models.BatchCompleted}
	q.batches["in-flight"] = &models.Batch{ID: "in-flight", State: models.BatchPending}

	q.failOwningBatches([]*pendingText{
		{batchIDs: []string{"already-done"}},
		{batchIDs: []string{"in-flight"}},
	})

	assert.Equal(t, models.BatchCompleted, q.batches["already-done"].State)
	assert.Equal(t, models.BatchFailed, q.batches["in-flight"].State)
}

func TestAssembleSuperBatch_MarksOwningBatchesProcessing(t *testing.T) {
	q := &Queue{cache: newFakeCache(), superBatchSize: SuperBatchSize, batches: make(map[string]*models.Batch)}
	q.batches["b1"] = &models.Batch{ID: "b1", State: models.BatchPending}
	q.pending = []*pendingText{{text: "t", hash: "h", inputType: "document", batchIDs: []string{"b1"}}}

	got := q.assembleSuperBatch()

	require.Len(t, got, 1)
	assert.Equal(t, models.BatchProcessing, q.batches["b1"].State)
	assert.Empty(t, q.pending)
}

func TestAssembleSuperBatch_SplitsAtInputTypeBoundary(t *testing.T) {
	q := &Queue{cache: newFakeCache(), superBatchSize: SuperBatchSize, batches: make(map[string]*models.Batch)}
	q.pending = []*pendingText{
		{text: "d1", inputType: "document"},
		{text: "d2", inputType: "document"},
		{text: "q1", inputType: "query"},
	}

	got := q.assembleSuperBatch()

	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].text)
	require.Len(t, q.pending, 1)
	assert.Equal(t, "q1", q.pending[0].text)
}

// A provider that returns a zero-vector must leave the owning batch
// failed, not hanging: nothing re-attempts the text after the
// individual-retry pass.
func TestProcessSuperBatch_InvalidVectorFailsOwningBatch(t *testing.T) {
	c := newFakeCache()
	q := &Queue{
		cache:          c,
		limiter:        noopLimiter(),
		superBatchSize: SuperBatchSize,
		ctx:            context.Background(),
		batches:        make(map[string]*models.Batch),
	}
	q.provider = &fakeProvider{dims: 4, vectors: [][]float32{{0, 0, 0, 0}}}

	hash := HashText("x", "document")
	q.batches["b1"] = &models.Batch{ID: "b1", State: models.BatchProcessing, TextHashes: []string{hash}}

	q.processSuperBatch([]*pendingText{{text: "x", hash: hash, inputType: "document", batchIDs: []string{"b1"}}})

	_, cached := c.Get(context.Background(), hash)
	assert.False(t, cached, "zero-vector must not be cached")
	assert.Equal(t, models.BatchFailed, q.batches["b1"].State)
}

func TestSettleBatches_CompletesOnceAllHashesResolve(t *testing.T) {
	c := newFakeCache()
	q := &Queue{cache: c, ctx: context.Background(), batches: make(map[string]*models.Batch)}

	q.batches["b1"] = &models.Batch{ID: "b1", State: models.BatchProcessing, TextHashes: []string{"h1", "h2"}}
	c.data["h1"] = []float32{0.1}

	q.settleBatches([]*pendingText{{hash: "h1", batchIDs: []string{"b1"}}})
	assert.Equal(t, models.BatchProcessing, q.batches["b1"].State, "still missing h2")

	c.data["h2"] = []float32{0.2}
	q.settleBatches([]*pendingText{{hash: "h2", batchIDs: []string{"b1"}}})
	assert.Equal(t, models.BatchCompleted, q.batches["b1"].State)
}
