package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atabot/ragengine/internal/cache"
	"github.com/atabot/ragengine/internal/ratelimit"
	"github.com/atabot/ragengine/pkg/models"
)

const (
	// SuperBatchSize is the default cap on texts sent to the provider in
	// a single request.
	SuperBatchSize = 120
	// InterBatchPause paces successive super-batches to respect
	// free-tier provider limits.
	InterBatchPause = 21 * time.Second
	// RateLimitBackoff is applied on a rate-limit error before the
	// processor resumes.
	RateLimitBackoff = 60 * time.Second
	// smallRetryThreshold bounds the "retry invalid individually" path
	// to avoid pathological per-text retry storms.
	smallRetryThreshold = 10
)

// pendingText is one text waiting in the queue, possibly shared by
// several submissions (a text may appear in more than one batch).
type pendingText struct {
	text      string
	hash      string
	inputType string
	metadata  map[string]interface{}
	batchIDs  []string
}

// Queue coalesces submissions into provider-sized super-batches,
// dedupes against the cache, and drives the rate limiter and the
// provider with retry semantics.
type Queue struct {
	provider       Provider
	limiter        *ratelimit.Limiter
	cache          cache.Cache
	superBatchSize int
	pause          time.Duration
	rateBackoff    time.Duration

	mu         sync.Mutex
	pending    []*pendingText
	batches    map[string]*models.Batch
	processing bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Queue. batchSize caps how many texts go to the provider
// in one request; <=0 selects SuperBatchSize. The caller starts the
// background processor by calling Submit at least once; it stops itself
// when the queue drains.
func New(provider Provider, limiter *ratelimit.Limiter, c cache.Cache, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = SuperBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		provider:       provider,
		limiter:        limiter,
		cache:          c,
		superBatchSize: batchSize,
		pause:          InterBatchPause,
		rateBackoff:    RateLimitBackoff,
		batches:        make(map[string]*models.Batch),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// HashText returns the cache key for a text at a given input type.
func HashText(text, inputType string) string {
	sum := md5.Sum([]byte(text + "|" + inputType))
	return hex.EncodeToString(sum[:])
}

func newBatchID(size int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%d", time.Now().UnixNano(), size)))
	return hex.EncodeToString(sum[:])[:16]
}

// Submit deduplicates texts against the cache, enqueues only uncached ones, and
// starts the processor if idle. Returns the batch id immediately.
// Equivalent to SubmitTyped(ctx, texts, metadataPerText, "document").
func (q *Queue) Submit(ctx context.Context, texts []string, metadataPerText []map[string]interface{}) (string, error) {
	return q.SubmitTyped(ctx, texts, metadataPerText, "document")
}

// SubmitTyped is Submit with an explicit provider input_type ("document"
// for ingest, "query" for search's query-vector leg). Document and query
// embeddings of the same text hash separately, so the two legs never
// collide in the cache.
func (q *Queue) SubmitTyped(ctx context.Context, texts []string, metadataPerText []map[string]interface{}, inputType string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("embedding queue: submit called with no texts")
	}
	if inputType == "" {
		inputType = "document"
	}

	batch := &models.Batch{
		ID:         newBatchID(len(texts)),
		State:      models.BatchPending,
		TextHashes: make([]string, len(texts)),
		Total:      len(texts),
		CreatedAt:  time.Now(),
	}

	q.mu.Lock()
	for i, text := range texts {
		hash := HashText(text, inputType)
		batch.TextHashes[i] = hash

		if _, ok := q.cache.Get(ctx, hash); ok {
			batch.Cached++
			continue
		}

		var meta map[string]interface{}
		if i < len(metadataPerText) {
			meta = metadataPerText[i]
		}
		q.enqueueLocked(text, hash, inputType, meta, batch.ID)
		batch.ToProcess++
	}
	if batch.ToProcess == 0 {
		batch.State = models.BatchCompleted
	}
	q.batches[batch.ID] = batch
	shouldStart := !q.processing && batch.ToProcess > 0
	if shouldStart {
		q.processing = true
	}
	q.mu.Unlock()

	if shouldStart {
		go q.runProcessor()
	}
	return batch.ID, nil
}

func (q *Queue) enqueueLocked(text, hash, inputType string, metadata map[string]interface{}, batchID string) {
	for _, p := range q.pending {
		if p.hash == hash {
			p.batchIDs = append(p.batchIDs, batchID)
			return
		}
	}
	q.pending = append(q.pending, &pendingText{
		text:      text,
		hash:      hash,
		inputType: inputType,
		metadata:  metadata,
		batchIDs:  []string{batchID},
	})
}

// Wait blocks until the batch reaches a terminal state or timeout
// elapses, returning false on timeout.
func (q *Queue) Wait(ctx context.Context, batchID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		b, ok := q.batches[batchID]
		q.mu.Unlock()
		if !ok {
			return false
		}
		if b.IsTerminal() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false
}

// EmbedQuery submits a single query-type text, waits for it to resolve,
// and returns its vector — the convenience path search uses to obtain a
// query embedding without the caller managing a batch id directly.
func (q *Queue) EmbedQuery(ctx context.Context, text string, timeout time.Duration) ([]float32, bool) {
	batchID, err := q.SubmitTyped(ctx, []string{text}, nil, "query")
	if err != nil {
		return nil, false
	}
	if !q.Wait(ctx, batchID, timeout) {
		return nil, false
	}
	return q.Lookup(ctx, HashText(text, "query"))
}

// Lookup reads through to the cache.
func (q *Queue) Lookup(ctx context.Context, textHash string) ([]float32, bool) {
	return q.cache.Get(ctx, textHash)
}

// Stats returns queue depth, per-state batch counts, cache size and the
// processing flag.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := map[models.BatchState]int{}
	for _, b := range q.batches {
		counts[b.State]++
	}
	return map[string]any{
		"queue_depth": len(q.pending),
		"processing":  q.processing,
		"cache_size":  q.cache.Size(),
		"batch_states": map[string]int{
			"pending":    counts[models.BatchPending],
			"processing": counts[models.BatchProcessing],
			"completed":  counts[models.BatchCompleted],
			"failed":     counts[models.BatchFailed],
		},
	}
}

// runProcessor is the single-flight processor loop. Only one
// instance ever runs; q.processing guards entry.
func (q *Queue) runProcessor() {
	for {
		superBatch := q.assembleSuperBatch()
		if len(superBatch) == 0 {
			q.mu.Lock()
			q.processing = false
			q.mu.Unlock()
			return
		}
		q.processSuperBatch(superBatch)
		time.Sleep(q.pause)
	}
}

// assembleSuperBatch drains up to the configured cap of texts from the
// head of the queue, all sharing the head item's input_type: a single provider
// call carries one input_type, so a run of mixed document/query texts
// is split at the boundary rather than merged.
func (q *Queue) assembleSuperBatch() []*pendingText {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	want := q.pending[0].inputType
	n := 0
	for n < len(q.pending) && n < q.superBatchSize && q.pending[n].inputType == want {
		n++
	}
	batch := q.pending[:n]
	q.pending = q.pending[n:]

	// pending -> processing for every batch with a text in flight.
	for _, it := range batch {
		for _, id := range it.batchIDs {
			if b, ok := q.batches[id]; ok && b.State == models.BatchPending {
				b.State = models.BatchProcessing
			}
		}
	}
	return batch
}

func (q *Queue) processSuperBatch(items []*pendingText) {
	ctx := q.ctx

	if err := q.limiter.WaitIfNeeded(ctx); err != nil {
		log.Error().Err(err).Msg("embedding queue: rate limiter wait failed")
		return
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	inputType := items[0].inputType

	vectors, err := q.provider.Embed(ctx, texts, inputType)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			// Rate-limit errors back off and resume; the batch is not
			// failed and the retry budget is untouched. Put the
			// super-batch back at the head of the queue so it is the
			// next thing the processor retries.
			log.Warn().Err(err).Int("size", len(items)).Msg("embedding queue: rate limited, backing off")
			q.requeueAtHead(items)
			time.Sleep(q.rateBackoff)
			return
		}
		log.Error().Err(err).Int("size", len(items)).Msg("embedding queue: provider call failed, marking owning batches failed")
		q.failOwningBatches(items)
		return
	}
	if len(vectors) != len(items) {
		log.Error().Int("want", len(items)).Int("got", len(vectors)).Msg("embedding queue: provider returned wrong vector count")
		q.failOwningBatchesWith(items, "provider returned wrong vector count")
		return
	}

	var invalid []*pendingText
	for i, it := range items {
		vec := vectors[i]
		if !models.IsValidVector(vec, q.provider.Dimensions()) {
			invalid = append(invalid, it)
			continue
		}
		q.cache.Put(ctx, it.hash, vec, it.metadata)
	}

	// More than one-tenth of the super-batch invalid, but the count is
	// small enough to retry individually.
	exceedsOneTenth := len(invalid)*10 > len(items)
	if len(invalid) > 0 && len(invalid) < smallRetryThreshold && exceedsOneTenth {
		q.retryIndividually(ctx, invalid)
	} else if len(invalid) > 0 {
		log.Warn().Int("invalid", len(invalid)).Int("total", len(items)).
			Msg("embedding queue: too many invalid vectors to retry individually")
	}

	// Anything still unresolved after the retry pass will never resolve:
	// its vector came back invalid and no further attempt is scheduled.
	// Fail the owning batches so waiters observe a terminal state instead
	// of timing out.
	var unresolved []*pendingText
	for _, it := range invalid {
		if _, ok := q.cache.Get(ctx, it.hash); !ok {
			unresolved = append(unresolved, it)
		}
	}
	if len(unresolved) > 0 {
		q.failOwningBatchesWith(unresolved, "provider returned invalid embedding")
	}

	q.settleBatches(items)
}

func (q *Queue) retryIndividually(ctx context.Context, items []*pendingText) {
	for _, it := range items {
		if err := q.limiter.WaitIfNeeded(ctx); err != nil {
			return
		}
		vectors, err := q.provider.Embed(ctx, []string{it.text}, it.inputType)
		if err != nil || len(vectors) == 0 || !models.IsValidVector(vectors[0], q.provider.Dimensions()) {
			log.Warn().Str("hash", it.hash).Msg("embedding queue: individual retry failed or still invalid")
			time.Sleep(q.pause)
			continue
		}
		q.cache.Put(ctx, it.hash, vectors[0], it.metadata)
		time.Sleep(q.pause)
	}
}

// settleBatches marks every batch whose full manifest now resolves in
// the cache (or was pre-completed at submit time) as completed.
func (q *Queue) settleBatches(items []*pendingText) {
	touched := make(map[string]struct{})
	for _, it := range items {
		for _, id := range it.batchIDs {
			touched[id] = struct{}{}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range touched {
		b, ok := q.batches[id]
		if !ok || b.IsTerminal() {
			continue
		}
		allResolved := true
		for _, hash := range b.TextHashes {
			if _, ok := q.cache.Get(q.ctx, hash); !ok {
				allResolved = false
				break
			}
		}
		if allResolved {
			b.State = models.BatchCompleted
		}
	}
}

// requeueAtHead restores a super-batch to the front of the pending queue
// so it is reassembled first once the rate-limit back-off elapses.
func (q *Queue) requeueAtHead(items []*pendingText) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]*pendingText{}, items...), q.pending...)
}

func (q *Queue) failOwningBatches(items []*pendingText) {
	q.failOwningBatchesWith(items, "provider call failed")
}

func (q *Queue) failOwningBatchesWith(items []*pendingText, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range items {
		for _, id := range it.batchIDs {
			b, ok := q.batches[id]
			if !ok || b.IsTerminal() {
				continue
			}
			b.State = models.BatchFailed
			b.Error = reason
		}
	}
}

// Close stops the processor loop.
func (q *Queue) Close() {
	q.cancel()
}
