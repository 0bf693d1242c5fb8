// Package cache implements the two-tier embedding cache: an in-memory
// FIFO tier backed by a persistent access-count-weighted tier.
package cache

import "context"

// Cache is the narrow verb set the embedding queue's processor loop
// needs from the cache.
type Cache interface {
	// Get returns the cached vector for textHash, checking memory first
	// then the persistent tier.
	Get(ctx context.Context, textHash string) ([]float32, bool)
	// Put stores a vector for textHash in memory, and marks it dirty for
	// the next flush to the persistent tier.
	Put(ctx context.Context, textHash string, vector []float32, metadata map[string]interface{})
	// Flush writes the in-memory map to the persistent tier via
	// upsert-on-conflict, advancing last_accessed/access_count.
	Flush(ctx context.Context) error
	// Cleanup deletes persistent rows older than the configured TTL with
	// access_count below the configured threshold.
	Cleanup(ctx context.Context) (int64, error)
	// Preload loads up to limit most-recently-and-frequently accessed
	// rows from the persistent tier into memory (startup warm-up).
	Preload(ctx context.Context, limit int) error
	// Size returns the current in-memory entry count.
	Size() int
	// Close stops the background flush loop, then flushes once more.
	Close(ctx context.Context) error
}
