// Package vector defines the vector store capability: upsert/query of
// rows keyed by (schema, table, row_id) carrying text, a dense vector
// and JSON metadata, with cosine-distance nearest-neighbour search over
// a filtered subset.
package vector

import (
	"context"

	"github.com/atabot/ragengine/pkg/models"
)

// Store is the narrow verb set the vector store offers the rest of the
// system. Tests use in-memory implementations (see the fakes in
// dependent packages); production uses the postgres/pgvector client in
// ./pgvector.
type Store interface {
	// Upsert inserts or atomically replaces the row at id (idempotent).
	Upsert(ctx context.Context, e models.Embedding) error
	// UpsertMany does the same for a batch, same semantics as Upsert.
	UpsertMany(ctx context.Context, es []models.Embedding) error
	// DeleteByID removes a single row; deleting an absent id is a no-op.
	DeleteByID(ctx context.Context, id string) error
	// DeleteBySchemaTable removes every row for (schema, table).
	DeleteBySchemaTable(ctx context.Context, schema, table string) error
	// Search returns rows ordered by cosine similarity descending, limited
	// to limit entries with similarity >= minSimilarity. table == "" means
	// search across all tables in the schema.
	Search(ctx context.Context, schema, table string, queryVector []float32, minSimilarity float64, limit int, filters []models.MetadataFilter) ([]models.SearchResult, error)
	// AggregateLookup orders by a numeric metadata field without touching
	// the vector at all.
	AggregateLookup(ctx context.Context, schema, table, metadataField string, descending bool, limit int) ([]models.SearchResult, error)
	// FetchOneWithVector returns a single row including its raw vector,
	// used by FindSimilar.
	FetchOneWithVector(ctx context.Context, id string) (models.Embedding, bool, error)
	// Count returns the number of rows for (schema, table); table=="" counts
	// the whole schema.
	Count(ctx context.Context, schema, table string) (int64, error)
	// KeywordSearch runs a case-insensitive substring scan over content,
	// bypassing the vector entirely. Results are not scored by the
	// store; the caller re-ranks by term-overlap.
	KeywordSearch(ctx context.Context, schema, table, term string, limit int) ([]models.SearchResult, error)
}
