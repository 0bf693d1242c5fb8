// Package gorm provides the PostgreSQL/pgvector-backed storage layer for
// the rag engine: connection pooling, schema migrations and the GORM row
// models for the five control tables (embeddings, embedding_cache,
// managed_schemas, sync_status, query_logs).
//
// The pgvector extension and ivfflat index are created by the migration
// chain in migrations.go; callers open a Store with NewStore and then
// hand its *gorm.DB to the package-specific stores (internal/vector,
// internal/cache, internal/syncpipeline) that own the actual queries.
package gorm
