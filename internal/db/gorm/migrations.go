package gorm

import (
	"database/sql"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate. embeddingDims
// fixes the width of the embeddings.embedding column; changing it
// after the column exists requires a manual ALTER, since pgvector columns
// are fixed-dimension.
func runMigrations(db *gorm.DB, sqlDB *sql.DB, embeddingDims int) error {
	// Enable pgvector extension before running any migrations.
	// CREATE EXTENSION IF NOT EXISTS is idempotent.
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("enable pgvector extension: %w", err)
	}
	if err := db.Exec("CREATE SCHEMA IF NOT EXISTS atabot").Error; err != nil {
		return fmt.Errorf("create atabot schema: %w", err)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: embeddings table. The vector column's
		// width depends on the configured embedding model, so it is created
		// with raw SQL rather than AutoMigrate on the struct tag.
		{
			ID: "001_embeddings",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS atabot.embeddings (
						id TEXT PRIMARY KEY,
						schema_name TEXT NOT NULL,
						table_name TEXT NOT NULL,
						content TEXT NOT NULL,
						metadata JSONB,
						embedding vector(%d) NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`, embeddingDims),
					`CREATE INDEX IF NOT EXISTS idx_embeddings_schema_table
					 ON atabot.embeddings (schema_name, table_name)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("atabot.embeddings")
			},
		},

		// Migration 002: ivfflat cosine index on embeddings.embedding.
		// ivfflat needs a representative row count to pick a sane
		// "lists" value; 100 is the pgvector-recommended default for small-
		// to-medium corpora and is cheap to rebuild later with REINDEX.
		{
			ID: "002_embeddings_ivfflat_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`
					CREATE INDEX IF NOT EXISTS idx_embeddings_vector_cosine
					ON atabot.embeddings
					USING ivfflat (embedding vector_cosine_ops)
					WITH (lists = 100)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_embeddings_vector_cosine").Error
			},
		},

		// Migration 003: embedding_cache table, the cache's persistent tier.
		{
			ID: "003_embedding_cache",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS atabot.embedding_cache (
						text_hash TEXT PRIMARY KEY,
						vector vector(%d) NOT NULL,
						metadata JSONB,
						access_count INTEGER NOT NULL DEFAULT 0,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
						last_accessed TIMESTAMPTZ NOT NULL DEFAULT now()
					)`, embeddingDims),
					`CREATE INDEX IF NOT EXISTS idx_cache_access_count
					 ON atabot.embedding_cache (access_count DESC)`,
					`CREATE INDEX IF NOT EXISTS idx_cache_last_accessed
					 ON atabot.embedding_cache (last_accessed)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("atabot.embedding_cache")
			},
		},

		// Migration 004: managed_schemas table.
		{
			ID: "004_managed_schemas",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE TABLE IF NOT EXISTS atabot.managed_schemas (
					schema_name TEXT PRIMARY KEY,
					display_name TEXT,
					business_domain TEXT,
					is_active BOOLEAN NOT NULL DEFAULT true,
					learned_patterns JSONB,
					total_tables INTEGER NOT NULL DEFAULT 0,
					total_rows INTEGER NOT NULL DEFAULT 0,
					last_synced_at TIMESTAMPTZ
				)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("atabot.managed_schemas")
			},
		},

		// Migration 005: sync_status table.
		{
			ID: "005_sync_status",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE TABLE IF NOT EXISTS atabot.sync_status (
					schema_name TEXT NOT NULL,
					table_name TEXT NOT NULL,
					state TEXT NOT NULL DEFAULT 'pending'
						CHECK (state IN ('pending','running','completed','failed')),
					last_sync_completed TIMESTAMPTZ,
					rows_synced INTEGER NOT NULL DEFAULT 0,
					realtime_enabled BOOLEAN NOT NULL DEFAULT false,
					last_error TEXT,
					PRIMARY KEY (schema_name, table_name)
				)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("atabot.sync_status")
			},
		},

		// Migration 006: query_logs table.
		{
			ID: "006_query_logs",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS atabot.query_logs (
						id BIGSERIAL PRIMARY KEY,
						session_id TEXT,
						query TEXT,
						response_time_ms BIGINT NOT NULL DEFAULT 0,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX IF NOT EXISTS idx_query_logs_created
					 ON atabot.query_logs (created_at DESC)`,
					`CREATE INDEX IF NOT EXISTS idx_query_logs_session
					 ON atabot.query_logs (session_id)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("atabot.query_logs")
			},
		},
		// Migration 007: model_version column on embeddings. Rows written
		// before an embedding-model swap keep their old version string, so
		// the store can report how many vectors need a resync.
		{
			ID: "007_embeddings_model_version",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`ALTER TABLE atabot.embeddings ADD COLUMN IF NOT EXISTS model_version TEXT`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`ALTER TABLE atabot.embeddings DROP COLUMN IF EXISTS model_version`).Error
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("gormigrate: %w", err)
	}
	return nil
}
