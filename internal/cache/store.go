package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbgorm "github.com/atabot/ragengine/internal/db/gorm"
	"github.com/atabot/ragengine/pkg/models"
)

// FlushInterval is how often the in-memory map is written to the
// persistent tier.
const FlushInterval = 5 * time.Minute

// entry is an in-memory FIFO slot.
type entry struct {
	vector   []float32
	metadata map[string]interface{}
}

// Store is the two-tier embedding cache. Reads hit memory first;
// writes land in memory immediately and are flushed to the persistent
// tier on a timer or explicit Flush.
type Store struct {
	db *gorm.DB

	mu       sync.RWMutex
	entries  map[string]*list.Element // textHash -> FIFO element
	order    *list.List               // front = oldest
	dirty    map[string]struct{}      // textHash pending flush

	maxSize         int
	cleanupTTLDays  int
	accessThreshold int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures the cache's sizing and retention policy.
type Config struct {
	MaxSize         int // in-memory FIFO ceiling
	CleanupTTLDays  int // persistent rows older than this are eligible for cleanup
	AccessThreshold int // cleanup spares rows with access_count >= this
}

// New builds a Store and starts its background flush loop.
func New(db *gorm.DB, cfg Config) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.CleanupTTLDays <= 0 {
		cfg.CleanupTTLDays = 90
	}
	if cfg.AccessThreshold <= 0 {
		cfg.AccessThreshold = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:              db,
		entries:         make(map[string]*list.Element),
		order:           list.New(),
		dirty:           make(map[string]struct{}),
		maxSize:         cfg.MaxSize,
		cleanupTTLDays:  cfg.CleanupTTLDays,
		accessThreshold: cfg.AccessThreshold,
		ctx:             ctx,
		cancel:          cancel,
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

type fifoItem struct {
	hash string
	e    entry
}

// Get implements Cache: memory first, persistent tier second. A
// persistent-tier hit is promoted into memory; a memory hit never moves
// the entry, so reads don't disturb FIFO insertion order.
func (s *Store) Get(ctx context.Context, textHash string) ([]float32, bool) {
	s.mu.RLock()
	if el, ok := s.entries[textHash]; ok {
		v := el.Value.(*fifoItem).e.vector
		s.mu.RUnlock()
		return v, true
	}
	s.mu.RUnlock()

	if s.db == nil {
		return nil, false
	}

	var row dbgorm.CacheRow
	err := s.db.WithContext(ctx).Where("text_hash = ?", textHash).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("text_hash", textHash).Msg("cache: persistent lookup failed")
		return nil, false
	}

	vec := row.Vector.Slice()
	s.insertMemory(textHash, vec, row.Metadata)
	return vec, true
}

// Put implements Cache.
func (s *Store) Put(ctx context.Context, textHash string, vector []float32, metadata map[string]interface{}) {
	s.insertMemory(textHash, vector, metadata)
	s.mu.Lock()
	s.dirty[textHash] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) insertMemory(textHash string, vector []float32, metadata map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[textHash]; ok {
		el.Value.(*fifoItem).e = entry{vector: vector, metadata: metadata}
		return
	}

	for s.order.Len() >= s.maxSize {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		item := oldest.Value.(*fifoItem)
		delete(s.entries, item.hash)
		delete(s.dirty, item.hash)
		s.order.Remove(oldest)
	}

	el := s.order.PushBack(&fifoItem{hash: textHash, e: entry{vector: vector, metadata: metadata}})
	s.entries[textHash] = el
}

// Flush implements Cache: upserts every dirty entry into the persistent
// tier, advancing last_accessed and incrementing access_count.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	rows := make([]dbgorm.CacheRow, 0, len(s.dirty))
	now := time.Now()
	for hash := range s.dirty {
		el, ok := s.entries[hash]
		if !ok {
			continue
		}
		item := el.Value.(*fifoItem)
		rows = append(rows, dbgorm.CacheRow{
			TextHash:     hash,
			Vector:       pgvec.NewVector(item.e.vector),
			Metadata:     models.JSONMap(item.e.metadata),
			CreatedAt:    now,
			LastAccessed: now,
			AccessCount:  1,
		})
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if len(rows) == 0 || s.db == nil {
		return nil
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "text_hash"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"vector":        gorm.Expr("EXCLUDED.vector"),
				"metadata":      gorm.Expr("EXCLUDED.metadata"),
				"last_accessed": gorm.Expr("now()"),
				"access_count":  gorm.Expr("atabot.embedding_cache.access_count + 1"),
			}),
		}).
		CreateInBatches(&rows, 200).Error
	if err != nil {
		return fmt.Errorf("cache: flush %d rows: %w", len(rows), err)
	}
	log.Debug().Int("rows", len(rows)).Msg("cache: flushed to persistent tier")
	return nil
}

// Cleanup implements Cache: deletes persistent rows stale by both age
// and access count.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cleanupTTLDays)
	res := s.db.WithContext(ctx).
		Where("last_accessed < ? AND access_count < ?", cutoff, s.accessThreshold).
		Delete(&dbgorm.CacheRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("cache: cleanup: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info().Int64("deleted", res.RowsAffected).Msg("cache: cleanup removed stale rows")
	}
	return res.RowsAffected, nil
}

// Preload implements Cache: loads the limit most-recently-and-frequently
// accessed rows into memory at startup.
func (s *Store) Preload(ctx context.Context, limit int) error {
	if limit <= 0 || s.db == nil {
		return nil
	}
	var rows []dbgorm.CacheRow
	err := s.db.WithContext(ctx).
		Order("access_count DESC, last_accessed DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("cache: preload: %w", err)
	}
	for _, row := range rows {
		s.insertMemory(row.TextHash, row.Vector.Slice(), row.Metadata)
	}
	log.Info().Int("rows", len(rows)).Msg("cache: preloaded into memory")
	return nil
}

// Size implements Cache.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// Close implements Cache: stops the flush loop, then flushes once more.
func (s *Store) Close(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()
	return s.Flush(ctx)
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("cache: periodic flush failed")
			}
		}
	}
}

var _ Cache = (*Store)(nil)
