package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore builds a Store with no backing database. Tests in this
// file only exercise the in-memory FIFO tier; with a nil *gorm.DB the
// Store skips every persistent-tier read and write.
func newTestStore(maxSize int) *Store {
	return New(nil, Config{MaxSize: maxSize})
}

func TestGet_MemoryHitAfterInsert(t *testing.T) {
	s := newTestStore(10)
	defer s.Close(context.Background())

	s.insertMemory("hash-1", []float32{0.1, 0.2}, map[string]interface{}{"k": "v"})

	vec, ok := s.Get(context.Background(), "hash-1")
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, 1, s.Size())
}

func TestInsertMemory_EvictsOldestWhenFull(t *testing.T) {
	s := newTestStore(2)
	defer s.Close(context.Background())

	s.insertMemory("h1", []float32{1}, nil)
	s.insertMemory("h2", []float32{2}, nil)
	s.insertMemory("h3", []float32{3}, nil)

	assert.Equal(t, 2, s.Size())
	_, ok := s.Get(context.Background(), "h1")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = s.Get(context.Background(), "h3")
	assert.True(t, ok)
}

func TestInsertMemory_OverwriteDoesNotChangeFIFOSize(t *testing.T) {
	s := newTestStore(2)
	defer s.Close(context.Background())

	s.insertMemory("h1", []float32{1}, nil)
	s.insertMemory("h1", []float32{99}, nil)

	assert.Equal(t, 1, s.Size())
	vec, ok := s.Get(context.Background(), "h1")
	require.True(t, ok)
	assert.Equal(t, []float32{99}, vec)
}

func TestFlush_NoDirtyEntriesIsNoOp(t *testing.T) {
	s := newTestStore(10)
	defer s.Close(context.Background())

	s.insertMemory("h1", []float32{1}, nil) // bypasses Put, so never marked dirty
	assert.NoError(t, s.Flush(context.Background()))
}
