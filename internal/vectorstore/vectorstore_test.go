package vectorstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointIDPassesThroughValidUUID(t *testing.T) {
	id := uuid.New().String()
	got, fallback := pointID(id)
	assert.Equal(t, id, got)
	assert.False(t, fallback)
}

func TestPointIDDerivesDeterministicUUIDForNonUUID(t *testing.T) {
	got1, fallback1 := pointID("conversation-123")
	got2, fallback2 := pointID("conversation-123")
	assert.True(t, fallback1)
	assert.True(t, fallback2)
	assert.Equal(t, got1, got2)
	_, err := uuid.Parse(got1)
	assert.NoError(t, err)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("QDRANT_TEST_DSN")
	if dsn == "" {
		t.Skip("QDRANT_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn, Collection: "conversation_memory_test", Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndSearchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "conv-vec-1", []float32{1, 0, 0, 0}, map[string]string{
		"conversation_id": "conv-vec-1",
		"summary":         "a discussion about rate limits",
	})
	require.NoError(t, err)

	hits, err := s.Search(ctx, []float32{1, 0, 0, 0}, 5, 0.0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "conv-vec-1", hits[0].ConversationID)
	assert.Equal(t, "a discussion about rate limits", hits[0].Summary)
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(context.Background(), "conv-vec-2", []float32{1, 2}, nil)
	assert.Error(t, err)
}

func TestCleanupOldEmbeddingsRemovesStalePoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "conv-vec-stale", []float32{0, 1, 0, 0}, map[string]string{
		"conversation_id": "conv-vec-stale",
	})
	require.NoError(t, err)

	n, err := s.CleanupOldEmbeddings(ctx, -time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	hits, err := s.Search(ctx, []float32{0, 1, 0, 0}, 5, 0.0)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "conv-vec-stale", h.ConversationID)
	}
}
