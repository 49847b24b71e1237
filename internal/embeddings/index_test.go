package embeddings

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tymrtn/envelope/internal/database"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	vectors map[string][]float32 // by text; fallback default
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) Model() string { return "fake-model" }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestIndex(t *testing.T, embedder Embedder) *Index {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewIndex(db, embedder)
}

func TestEmbedMessageSkipsDuplicateContent(t *testing.T) {
	embedder := &fakeEmbedder{}
	index := newTestIndex(t, embedder)
	ctx := context.Background()

	fresh, err := index.EmbedMessage(ctx, "acct-1", "<m1@x>", "Subject", "Body text")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 1, embedder.callCount())

	// Same content again: no second API call, still one row.
	fresh, err = index.EmbedMessage(ctx, "acct-1", "<m1@x>", "Subject", "Body text")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, 1, embedder.callCount(), "duplicate content must skip the embed call")

	var rows int
	err = index.db.QueryRow("SELECT COUNT(*) FROM message_embeddings WHERE message_id = ?", "<m1@x>").Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
}

func TestEmbedMessageReplacesChangedContent(t *testing.T) {
	embedder := &fakeEmbedder{}
	index := newTestIndex(t, embedder)
	ctx := context.Background()

	_, err := index.EmbedMessage(ctx, "acct-1", "<m1@x>", "Subject", "original")
	require.NoError(t, err)

	fresh, err := index.EmbedMessage(ctx, "acct-1", "<m1@x>", "Subject", "rewritten")
	require.NoError(t, err)
	assert.True(t, fresh, "changed content must re-embed")

	var rows int
	err = index.db.QueryRow("SELECT COUNT(*) FROM message_embeddings").Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows, "re-embedding replaces, not duplicates")
}

func TestFindSimilarOrdersAndFilters(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"close\nbody":      {0.9, 0.1, 0},
		"far\nbody":        {0, 1, 0},
		"orthogonal\nbody": {0, 0, 1},
		"the query":        {1, 0, 0},
	}}
	index := newTestIndex(t, embedder)
	ctx := context.Background()

	for _, subject := range []string{"close", "far", "orthogonal"} {
		_, err := index.EmbedMessage(ctx, "acct-1", "<"+subject+"@x>", subject, "body")
		require.NoError(t, err)
	}

	hits, err := index.FindSimilar(ctx, "acct-1", "the query", 3)
	require.NoError(t, err)

	// Both "far" and "orthogonal" score 0 against the query, below the
	// 0.1 floor; only the close vector survives.
	require.Len(t, hits, 1)
	assert.Equal(t, "<close@x>", hits[0].MessageID)
	assert.Greater(t, hits[0].Score, 0.9)
}

func TestFindSimilarEmptyIndexSkipsEmbedCall(t *testing.T) {
	embedder := &fakeEmbedder{}
	index := newTestIndex(t, embedder)

	hits, err := index.FindSimilar(context.Background(), "acct-1", "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, 0, embedder.callCount(), "no stored vectors means no query embedding")
}
