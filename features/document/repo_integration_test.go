package document_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorebase/features/document"
	"lorebase/features/kb"
	"lorebase/internal/testutils"
)

func TestDocumentRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	kbRepo := kb.NewPostgresRepo(s.DB)
	repo := document.NewPostgresRepo(s.DB)

	base := &kb.KnowledgeBase{
		OwnerID: "owner-1",
		Name:    "integration",
		Status:  kb.StatusProcessing,
		Chunking: kb.ChunkingConfig{
			Strategy:      "recursive",
			MaxTokens:     256,
			OverlapTokens: 32,
		},
		EmbeddingModel: "text-embedding-004",
	}
	require.NoError(t, kbRepo.Save(ctx, base))

	ids, err := repo.BulkCreate(ctx, []document.Document{
		{KBID: base.ID, SourceType: document.TypeManual, RawContent: "alpha", Importance: document.ImportanceCritical, Annotated: true},
		{KBID: base.ID, SourceType: document.TypeWeb, Origin: "http://example.com/a"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	docs, err := repo.ListByKB(ctx, base.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, document.StatusPending, docs[0].Status)
	assert.Equal(t, document.ImportanceMedium, docs[1].Importance)

	chunks := []document.Chunk{
		{ID: uuid.New().String(), DocumentID: ids[0], KBID: base.ID, Position: 0,
			Content: "postgres keeps the relational rows", TokenCount: 6, Strategy: "recursive"},
		{ID: uuid.New().String(), DocumentID: ids[0], KBID: base.ID, Position: 1,
			Content: "weaviate holds the vectors", TokenCount: 4, Strategy: "recursive"},
	}
	require.NoError(t, repo.InsertChunks(ctx, chunks))

	// Full-text search hits the generated tsvector column.
	hits, err := repo.SearchKeyword(ctx, base.ID, "vectors", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunks[1].ID, hits[0].ChunkID)
	assert.Equal(t, document.ImportanceCritical, hits[0].Importance)
	assert.True(t, hits[0].Annotated)

	// Unvectorized sweep sees both rows until they are marked.
	pending, err := repo.ListUnvectorizedChunks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, repo.MarkChunksVectorized(ctx, []string{chunks[0].ID, chunks[1].ID}))
	pending, err = repo.ListUnvectorizedChunks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Documents parked for deletion are excluded from search.
	require.NoError(t, repo.UpdateStatus(ctx, ids[0], document.StatusPendingDeletion, ""))
	hits, err = repo.SearchKeyword(ctx, base.ID, "vectors", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	parked, err := repo.ListByStatus(ctx, document.StatusPendingDeletion, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, ids[0], parked[0].ID)

	require.NoError(t, repo.DeleteChunksByDocument(ctx, ids[0]))
	n, err := repo.CountChunksByDocument(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, repo.Delete(ctx, ids[0]))
	_, err = repo.Get(ctx, ids[0])
	assert.Error(t, err)
}
