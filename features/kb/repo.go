package kb

import (
	"context"
	"database/sql"
)

type Repository interface {
	Save(ctx context.Context, k *KnowledgeBase) error
	Get(ctx context.Context, id string) (*KnowledgeBase, error)
	List(ctx context.Context, ownerID string) ([]KnowledgeBase, error)
	UpdateStatus(ctx context.Context, id, status, reason string) error
	UpdateCounts(ctx context.Context, id string, documents, chunks int) error
	UpdateChunking(ctx context.Context, id string, cfg ChunkingConfig) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, k *KnowledgeBase) error {
	query := `INSERT INTO knowledge_bases (owner_id, name, status, chunk_strategy, max_tokens, overlap_tokens, embedding_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		k.OwnerID, k.Name, k.Status,
		k.Chunking.Strategy, k.Chunking.MaxTokens, k.Chunking.OverlapTokens,
		k.EmbeddingModel,
	).Scan(&k.ID, &k.CreatedAt, &k.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*KnowledgeBase, error) {
	k := &KnowledgeBase{}
	query := `SELECT id, owner_id, name, status, chunk_strategy, max_tokens, overlap_tokens, embedding_model,
		document_count, chunk_count, error, created_at, updated_at
		FROM knowledge_bases WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&k.ID, &k.OwnerID, &k.Name, &k.Status,
		&k.Chunking.Strategy, &k.Chunking.MaxTokens, &k.Chunking.OverlapTokens, &k.EmbeddingModel,
		&k.DocumentCount, &k.ChunkCount, &k.Error, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (r *PostgresRepo) List(ctx context.Context, ownerID string) ([]KnowledgeBase, error) {
	query := `SELECT id, owner_id, name, status, chunk_strategy, max_tokens, overlap_tokens, embedding_model,
		document_count, chunk_count, error, created_at, updated_at
		FROM knowledge_bases WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []KnowledgeBase
	for rows.Next() {
		var k KnowledgeBase
		if err := rows.Scan(
			&k.ID, &k.OwnerID, &k.Name, &k.Status,
			&k.Chunking.Strategy, &k.Chunking.MaxTokens, &k.Chunking.OverlapTokens, &k.EmbeddingModel,
			&k.DocumentCount, &k.ChunkCount, &k.Error, &k.CreatedAt, &k.UpdatedAt,
		); err != nil {
			return nil, err
		}
		kbs = append(kbs, k)
	}
	return kbs, rows.Err()
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id, status, reason string) error {
	query := `UPDATE knowledge_bases SET status = $2, error = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, reason)
	return err
}

func (r *PostgresRepo) UpdateCounts(ctx context.Context, id string, documents, chunks int) error {
	query := `UPDATE knowledge_bases SET document_count = $2, chunk_count = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, documents, chunks)
	return err
}

func (r *PostgresRepo) UpdateChunking(ctx context.Context, id string, cfg ChunkingConfig) error {
	query := `UPDATE knowledge_bases SET chunk_strategy = $2, max_tokens = $3, overlap_tokens = $4, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, cfg.Strategy, cfg.MaxTokens, cfg.OverlapTokens)
	return err
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM knowledge_bases WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_bases`).Scan(&count)
	return count, err
}
