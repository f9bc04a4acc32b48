package document

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type Repository interface {
	BulkCreate(ctx context.Context, docs []Document) ([]string, error)
	Get(ctx context.Context, id string) (*Document, error)
	ListByKB(ctx context.Context, kbID string) ([]Document, error)
	UpdateStatus(ctx context.Context, id, status, reason string) error
	UpdateCounts(ctx context.Context, id string, words, chars, chunks int) error
	ListByStatus(ctx context.Context, status string, limit int) ([]Document, error)
	Delete(ctx context.Context, id string) error

	InsertChunks(ctx context.Context, chunks []Chunk) error
	MarkChunksVectorized(ctx context.Context, chunkIDs []string) error
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	ListUnvectorizedChunks(ctx context.Context, limit int) ([]Chunk, error)
	CountChunksByDocument(ctx context.Context, documentID string) (int, error)
	CountChunks(ctx context.Context) (int, error)

	SearchKeyword(ctx context.Context, kbID, query string, limit int, filters map[string]string) ([]KeywordHit, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) BulkCreate(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `INSERT INTO source_documents (kb_id, source_type, origin, raw_content, max_depth, exclusions, status, importance, annotated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.Status == "" {
			d.Status = StatusPending
		}
		if d.Importance == "" {
			d.Importance = ImportanceMedium
		}
		var id string
		if err := tx.QueryRowContext(ctx, query,
			d.KBID, d.SourceType, d.Origin, d.RawContent, d.MaxDepth, pq.Array(d.Exclusions),
			d.Status, d.Importance, d.Annotated,
		).Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Document, error) {
	d := &Document{}
	query := `SELECT id, kb_id, source_type, origin, raw_content, max_depth, exclusions, status, word_count, char_count, chunk_count,
		importance, annotated, error, created_at, updated_at
		FROM source_documents WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.KBID, &d.SourceType, &d.Origin, &d.RawContent, &d.MaxDepth, pq.Array(&d.Exclusions), &d.Status,
		&d.WordCount, &d.CharCount, &d.ChunkCount,
		&d.Importance, &d.Annotated, &d.Error, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepo) ListByKB(ctx context.Context, kbID string) ([]Document, error) {
	query := `SELECT id, kb_id, source_type, origin, raw_content, max_depth, exclusions, status, word_count, char_count, chunk_count,
		importance, annotated, error, created_at, updated_at
		FROM source_documents WHERE kb_id = $1 ORDER BY created_at`
	return r.queryDocuments(ctx, query, kbID)
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, status string, limit int) ([]Document, error) {
	query := `SELECT id, kb_id, source_type, origin, raw_content, max_depth, exclusions, status, word_count, char_count, chunk_count,
		importance, annotated, error, created_at, updated_at
		FROM source_documents WHERE status = $1 ORDER BY updated_at LIMIT $2`
	return r.queryDocuments(ctx, query, status, limit)
}

func (r *PostgresRepo) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(
			&d.ID, &d.KBID, &d.SourceType, &d.Origin, &d.RawContent, &d.MaxDepth, pq.Array(&d.Exclusions), &d.Status,
			&d.WordCount, &d.CharCount, &d.ChunkCount,
			&d.Importance, &d.Annotated, &d.Error, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id, status, reason string) error {
	query := `UPDATE source_documents SET status = $2, error = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, reason)
	return err
}

func (r *PostgresRepo) UpdateCounts(ctx context.Context, id string, words, chars, chunks int) error {
	query := `UPDATE source_documents SET word_count = $2, char_count = $3, chunk_count = $4, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, words, chars, chunks)
	return err
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM source_documents WHERE id = $1`, id)
	return err
}

// InsertChunks persists chunk rows in document order. Rows land before the
// vectors do: a row without a vector is recoverable, a vector without a row
// is not.
func (r *PostgresRepo) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO chunks (id, document_id, kb_id, position, content, token_count, word_count, char_count, heading, page, strategy, vectorized)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.KBID, c.Position, c.Content,
			c.TokenCount, c.WordCount, c.CharCount,
			c.Heading, c.Page, c.Strategy, c.Vectorized,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *PostgresRepo) MarkChunksVectorized(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	query := `UPDATE chunks SET vectorized = TRUE WHERE id = ANY($1)`
	_, err := r.db.ExecContext(ctx, query, pq.Array(chunkIDs))
	return err
}

func (r *PostgresRepo) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	query := `DELETE FROM chunks WHERE document_id = $1`
	_, err := r.db.ExecContext(ctx, query, documentID)
	return err
}

// ListUnvectorizedChunks finds rows whose vector upsert never succeeded, for
// the reconciliation sweep.
func (r *PostgresRepo) ListUnvectorizedChunks(ctx context.Context, limit int) ([]Chunk, error) {
	query := `SELECT id, document_id, kb_id, position, content, token_count, word_count, char_count, heading, page, strategy, vectorized, created_at
		FROM chunks WHERE vectorized = FALSE ORDER BY created_at LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.KBID, &c.Position, &c.Content,
			&c.TokenCount, &c.WordCount, &c.CharCount,
			&c.Heading, &c.Page, &c.Strategy, &c.Vectorized, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *PostgresRepo) CountChunksByDocument(ctx context.Context, documentID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&count)
	return count, err
}

func (r *PostgresRepo) CountChunks(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// SearchKeyword ranks chunk content against the query with ts_rank. Filters
// match document columns exactly; unknown filter keys are rejected rather
// than silently ignored.
func (r *PostgresRepo) SearchKeyword(ctx context.Context, kbID, query string, limit int, filters map[string]string) ([]KeywordHit, error) {
	sqlQuery := `SELECT c.id, c.document_id, c.content, c.heading,
		ts_rank(c.content_tsv, websearch_to_tsquery('english', $2)) AS rank,
		d.importance, d.annotated
		FROM chunks c
		JOIN source_documents d ON d.id = c.document_id
		WHERE c.kb_id = $1
		  AND d.status != 'pending_deletion'
		  AND c.content_tsv @@ websearch_to_tsquery('english', $2)`

	args := []interface{}{kbID, query}
	for key, value := range filters {
		switch key {
		case "importance":
			args = append(args, value)
			sqlQuery += fmt.Sprintf(" AND d.importance = $%d", len(args))
		case "documentId":
			args = append(args, value)
			sqlQuery += fmt.Sprintf(" AND c.document_id = $%d", len(args))
		case "sourceType":
			args = append(args, value)
			sqlQuery += fmt.Sprintf(" AND d.source_type = $%d", len(args))
		default:
			return nil, fmt.Errorf("unsupported search filter: %s", key)
		}
	}

	args = append(args, limit)
	sqlQuery += fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Content, &h.Heading, &h.Rank, &h.Importance, &h.Annotated); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
