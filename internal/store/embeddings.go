package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/curio/internal/vectors"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// EmbeddingStore keeps vectors in the embeddings table, keyed by space and
// entity id. It is the default vector backend when Qdrant is not configured.
type EmbeddingStore struct {
	pool *pgxpool.Pool
}

func NewEmbeddingStore(pool *pgxpool.Pool) *EmbeddingStore {
	return &EmbeddingStore{pool: pool}
}

func (s *EmbeddingStore) Upsert(ctx context.Context, space string, points []models.Point) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(
			`INSERT INTO embeddings (space, entity_id, vector, updated_at) VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (space, entity_id) DO UPDATE SET vector = EXCLUDED.vector, updated_at = NOW()`,
			space, p.ID, p.Vector)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert embeddings: %w", err)
	}
	return nil
}

// Fetch returns the stored vectors for ids. Ids without a vector are
// omitted from the result.
func (s *EmbeddingStore) Fetch(ctx context.Context, space string, ids []uuid.UUID) ([]models.Point, error) {
	if len(ids) == 0 {
		return []models.Point{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, vector FROM embeddings WHERE space = $1 AND entity_id = ANY($2)`, space, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch embeddings: %w", err)
	}
	defer rows.Close()

	points := make([]models.Point, 0, len(ids))
	for rows.Next() {
		var p models.Point
		if err := rows.Scan(&p.ID, &p.Vector); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

var _ vectors.Store = (*EmbeddingStore)(nil)
