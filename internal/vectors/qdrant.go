package vectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/curio/pkg/models"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantStore keeps each space in its own Qdrant collection named
// {prefix}{space}, created on first write with cosine distance.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	prefix      string
	logger      *slog.Logger

	mu    sync.Mutex
	ready map[string]bool
}

// NewQdrantStore connects to the Qdrant gRPC endpoint at addr (host:port).
func NewQdrantStore(addr, prefix string, logger *slog.Logger) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantStore{
		conn:        conn,
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		prefix:      prefix,
		logger:      logger.With("component", "qdrant"),
		ready:       make(map[string]bool),
	}, nil
}

func (q *QdrantStore) Close() error {
	return q.conn.Close()
}

func (q *QdrantStore) collection(space string) string {
	return q.prefix + space
}

// ensureCollection creates the collection for space if it does not exist.
func (q *QdrantStore) ensureCollection(ctx context.Context, space string, size int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready[space] {
		return nil
	}

	name := q.collection(space)
	_, err := q.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		st, ok := status.FromError(err)
		if !ok || st.Code() != codes.NotFound {
			return fmt.Errorf("get collection %s: %w", name, err)
		}
		q.logger.Info("creating collection", "collection", name, "size", size)
		_, err = q.collections.Create(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: &qdrant.VectorsConfig{
				Config: &qdrant.VectorsConfig_Params{
					Params: &qdrant.VectorParams{
						Size:     uint64(size),
						Distance: qdrant.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	q.ready[space] = true
	return nil
}

func (q *QdrantStore) Upsert(ctx context.Context, space string, points []models.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, space, len(points[0].Vector)); err != nil {
		return err
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: p.ID.String()}},
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: p.Vector}}},
		})
	}

	wait := true
	_, err := q.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection(space),
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert points into %s: %w", q.collection(space), err)
	}
	return nil
}

func (q *QdrantStore) Fetch(ctx context.Context, space string, ids []uuid.UUID) ([]models.Point, error) {
	if len(ids) == 0 {
		return []models.Point{}, nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id.String()}})
	}

	resp, err := q.points.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection(space),
		Ids:            pointIDs,
		WithVectors: &qdrant.WithVectorsSelector{
			SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return []models.Point{}, nil
		}
		return nil, fmt.Errorf("get points from %s: %w", q.collection(space), err)
	}

	out := make([]models.Point, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		id, err := uuid.Parse(p.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("skipping point with non-uuid id", "collection", q.collection(space), "error", err)
			continue
		}
		data := p.GetVectors().GetVector().GetData()
		if len(data) == 0 {
			continue
		}
		out = append(out, models.Point{ID: id, Vector: data})
	}
	return out, nil
}

var _ Store = (*QdrantStore)(nil)
