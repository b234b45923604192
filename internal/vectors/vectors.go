// Package vectors stores entity embeddings by space.
package vectors

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/curio/pkg/models"
)

const (
	SpaceProducts = "products"
	SpaceProfiles = "profiles"
)

// Store persists one vector per entity within a space. Upsert replaces an
// existing vector. Fetch omits ids that have no vector.
type Store interface {
	Upsert(ctx context.Context, space string, points []models.Point) error
	Fetch(ctx context.Context, space string, ids []uuid.UUID) ([]models.Point, error)
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	spaces map[string]map[uuid.UUID][]float32
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spaces: make(map[string]map[uuid.UUID][]float32)}
}

func (m *MemoryStore) Upsert(_ context.Context, space string, points []models.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.spaces[space]
	if !ok {
		s = make(map[uuid.UUID][]float32)
		m.spaces[space] = s
	}
	for _, p := range points {
		s[p.ID] = append([]float32(nil), p.Vector...)
	}
	return nil
}

func (m *MemoryStore) Fetch(_ context.Context, space string, ids []uuid.UUID) ([]models.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Point, 0, len(ids))
	for _, id := range ids {
		if v, ok := m.spaces[space][id]; ok {
			out = append(out, models.Point{ID: id, Vector: append([]float32(nil), v...)})
		}
	}
	return out, nil
}

// Len reports how many vectors a space holds.
func (m *MemoryStore) Len(space string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spaces[space])
}
