package analysis

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/curio/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// groupedPoints builds size points around each of the first groups basis
// vectors of an 8-dimensional space, with small noise.
func groupedPoints(r *rand.Rand, groups, size int) ([]models.Point, map[uuid.UUID]int) {
	labels := make(map[uuid.UUID]int)
	var points []models.Point
	for g := 0; g < groups; g++ {
		for i := 0; i < size; i++ {
			v := make([]float32, 8)
			for d := range v {
				v[d] = float32(r.Float64()*0.04 - 0.02)
			}
			v[g] += 1
			p := models.Point{ID: uuid.New(), Vector: v}
			labels[p.ID] = g
			points = append(points, p)
		}
	}
	return points, labels
}

func TestKMeans_SeparatedGroupsConverge(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	points, labels := groupedPoints(r, 3, 40)

	res := KMeans(points, KMeansConfig{K: 3, Restarts: 30, Rand: r})

	assert.True(t, res.Converged)
	assert.LessOrEqual(t, res.Iterations, DefaultMaxIterations)
	require.Len(t, res.Clusters, 3)

	seen := make(map[int]bool)
	for _, c := range res.Clusters {
		require.NotEmpty(t, c.Members)
		label := labels[c.Members[0].ID]
		for _, m := range c.Members {
			assert.Equal(t, label, labels[m.ID], "cluster mixes synthetic groups")
		}
		assert.False(t, seen[label], "group %d split across clusters", label)
		seen[label] = true
		assert.Len(t, c.Members, 40)
	}
}

func TestKMeans_MoreClustersThanGroups(t *testing.T) {
	var points []models.Point
	for i := 0; i < 10; i++ {
		points = append(points, models.Point{ID: uuid.New(), Vector: []float32{1, 0}})
		points = append(points, models.Point{ID: uuid.New(), Vector: []float32{0, 1}})
	}

	res := KMeans(points, KMeansConfig{K: 5, Rand: rand.New(rand.NewPCG(1, 2))})

	assert.NotEmpty(t, res.Clusters)
	assert.LessOrEqual(t, len(res.Clusters), 2)
	total := 0
	for _, c := range res.Clusters {
		assert.NotEmpty(t, c.Members)
		total += len(c.Members)
	}
	assert.Equal(t, len(points), total)
}

func TestKMeans_ClampsKToPointCount(t *testing.T) {
	points := []models.Point{
		{ID: uuid.New(), Vector: []float32{1, 0, 0}},
		{ID: uuid.New(), Vector: []float32{0, 1, 0}},
		{ID: uuid.New(), Vector: []float32{0, 0, 1}},
	}

	res := KMeans(points, KMeansConfig{K: 10})

	assert.Len(t, res.Clusters, 3)
	assert.True(t, res.Converged)
}

func TestKMeans_EmptyInput(t *testing.T) {
	res := KMeans(nil, KMeansConfig{K: 4})
	assert.Empty(t, res.Clusters)
	assert.NotNil(t, res.Clusters)
}

func TestKMeans_ZeroVectors(t *testing.T) {
	points := []models.Point{
		{ID: uuid.New(), Vector: []float32{0, 0}},
		{ID: uuid.New(), Vector: []float32{0, 0}},
		{ID: uuid.New(), Vector: []float32{0, 0}},
	}

	res := KMeans(points, KMeansConfig{K: 2})

	require.Len(t, res.Clusters, 1)
	assert.Len(t, res.Clusters[0].Members, 3)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0},
		{"scale invariant", []float32{1, 1}, []float32{5, 5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

// --- ScoreClusters tests ---

func clusterOf(centroid []float32, vectors ...[]float32) Cluster {
	c := Cluster{Centroid: centroid}
	for _, v := range vectors {
		c.Members = append(c.Members, models.Point{ID: uuid.New(), Vector: v})
	}
	return c
}

func TestScoreClusters_CoherentBeatsLoose(t *testing.T) {
	tight := clusterOf([]float32{1, 0}, []float32{1, 0}, []float32{1, 0}, []float32{1, 0})
	loose := clusterOf([]float32{1, 1}, []float32{1, 0}, []float32{0, 1}, []float32{1, 0.2})

	scored := ScoreClusters([]Cluster{loose, tight}, 3)

	require.Len(t, scored, 2)
	assert.InDelta(t, 1.0, scored[0].Coherence, 1e-6)
	assert.InDelta(t, 1.0, scored[0].Score, 1e-6)
	assert.Greater(t, scored[0].Score, scored[1].Score)
}

func TestScoreClusters_UndersizedPenalty(t *testing.T) {
	small := clusterOf([]float32{1, 0}, []float32{1, 0})

	scored := ScoreClusters([]Cluster{small}, 5)

	assert.InDelta(t, 0.85, scored[0].Score, 1e-6)
}

func TestScoreClusters_NegativeCoherenceFloored(t *testing.T) {
	opposite := clusterOf([]float32{1, 0}, []float32{-1, 0}, []float32{-1, 0})

	scored := ScoreClusters([]Cluster{opposite}, 1)

	assert.Equal(t, 0.0, scored[0].Coherence)
	assert.InDelta(t, 0.3, scored[0].Score, 1e-6)
}

func TestScoreClusters_SortedDescending(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	var clusters []Cluster
	for i := 0; i < 25; i++ {
		var vs [][]float32
		for j := 0; j < 1+r.IntN(8); j++ {
			vs = append(vs, []float32{float32(r.Float64()*2 - 1), float32(r.Float64()*2 - 1)})
		}
		clusters = append(clusters, clusterOf([]float32{float32(r.Float64()), float32(r.Float64())}, vs...))
	}

	scored := ScoreClusters(clusters, 4)

	require.Len(t, scored, 25)
	assert.True(t, sort.SliceIsSorted(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	}))
	for _, c := range scored {
		assert.GreaterOrEqual(t, c.Score, 0.0)
	}
}

func TestClusterNearest(t *testing.T) {
	c := clusterOf([]float32{1, 0}, []float32{0, 1}, []float32{1, 0}, []float32{1, 1})
	far, exact, mid := c.Members[0].ID, c.Members[1].ID, c.Members[2].ID

	got := c.Nearest()

	require.Len(t, got, 3)
	assert.Equal(t, []uuid.UUID{exact, mid, far}, []uuid.UUID{got[0].ID, got[1].ID, got[2].ID})
}
