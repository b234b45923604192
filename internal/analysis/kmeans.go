package analysis

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/kiranshivaraju/curio/pkg/models"
)

const (
	DefaultMaxIterations = 20
	DefaultTolerance     = 0.001
)

// Cluster is a group of points around a centroid. Clusters are recomputed on
// every run and never persisted.
type Cluster struct {
	Centroid  []float32
	Members   []models.Point
	Coherence float64
	Score     float64
}

// KMeansConfig configures a clustering run. Zero values take defaults.
type KMeansConfig struct {
	K             int
	MaxIterations int
	// Tolerance is the largest centroid movement, in cosine distance, that
	// still counts as converged.
	Tolerance float64
	// Restarts runs the algorithm from this many random starts and keeps the
	// run with the lowest total distance.
	Restarts int
	// Rand seeds centroid sampling. When nil, runs are not reproducible.
	Rand *rand.Rand
}

// KMeansResult is the outcome of the chosen run.
type KMeansResult struct {
	Clusters   []Cluster
	Iterations int
	Converged  bool
	Inertia    float64
}

// KMeans partitions points into at most K clusters by cosine distance.
// Centroids start at K distinct points sampled uniformly, which keeps the
// algorithm simple at the price of reproducibility. Empty clusters keep
// their previous centroid during refinement and are dropped from the result.
func KMeans(points []models.Point, cfg KMeansConfig) KMeansResult {
	k := cfg.K
	if k > len(points) {
		k = len(points)
	}
	if k <= 0 {
		return KMeansResult{Clusters: []Cluster{}, Converged: true}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Restarts <= 0 {
		cfg.Restarts = 1
	}

	var best KMeansResult
	for i := 0; i < cfg.Restarts; i++ {
		res := kmeansOnce(points, k, cfg)
		if i == 0 || res.Inertia < best.Inertia {
			best = res
		}
	}
	return best
}

func kmeansOnce(points []models.Point, k int, cfg KMeansConfig) KMeansResult {
	var perm []int
	if cfg.Rand != nil {
		perm = cfg.Rand.Perm(len(points))
	} else {
		perm = rand.Perm(len(points))
	}
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = copyVector(points[perm[i]].Vector)
	}

	assignment := make([]int, len(points))
	res := KMeansResult{}
	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		res.Iterations = iter
		assign(points, centroids, assignment)

		moved := 0.0
		for c := range centroids {
			next := meanOf(points, assignment, c, len(centroids[c]))
			if next == nil {
				continue
			}
			if d := movement(centroids[c], next); d > moved {
				moved = d
			}
			centroids[c] = next
		}
		if moved < cfg.Tolerance {
			res.Converged = true
			break
		}
	}

	assign(points, centroids, assignment)
	members := make([][]models.Point, k)
	for i, c := range assignment {
		members[c] = append(members[c], points[i])
		res.Inertia += CosineDistance(points[i].Vector, centroids[c])
	}
	res.Clusters = make([]Cluster, 0, k)
	for c := range centroids {
		if len(members[c]) == 0 {
			continue
		}
		res.Clusters = append(res.Clusters, Cluster{Centroid: centroids[c], Members: members[c]})
	}
	return res
}

// assign puts each point in its nearest cluster. Ties go to the lower index.
func assign(points []models.Point, centroids [][]float32, out []int) {
	for i, p := range points {
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range centroids {
			if d := CosineDistance(p.Vector, centroid); d < bestDist {
				best, bestDist = c, d
			}
		}
		out[i] = best
	}
}

// meanOf returns the coordinate mean of cluster c, or nil when it is empty.
func meanOf(points []models.Point, assignment []int, c, dim int) []float32 {
	sum := make([]float64, dim)
	n := 0
	for i, a := range assignment {
		if a != c {
			continue
		}
		n++
		for d := 0; d < dim && d < len(points[i].Vector); d++ {
			sum[d] += float64(points[i].Vector[d])
		}
	}
	if n == 0 {
		return nil
	}
	mean := make([]float32, dim)
	for d := range sum {
		mean[d] = float32(sum[d] / float64(n))
	}
	return mean
}

func movement(a, b []float32) float64 {
	if equalVectors(a, b) {
		return 0
	}
	return CosineDistance(a, b)
}

// CosineSimilarity is 0 when either vector has zero norm.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// Nearest returns members ordered by similarity to the centroid, most
// similar first.
func (c Cluster) Nearest() []models.Point {
	out := make([]models.Point, len(c.Members))
	copy(out, c.Members)
	sort.SliceStable(out, func(i, j int) bool {
		return CosineSimilarity(out[i].Vector, c.Centroid) > CosineSimilarity(out[j].Vector, c.Centroid)
	})
	return out
}

func equalVectors(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
