package analysis

import "sort"

const (
	coherenceWeight = 0.7
	adequacyWeight  = 0.3
	// undersizedAdequacy applies to clusters below the minimum size.
	undersizedAdequacy = 0.5
)

// ScoreClusters sets Coherence and Score on a copy of clusters and returns it
// sorted by Score, highest first. Coherence is the mean cosine similarity of
// members to their centroid, floored at zero. Score weighs coherence against
// whether the cluster reaches minSize members.
func ScoreClusters(clusters []Cluster, minSize int) []Cluster {
	scored := make([]Cluster, len(clusters))
	for i, c := range clusters {
		c.Coherence = coherence(c)
		adequacy := 1.0
		if len(c.Members) < minSize {
			adequacy = undersizedAdequacy
		}
		c.Score = coherenceWeight*c.Coherence + adequacyWeight*adequacy
		scored[i] = c
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

func coherence(c Cluster) float64 {
	if len(c.Members) == 0 {
		return 0
	}
	var total float64
	for _, m := range c.Members {
		total += CosineSimilarity(m.Vector, c.Centroid)
	}
	mean := total / float64(len(c.Members))
	if mean < 0 {
		return 0
	}
	return mean
}
