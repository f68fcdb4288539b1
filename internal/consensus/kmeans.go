package consensus

import "math/rand"

// kMeans is a small fixed-seed Lloyd's-algorithm implementation: no
// library in the pack offers clustering (gonum and its clustering
// packages are absent from every example's go.mod), so this is hand-rolled
// in the same spirit as faultcore's own hand-rolled retry/breaker state
// machines — see DESIGN.md's internal/consensus entry. It is intentionally
// not general-purpose: callers are SemanticCluster's short message lists
// (single digits to low hundreds of points), not large-scale clustering.
func kMeans(points [][]float32, k int, seed int64) (labels []int, centroids [][]float32) {
	n := len(points)
	dim := len(points[0])

	rng := rand.New(rand.NewSource(seed))
	order := rng.Perm(n)

	centroids = make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), points[order[i%n]]...)
	}

	labels = make([]int, n)
	const maxIterations = 100

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, squaredDistance(p, centroids[0])
			for c := 1; c < k; c++ {
				d := squaredDistance(p, centroids[c])
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := 0; c < k; c++ {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			l := labels[i]
			counts[l]++
			for d, v := range p {
				sums[l][d] += float64(v)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			newCentroid := make([]float32, dim)
			for d := 0; d < dim; d++ {
				newCentroid[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = newCentroid
		}

		if !changed && iter > 0 {
			break
		}
	}

	return labels, centroids
}

func squaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}
