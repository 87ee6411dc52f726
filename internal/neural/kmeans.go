package neural

import (
	"math"

	"github.com/montanaflynn/stats"
)

// Point2D is a BMU coordinate for one alert.
type Point2D struct {
	I, J   float64
	Serial uint64
}

// ScenarioGroups is the result of one k-means pass: cluster assignments
// and the chosen k.
type ScenarioGroups struct {
	K           int
	Assignments []int // parallel to the input slice
	Centroids   [][2]float64
}

// GroupScenarios runs k-means over BMU coordinates, choosing k by the
// minimum Schwarz-like score distortion + k*ln(n), per spec.md §4.8.
func GroupScenarios(points []Point2D, maxK int) ScenarioGroups {
	n := len(points)
	if n == 0 {
		return ScenarioGroups{}
	}
	if maxK > n {
		maxK = n
	}

	var best ScenarioGroups
	bestScore := math.Inf(1)

	for k := 1; k <= maxK; k++ {
		assignments, centroids, distortion := kmeans(points, k)
		score := distortion + float64(k)*math.Log(float64(n))
		if score < bestScore {
			bestScore = score
			best = ScenarioGroups{K: k, Assignments: assignments, Centroids: centroids}
		}
	}
	return best
}

func kmeans(points []Point2D, k int) ([]int, [][2]float64, float64) {
	centroids := make([][2]float64, k)
	for i := 0; i < k; i++ {
		centroids[i] = [2]float64{points[i*len(points)/k].I, points[i*len(points)/k].J}
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < 50; iter++ {
		changed := false
		for pi, p := range points {
			best, bestDist := 0, math.Inf(1)
			for ci, c := range centroids {
				d := sqDist(p.I, p.J, c[0], c[1])
				if d < bestDist {
					bestDist, best = d, ci
				}
			}
			if assignments[pi] != best {
				changed = true
			}
			assignments[pi] = best
		}

		sumI := make([]float64, k)
		sumJ := make([]float64, k)
		count := make([]int, k)
		for pi, p := range points {
			c := assignments[pi]
			sumI[c] += p.I
			sumJ[c] += p.J
			count[c]++
		}
		for c := 0; c < k; c++ {
			if count[c] == 0 {
				continue
			}
			centroids[c] = [2]float64{sumI[c] / float64(count[c]), sumJ[c] / float64(count[c])}
		}
		if !changed {
			break
		}
	}

	var distances []float64
	for pi, p := range points {
		c := centroids[assignments[pi]]
		distances = append(distances, math.Sqrt(sqDist(p.I, p.J, c[0], c[1])))
	}
	total, _ := stats.Sum(distances)
	return assignments, centroids, total
}

func sqDist(ai, aj, bi, bj float64) float64 {
	di, dj := ai-bi, aj-bj
	return di*di + dj*dj
}
