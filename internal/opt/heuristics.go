package opt

import "tourplan/internal/model"

// OpenPathOrder orders points[1:] starting from points[0] with nearest
// neighbour construction followed by 2-opt. points[0] stays first; the end of
// the path is free. The result lists indices into points.
func OpenPathOrder(points []model.GeoPoint, iterations int) []int {
	if len(points) == 0 {
		return nil
	}
	seed := NearestNeighbor(points, 0)
	return ImproveOrder2Opt(points, seed, iterations)
}

// NearestNeighbor builds a greedy path visiting every point once.
func NearestNeighbor(points []model.GeoPoint, start int) []int {
	n := len(points)
	visited := make([]bool, n)
	order := make([]int, 0, n)
	cur := start
	visited[cur] = true
	order = append(order, cur)
	for len(order) < n {
		next := -1
		bestD := 0.0
		for j := 0; j < n; j++ {
			if visited[j] {
				continue
			}
			d := HaversineMeters(points[cur], points[j])
			if next == -1 || d < bestD {
				next, bestD = j, d
			}
		}
		visited[next] = true
		order = append(order, next)
		cur = next
	}
	return order
}

// ImproveOrder2Opt applies 2-opt moves that shorten the open path. The first
// position is never moved.
func ImproveOrder2Opt(points []model.GeoPoint, order []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestDist := PathDistance(points, best)
	n := len(order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				candidate := twoOptSwap(best, i, k)
				d := PathDistance(points, candidate)
				if d+1e-3 < bestDist {
					best = candidate
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func PathDistance(points []model.GeoPoint, order []int) float64 {
	total := 0.0
	for i := 0; i < len(order)-1; i++ {
		total += HaversineMeters(points[order[i]], points[order[i+1]])
	}
	return total
}
