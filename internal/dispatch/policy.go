package dispatch

import (
	"math"

	"tourplan/internal/config"
	"tourplan/internal/model"
)

var inf = math.Inf(1)

// Policy picks the candidate for a stop at p, or -1 when none fits.
type Policy interface {
	Name() string
	Select(p model.GeoPoint, cands []Candidate) int
}

func NewPolicy(cfg config.DispatchConfig) Policy {
	if cfg.Policy == config.PolicyScored {
		return Scored{Load: cfg.LoadWeight, Distance: cfg.DistanceWeight, Duration: cfg.DurationWeight}
	}
	return Strict{}
}

// Strict balances load first: only the least-loaded tours compete, then the
// closest centroid wins, then the shorter total duration, then the lower
// index. From equal starting loads the spread never exceeds one.
type Strict struct{}

func (Strict) Name() string { return config.PolicyStrict }

func (Strict) Select(p model.GeoPoint, cands []Candidate) int {
	if len(cands) == 0 {
		return -1
	}
	minLoad := cands[0].StopCount
	for _, c := range cands[1:] {
		if c.StopCount < minLoad {
			minLoad = c.StopCount
		}
	}
	var tied []int
	for i, c := range cands {
		if c.StopCount == minLoad {
			tied = append(tied, i)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	best := -1
	bestDist := 0.0
	for _, i := range tied {
		d := cands[i].distanceTo(p)
		if best == -1 {
			best, bestDist = i, d
			continue
		}
		switch {
		case d < bestDist:
			best, bestDist = i, d
		case d == bestDist && cands[i].TotalDuration < cands[best].TotalDuration:
			best = i
		}
	}
	return best
}

// Scored weighs normalised load, distance and duration; the lowest score
// wins and ties go to the lower index.
type Scored struct {
	Load     float64
	Distance float64
	Duration float64
}

func (Scored) Name() string { return config.PolicyScored }

func (s Scored) Select(p model.GeoPoint, cands []Candidate) int {
	if len(cands) == 0 {
		return -1
	}
	dists := make([]float64, len(cands))
	var maxCount, maxDist, maxDur float64
	for i := range cands {
		dists[i] = cands[i].distanceTo(p)
		maxCount = math.Max(maxCount, float64(cands[i].StopCount))
		maxDur = math.Max(maxDur, cands[i].TotalDuration.Seconds())
		if !math.IsInf(dists[i], 1) {
			maxDist = math.Max(maxDist, dists[i])
		}
	}

	best := -1
	bestScore := 0.0
	for i, c := range cands {
		distTerm := ratio(dists[i], maxDist)
		if math.IsInf(dists[i], 1) {
			distTerm = 1
		}
		score := s.Load*ratio(float64(c.StopCount), maxCount) +
			s.Distance*distTerm +
			s.Duration*ratio(c.TotalDuration.Seconds(), maxDur)
		if best == -1 || score < bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return v / limit
}
