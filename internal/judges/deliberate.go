package judges

import (
	"math"

	"reasonerd/internal/types"
)

// Deliberate reduces a critique set to one score:
//  1. mean when the standard deviation is under 0.15 (consensus);
//  2. else a rounded score with at least 2/3 support wins (majority);
//  3. else a weighted mean over the stored per-judge weights.
//
// weightOf resolves a judge's stored weight; nil means uniform weights.
func Deliberate(critiques []types.Critique, weightOf func(name string) float64) float64 {
	if len(critiques) == 0 {
		return neutralScore
	}
	if weightOf == nil {
		weightOf = func(string) float64 { return 1.0 }
	}

	var sum float64
	for _, c := range critiques {
		sum += c.Score
	}
	mean := sum / float64(len(critiques))

	var variance float64
	for _, c := range critiques {
		variance += (c.Score - mean) * (c.Score - mean)
	}
	if math.Sqrt(variance/float64(len(critiques))) < 0.15 {
		return mean
	}

	// Majority over scores rounded to one decimal.
	buckets := map[int][]float64{}
	for _, c := range critiques {
		key := int(math.Round(c.Score * 10))
		buckets[key] = append(buckets[key], c.Score)
	}
	for _, members := range buckets {
		if 3*len(members) >= 2*len(critiques) {
			var s float64
			for _, v := range members {
				s += v
			}
			return s / float64(len(members))
		}
	}

	var weighted, totalWeight float64
	for _, c := range critiques {
		w := weightOf(c.Judge)
		if w <= 0 {
			w = 1.0
		}
		weighted += w * c.Score
		totalWeight += w
	}
	if totalWeight == 0 {
		return mean
	}
	return weighted / totalWeight
}
