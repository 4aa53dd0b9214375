package scheduler

import (
	"math/rand"
	"sort"
)

// Policy is the scheduler's pluggable assignment strategy, chosen once at
// startup and never switched at runtime.
type Policy string

const (
	PolicyLeastLoad   Policy = "leastload"
	PolicyWeighted    Policy = "weighted"
	PolicyLRU         Policy = "lru"
	PolicyTwoBin      Policy = "twobin"
	PolicyPlainRandom Policy = "plainrandom"
	PolicyPure        Policy = "pure" // handled separately; never reaches pick()
)

// pick selects one engine from candidates according to policy. candidates
// must be non-empty; callers are responsible for the empty-candidate-set
// (ImpossibleDependency/parked) cases before calling pick.
func pick(policy Policy, candidates []*engineState, rng *rand.Rand) *engineState {
	switch policy {
	case PolicyLeastLoad:
		return pickLeastLoad(candidates)
	case PolicyWeighted:
		return pickWeighted(candidates, rng)
	case PolicyLRU:
		return pickLRU(candidates)
	case PolicyTwoBin:
		return pickTwoBin(candidates, rng)
	case PolicyPlainRandom:
		return candidates[rng.Intn(len(candidates))]
	default:
		return pickLeastLoad(candidates)
	}
}

// pickLeastLoad picks the smallest outstanding-task count; ties break by
// lowest average completion latency, then by engine_id.
func pickLeastLoad(candidates []*engineState) *engineState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.load() < best.load() ||
			(c.load() == best.load() && c.avgLatency() < best.avgLatency()) ||
			(c.load() == best.load() && c.avgLatency() == best.avgLatency() && c.engineID < best.engineID) {
			best = c
		}
	}
	return best
}

// pickWeighted samples an engine with probability inversely proportional
// to load × average latency. Engines with zero load/latency get the
// maximal weight.
func pickWeighted(candidates []*engineState, rng *rand.Rand) *engineState {
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		denom := float64(c.load()+1) * (c.avgLatency().Seconds() + 0.001)
		weights[i] = 1 / denom
		total += weights[i]
	}
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// pickLRU picks the engine whose most recent completion is oldest
// (engines that have never completed anything sort first).
func pickLRU(candidates []*engineState) *engineState {
	sorted := append([]*engineState(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].lastCompletion.Before(sorted[j].lastCompletion)
	})
	return sorted[0]
}

// pickTwoBin samples two candidates uniformly and returns the
// less-loaded of the two.
func pickTwoBin(candidates []*engineState, rng *rand.Rand) *engineState {
	if len(candidates) == 1 {
		return candidates[0]
	}
	a := candidates[rng.Intn(len(candidates))]
	b := candidates[rng.Intn(len(candidates))]
	if a.load() <= b.load() {
		return a
	}
	return b
}
