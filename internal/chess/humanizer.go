package chess

import (
	"errors"
	"math"
	"math/rand"
)

type Candidate struct {
	Move      string
	EvalCP    int
	Principal []string
}

// SelectCandidate draws one of the top PrimaryChoices candidates by weight
// and jitters its evaluation by up to EvalNoise centipawns.
func SelectCandidate(s Strength, candidates []Candidate, r *rand.Rand) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, errors.New("no candidates to choose from")
	}
	if err := ValidateStrength(s); err != nil {
		return Candidate{}, err
	}

	primaryLimit := s.PrimaryChoices
	if primaryLimit > len(candidates) {
		primaryLimit = len(candidates)
	}

	totalWeight := 0.0
	for i := 0; i < primaryLimit; i++ {
		totalWeight += s.CandidateWeights[i]
	}
	if totalWeight == 0 {
		// the weighted head was cut off by a short candidate list
		return jitter(candidates[0], s.EvalNoise, r), nil
	}

	threshold := r.Float64() * totalWeight
	index := 0
	for i := 0; i < primaryLimit; i++ {
		threshold -= s.CandidateWeights[i]
		if threshold <= 0 {
			index = i
			break
		}
	}

	return jitter(candidates[index], s.EvalNoise, r), nil
}

func jitter(c Candidate, noise int, r *rand.Rand) Candidate {
	if noise > 0 {
		offset := r.Intn(2*noise+1) - noise
		c.EvalCP = saturatingAdd(c.EvalCP, offset)
	}
	return c
}

func saturatingAdd(a, b int) int {
	sum := int64(a) + int64(b)
	if sum > math.MaxInt {
		return math.MaxInt
	}
	if sum < math.MinInt {
		return math.MinInt
	}
	return int(sum)
}
