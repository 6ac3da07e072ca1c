package chess

import (
	"fmt"

	"github.com/park285/Cheese-lichess-bot/internal/chess/uci"
)

// Strength is the engine configuration used for one rating band.
type Strength struct {
	Band             string
	MaxRating        int // exclusive upper bound, 0 for the top band
	SkillLevel       int
	Elo              int // 0 disables UCI_LimitStrength
	Threads          int
	HashMB           int
	MoveTimeMillis   int
	NodeCap          int
	DepthCap         int
	MultiPV          int
	PrimaryChoices   int
	CandidateWeights []float64
	EvalNoise        int
}

var strengthBands = []Strength{
	{
		Band:             "novice",
		MaxRating:        1000,
		SkillLevel:       1,
		Elo:              1320,
		Threads:          1,
		HashMB:           16,
		MoveTimeMillis:   60,
		DepthCap:         4,
		MultiPV:          4,
		PrimaryChoices:   4,
		CandidateWeights: []float64{0.4, 0.25, 0.2, 0.15},
		EvalNoise:        60,
	},
	{
		Band:             "club",
		MaxRating:        1400,
		SkillLevel:       5,
		Elo:              1400,
		Threads:          1,
		HashMB:           32,
		MoveTimeMillis:   120,
		DepthCap:         8,
		MultiPV:          3,
		PrimaryChoices:   3,
		CandidateWeights: []float64{0.6, 0.25, 0.15},
		EvalNoise:        35,
	},
	{
		Band:             "intermediate",
		MaxRating:        1800,
		SkillLevel:       10,
		Elo:              1750,
		Threads:          1,
		HashMB:           64,
		MoveTimeMillis:   250,
		DepthCap:         12,
		MultiPV:          3,
		PrimaryChoices:   2,
		CandidateWeights: []float64{0.8, 0.2, 0},
		EvalNoise:        20,
	},
	{
		Band:             "advanced",
		MaxRating:        2200,
		SkillLevel:       15,
		Elo:              2150,
		Threads:          2,
		HashMB:           64,
		MoveTimeMillis:   400,
		DepthCap:         16,
		MultiPV:          2,
		PrimaryChoices:   2,
		CandidateWeights: []float64{0.9, 0.1},
		EvalNoise:        10,
	},
	{
		Band:             "expert",
		SkillLevel:       20,
		Threads:          2,
		HashMB:           128,
		MoveTimeMillis:   600,
		DepthCap:         20,
		MultiPV:          1,
		PrimaryChoices:   1,
		CandidateWeights: []float64{1},
	},
}

// StrengthForRating picks the band the rating falls into.
func StrengthForRating(rating int) Strength {
	for _, s := range strengthBands {
		if s.MaxRating == 0 || rating < s.MaxRating {
			return s.clone()
		}
	}
	return strengthBands[len(strengthBands)-1].clone()
}

func (s Strength) clone() Strength {
	s.CandidateWeights = append([]float64(nil), s.CandidateWeights...)
	return s
}

func (s Strength) options() uci.Options {
	return uci.Options{
		Threads:    s.Threads,
		SkillLevel: s.SkillLevel,
		HashMB:     s.HashMB,
		MultiPV:    s.MultiPV,
		Elo:        s.Elo,
	}
}

func (s Strength) limits() uci.Limits {
	return uci.Limits{
		Depth:          s.DepthCap,
		MoveTimeMillis: s.MoveTimeMillis,
		NodeCap:        s.NodeCap,
	}
}

func ValidateStrength(s Strength) error {
	switch {
	case s.SkillLevel < 0 || s.SkillLevel > 20:
		return fmt.Errorf("skill level %d out of range 0-20", s.SkillLevel)
	case s.Threads <= 0:
		return fmt.Errorf("threads must be > 0: %d", s.Threads)
	case s.HashMB <= 0:
		return fmt.Errorf("hash size must be > 0: %d", s.HashMB)
	case s.MultiPV <= 0:
		return fmt.Errorf("multipv must be > 0: %d", s.MultiPV)
	case s.PrimaryChoices <= 0:
		return fmt.Errorf("primary choices must be > 0: %d", s.PrimaryChoices)
	case s.PrimaryChoices > s.MultiPV:
		return fmt.Errorf("primary choices (%d) must not exceed multipv (%d)", s.PrimaryChoices, s.MultiPV)
	case len(s.CandidateWeights) < s.PrimaryChoices:
		return fmt.Errorf("candidate weights (%d) must cover primary choices (%d)", len(s.CandidateWeights), s.PrimaryChoices)
	case s.Elo < 0:
		return fmt.Errorf("elo must be >= 0: %d", s.Elo)
	}

	sum := 0.0
	for i := 0; i < s.PrimaryChoices; i++ {
		w := s.CandidateWeights[i]
		if w < 0 {
			return fmt.Errorf("candidate weight at index %d is negative: %f", i, w)
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("candidate weights sum to zero")
	}
	if s.MoveTimeMillis < 0 || s.NodeCap < 0 || s.DepthCap < 0 {
		return fmt.Errorf("search limits must be >= 0")
	}
	if s.EvalNoise < 0 {
		return fmt.Errorf("eval noise must be >= 0: %d", s.EvalNoise)
	}
	return nil
}
