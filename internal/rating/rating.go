// Package rating computes seller trust scores from settlement history.
//
// The score blends four signals on a 0..5 scale:
//   - buyer star average (what buyers said)
//   - completion ratio (settled without a refund)
//   - dispute-free ratio (settled without a dispute)
//   - volume confidence (log-scale sale count, so one lucky sale
//     cannot outrank a hundred consistent ones)
//
// The calculator is pure: callers feed it aggregate counters and persist
// the result themselves. The daily recompute job runs it over every
// seller; escrow eligibility checks read the persisted value.
package rating

import (
	"math"
	"time"
)

// Tier buckets a rating into a human-readable trust level.
type Tier string

const (
	TierNew      Tier = "new"      // fewer than 3 settled sales
	TierBronze   Tier = "bronze"   // enough history, rating below 3.5
	TierSilver   Tier = "silver"   // rating >= 3.5
	TierGold     Tier = "gold"     // rating >= 4.2 and 25+ sales
	TierPlatinum Tier = "platinum" // rating >= 4.7 and 100+ sales
)

// Inputs are the aggregate counters a score is computed from.
type Inputs struct {
	StarPoints int64 `json:"starPoints"` // sum of 1..5 buyer stars
	StarCount  int64 `json:"starCount"`  // number of rated transactions
	Sales      int64 `json:"sales"`      // completed transactions
	Refunds    int64 `json:"refunds"`    // refunded transactions
	Disputes   int64 `json:"disputes"`   // disputes raised, regardless of outcome
}

// settled is the number of transactions that reached a money-moving end.
func (in Inputs) settled() int64 {
	return in.Sales + in.Refunds
}

// Components breaks a score down by signal, each on the 0..5 scale.
type Components struct {
	Stars       float64 `json:"stars"`
	Completion  float64 `json:"completion"`
	DisputeFree float64 `json:"disputeFree"`
	Volume      float64 `json:"volume"`
}

// Score is a computed rating with its breakdown.
type Score struct {
	Rating       float64    `json:"rating"` // 0..5, two decimals
	Tier         Tier       `json:"tier"`
	Components   Components `json:"components"`
	Inputs       Inputs     `json:"inputs"`
	CalculatedAt time.Time  `json:"calculatedAt"`
}

// Weights control how much each signal contributes. Must sum to 1.0.
type Weights struct {
	Stars       float64
	Completion  float64
	DisputeFree float64
	Volume      float64
}

// DefaultWeights lean on what buyers actually said.
var DefaultWeights = Weights{
	Stars:       0.50,
	Completion:  0.25,
	DisputeFree: 0.15,
	Volume:      0.10,
}

// DefaultVolumeTarget is the sale count at which volume confidence
// saturates.
const DefaultVolumeTarget = 100

// Calculator computes seller ratings.
type Calculator struct {
	weights      Weights
	volumeTarget int64
}

// NewCalculator creates a calculator with the default weights.
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights, volumeTarget: DefaultVolumeTarget}
}

// NewCalculatorWithWeights creates a calculator with custom weights.
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w, volumeTarget: DefaultVolumeTarget}
}

// WithVolumeTarget overrides the sale count where volume confidence caps.
func (c *Calculator) WithVolumeTarget(n int64) *Calculator {
	if n > 0 {
		c.volumeTarget = n
	}
	return c
}

// Calculate computes a score from aggregate counters.
//
// A seller with no settled history and no stars scores zero: zero reads
// as "unrated" downstream, so brand-new sellers are not blocked by
// minimum-rating checks. Once history exists, missing stars count as a
// neutral 2.5 rather than dragging the score to the floor.
func (c *Calculator) Calculate(in Inputs) *Score {
	score := &Score{
		Inputs:       in,
		Tier:         TierFor(0, in.Sales),
		CalculatedAt: time.Now(),
	}

	settled := in.settled()
	if settled == 0 && in.StarCount == 0 {
		return score
	}

	comp := Components{Stars: 2.5}
	if in.StarCount > 0 {
		comp.Stars = float64(in.StarPoints) / float64(in.StarCount)
	}

	if settled > 0 {
		comp.Completion = 5 * float64(in.Sales) / float64(settled)

		disputeFree := 1 - float64(in.Disputes)/float64(settled)
		comp.DisputeFree = 5 * clamp01(disputeFree)
	}

	// Volume confidence: log scale so 1 sale ~ 0.15, 10 ~ 0.52,
	// target+ = 1.0 of the component's weight.
	confidence := math.Log10(1+float64(in.Sales)) / math.Log10(1+float64(c.volumeTarget))
	comp.Volume = 5 * clamp01(confidence)

	rating := c.weights.Stars*comp.Stars +
		c.weights.Completion*comp.Completion +
		c.weights.DisputeFree*comp.DisputeFree +
		c.weights.Volume*comp.Volume
	rating = math.Max(0, math.Min(5, rating))

	score.Components = comp
	score.Rating = math.Round(rating*100) / 100
	score.Tier = TierFor(score.Rating, in.Sales)
	return score
}

// TierFor buckets a rating and sale count into a tier. Sale-count floors
// keep a seller with three perfect sales out of platinum.
func TierFor(rating float64, sales int64) Tier {
	switch {
	case sales < 3:
		return TierNew
	case rating >= 4.7 && sales >= 100:
		return TierPlatinum
	case rating >= 4.2 && sales >= 25:
		return TierGold
	case rating >= 3.5:
		return TierSilver
	default:
		return TierBronze
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
