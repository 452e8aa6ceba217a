package rating

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.001
}

func TestCalculator_Scores(t *testing.T) {
	calc := NewCalculator()

	tests := []struct {
		name   string
		in     Inputs
		rating float64
		tier   Tier
	}{
		{
			name: "veteran with strong stars",
			in: Inputs{
				StarPoints: 480,
				StarCount:  100,
				Sales:      120,
				Refunds:    2,
				Disputes:   3,
			},
			rating: 4.86,
			tier:   TierPlatinum,
		},
		{
			name: "solid mid-volume seller",
			in: Inputs{
				StarPoints: 80,
				StarCount:  20,
				Sales:      30,
				Refunds:    5,
				Disputes:   4,
			},
			rating: 4.11,
			tier:   TierSilver,
		},
		{
			name: "half the orders refunded",
			in: Inputs{
				StarPoints: 10,
				StarCount:  5,
				Sales:      6,
				Refunds:    6,
				Disputes:   5,
			},
			rating: 2.27,
			tier:   TierBronze,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := calc.Calculate(tt.in)
			if !almostEqual(score.Rating, tt.rating) {
				t.Errorf("Expected rating %.2f, got %.2f", tt.rating, score.Rating)
			}
			if score.Tier != tt.tier {
				t.Errorf("Expected tier %s, got %s", tt.tier, score.Tier)
			}
		})
	}
}

func TestCalculator_NoHistory(t *testing.T) {
	score := NewCalculator().Calculate(Inputs{})

	if score.Rating != 0 {
		t.Errorf("Expected zero rating for a blank seller, got %.2f", score.Rating)
	}
	if score.Tier != TierNew {
		t.Errorf("Expected tier new, got %s", score.Tier)
	}
	if score.Components != (Components{}) {
		t.Errorf("Expected zero components, got %+v", score.Components)
	}
}

func TestCalculator_NoStarsYet(t *testing.T) {
	// History without any buyer stars: the star signal sits at
	// neutral 2.5 instead of zeroing the whole score.
	score := NewCalculator().Calculate(Inputs{Sales: 10})

	if !almostEqual(score.Components.Stars, 2.5) {
		t.Errorf("Expected neutral star component 2.5, got %.2f", score.Components.Stars)
	}
	if !almostEqual(score.Rating, 3.51) {
		t.Errorf("Expected rating 3.51, got %.2f", score.Rating)
	}
	if score.Tier != TierSilver {
		t.Errorf("Expected tier silver, got %s", score.Tier)
	}
}

func TestCalculator_DisputeClamp(t *testing.T) {
	// More disputes than settled outcomes (disputes later released
	// still count) must clamp at zero, not go negative.
	score := NewCalculator().Calculate(Inputs{Sales: 1, Disputes: 5})

	if score.Components.DisputeFree != 0 {
		t.Errorf("Expected dispute-free component 0, got %.2f", score.Components.DisputeFree)
	}
	if score.Rating < 0 {
		t.Errorf("Rating went negative: %.2f", score.Rating)
	}
}

func TestCalculator_VolumeTarget(t *testing.T) {
	calc := NewCalculator().WithVolumeTarget(10)

	score := calc.Calculate(Inputs{Sales: 10})
	if !almostEqual(score.Components.Volume, 5) {
		t.Errorf("Expected volume component saturated at 5, got %.2f", score.Components.Volume)
	}

	more := calc.Calculate(Inputs{Sales: 500})
	if !almostEqual(more.Components.Volume, 5) {
		t.Errorf("Expected volume component capped at 5, got %.2f", more.Components.Volume)
	}
}

func TestTierFor_Boundaries(t *testing.T) {
	tests := []struct {
		rating float64
		sales  int64
		tier   Tier
	}{
		{0, 0, TierNew},
		{5.0, 2, TierNew}, // sale-count floor beats a perfect rating
		{3.49, 10, TierBronze},
		{3.5, 3, TierSilver},
		{4.19, 200, TierSilver},
		{4.2, 25, TierGold},
		{4.2, 24, TierSilver},
		{4.7, 100, TierPlatinum},
		{4.7, 99, TierGold},
		{4.69, 150, TierGold},
		{2.0, 50, TierBronze},
	}

	for _, tt := range tests {
		if got := TierFor(tt.rating, tt.sales); got != tt.tier {
			t.Errorf("TierFor(%.2f, %d): expected %s, got %s", tt.rating, tt.sales, tt.tier, got)
		}
	}
}
