package triage

import (
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAdditiveScorer(t *testing.T) {
	t.Parallel()

	s := DefaultScorer()
	same := []Neighbor{{Category: CategoryWork}, {Category: CategoryWork}}
	mixed := []Neighbor{{Category: CategoryWork}, {Category: CategoryFinance}, {Category: CategoryWork}, {Category: CategoryOther}}

	tests := []struct {
		name      string
		category  Category
		defaulted []string
		fired     bool
		neighbors []Neighbor
		want      float64
	}{
		{"base only", CategoryWork, nil, false, nil, 0.7},
		{"rule fired", CategoryWork, nil, true, nil, 0.9},
		{"full agreement", CategoryWork, nil, false, same, 0.8},
		{"half agreement", CategoryWork, nil, false, mixed, 0.75},
		{"no agreement", CategoryPersonal, nil, false, same, 0.7},
		{"rule and agreement clamp to one", CategoryWork, nil, true, same, 1.0},
		{"defaulted fields penalised", CategoryWork, []string{"priority", "sentiment"}, false, nil, 0.6},
		{"fully defaulted needs review", CategoryOther, []string{"category", "priority", "urgency_score", "sentiment", "requires_action"}, false, nil, 0.45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cls := &Classification{Category: tt.category, Defaulted: tt.defaulted}
			got := s.Score(cls, tt.fired, tt.neighbors)
			if !approx(got, tt.want) {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdditiveScorer_ClampsAtZero(t *testing.T) {
	t.Parallel()

	s := AdditiveScorer{Base: 0.1, DefaultPenalty: 0.5}
	got := s.Score(&Classification{Defaulted: []string{"a", "b"}}, false, nil)
	if got != 0 {
		t.Errorf("score = %v, want 0", got)
	}
}

func TestAgreement(t *testing.T) {
	t.Parallel()

	if got := Agreement(CategoryWork, nil); got != 0 {
		t.Errorf("empty neighbors: agreement = %v, want 0", got)
	}
	n := []Neighbor{{Category: CategoryWork}, {Category: CategorySupport}, {Category: CategoryWork}}
	if got := Agreement(CategoryWork, n); !approx(got, 2.0/3.0) {
		t.Errorf("agreement = %v, want %v", got, 2.0/3.0)
	}
}

func TestSetConfidence_ReviewThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in         float64
		want       float64
		wantReview bool
	}{
		{0.59, 0.59, true},
		{0.6, 0.6, false},
		{0.7, 0.7, false},
		{-0.3, 0, true},
		{1.4, 1, false},
	}
	for _, tt := range tests {
		var c Classification
		c.SetConfidence(tt.in)
		if c.Confidence != tt.want {
			t.Errorf("SetConfidence(%v): confidence = %v, want %v", tt.in, c.Confidence, tt.want)
		}
		if c.RequiresReview != tt.wantReview {
			t.Errorf("SetConfidence(%v): requires_review = %v, want %v", tt.in, c.RequiresReview, tt.wantReview)
		}
	}
}

func TestScorerFunc(t *testing.T) {
	t.Parallel()

	var s Scorer = ScorerFunc(func(_ *Classification, fired bool, _ []Neighbor) float64 {
		if fired {
			return 1
		}
		return 0.2
	})
	if got := s.Score(&Classification{}, true, nil); got != 1 {
		t.Errorf("score = %v, want 1", got)
	}
}
