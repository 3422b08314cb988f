package triage

// Scorer turns a post-rules classification and its neighborhood into a
// confidence value in [0,1].
type Scorer interface {
	Score(cls *Classification, rulesFired bool, neighbors []Neighbor) float64
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(cls *Classification, rulesFired bool, neighbors []Neighbor) float64

// Score implements Scorer.
func (f ScorerFunc) Score(cls *Classification, rulesFired bool, neighbors []Neighbor) float64 {
	return f(cls, rulesFired, neighbors)
}

// AdditiveScorer is the default confidence heuristic: a base value, a bonus
// when a user rule fired, a bonus proportional to neighbor agreement and a
// penalty per defaulted classifier field.
type AdditiveScorer struct {
	Base            float64
	RuleBonus       float64
	AgreementWeight float64
	DefaultPenalty  float64
}

// DefaultScorer returns the standard additive scorer.
func DefaultScorer() AdditiveScorer {
	return AdditiveScorer{
		Base:            0.7,
		RuleBonus:       0.2,
		AgreementWeight: 0.1,
		DefaultPenalty:  0.05,
	}
}

// Score implements Scorer.
func (s AdditiveScorer) Score(cls *Classification, rulesFired bool, neighbors []Neighbor) float64 {
	c := s.Base
	if rulesFired {
		c += s.RuleBonus
	}
	c += s.AgreementWeight * Agreement(cls.Category, neighbors)
	c -= s.DefaultPenalty * float64(len(cls.Defaulted))
	return clamp01(c)
}

// Agreement is the fraction of neighbors whose category equals category.
// It is 0 when there are no neighbors.
func Agreement(category Category, neighbors []Neighbor) float64 {
	if len(neighbors) == 0 {
		return 0
	}
	same := 0
	for _, n := range neighbors {
		if n.Category == category {
			same++
		}
	}
	return float64(same) / float64(len(neighbors))
}
