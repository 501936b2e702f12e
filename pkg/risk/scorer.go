// Package risk turns cartridge-supplied risk inputs into a numeric score and
// category. The scorer is pure: same input and config, same output.
package risk

import (
	"fmt"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// Weights distribute the [0,100] factor scales into the final score. The
// defaults sum to 1.0 so the raw score stays in [0,100] without clamping on
// ordinary inputs.
type Weights struct {
	Base          float64
	Dollars       float64
	BlastRadius   float64
	Reversibility float64
	Sensitivity   float64
}

// Boundaries are the monotone category cuts: score < Low is low, < Medium is
// medium, < High is high, anything else critical.
type Boundaries struct {
	Low    float64
	Medium float64
	High   float64
}

// Config calibrates the scorer.
type Config struct {
	BasePoints     map[contracts.RiskCategory]float64
	Weights        Weights
	DollarsCeiling float64
	BlastCeiling   float64
	Boundaries     Boundaries
}

// DefaultConfig is the stock calibration. Base risk dominates (weight 0.8):
// a base-high action with no exposure lands at 56, squarely inside medium,
// so identity tolerance for medium governs it.
func DefaultConfig() Config {
	return Config{
		BasePoints: map[contracts.RiskCategory]float64{
			contracts.RiskNone:     0,
			contracts.RiskLow:      15,
			contracts.RiskMedium:   40,
			contracts.RiskHigh:     70,
			contracts.RiskCritical: 100,
		},
		Weights: Weights{
			Base:          0.80,
			Dollars:       0.08,
			BlastRadius:   0.04,
			Reversibility: 0.05,
			Sensitivity:   0.03,
		},
		DollarsCeiling: 10_000,
		BlastCeiling:   100,
		Boundaries:     Boundaries{Low: 25, Medium: 60, High: 80},
	}
}

// Scorer maps RiskInput to a RiskAssessment.
type Scorer struct {
	cfg Config
}

// NewScorer builds a scorer; a zero config is replaced by DefaultConfig.
func NewScorer(cfg Config) *Scorer {
	if cfg.BasePoints == nil {
		cfg = DefaultConfig()
	}
	return &Scorer{cfg: cfg}
}

// Score computes the weighted sum of the normalized factors. Unknown base
// risk scores as critical: a cartridge that reports garbage gets maximum
// scrutiny, not a pass.
func (s *Scorer) Score(in contracts.RiskInput) contracts.RiskAssessment {
	base, ok := s.cfg.BasePoints[in.BaseRisk]
	if !ok {
		base = s.cfg.BasePoints[contracts.RiskCritical]
	}

	dollars := normalize(in.Exposure.DollarsAtRisk, s.cfg.DollarsCeiling)
	blast := normalize(float64(in.Exposure.BlastRadius), s.cfg.BlastCeiling)
	reversibility := reversibilityPoints(in.Reversibility)
	sensitivity := sensitivityPoints(in.Sensitivity)

	factors := []contracts.RiskFactor{
		{Name: "baseRisk", Value: base, Weight: s.cfg.Weights.Base, Points: base * s.cfg.Weights.Base},
		{Name: "dollarsAtRisk", Value: dollars, Weight: s.cfg.Weights.Dollars, Points: dollars * s.cfg.Weights.Dollars},
		{Name: "blastRadius", Value: blast, Weight: s.cfg.Weights.BlastRadius, Points: blast * s.cfg.Weights.BlastRadius},
		{Name: "reversibility", Value: reversibility, Weight: s.cfg.Weights.Reversibility, Points: reversibility * s.cfg.Weights.Reversibility},
		{Name: "sensitivity", Value: sensitivity, Weight: s.cfg.Weights.Sensitivity, Points: sensitivity * s.cfg.Weights.Sensitivity},
	}

	score := 0.0
	for _, f := range factors {
		score += f.Points
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return contracts.RiskAssessment{
		RawScore: score,
		Category: s.Categorize(score),
		Factors:  factors,
	}
}

// Categorize buckets a raw score by the configured boundaries.
func (s *Scorer) Categorize(score float64) contracts.RiskCategory {
	b := s.cfg.Boundaries
	switch {
	case score < b.Low:
		return contracts.RiskLow
	case score < b.Medium:
		return contracts.RiskMedium
	case score < b.High:
		return contracts.RiskHigh
	default:
		return contracts.RiskCritical
	}
}

// Explain renders the factor breakdown for a decision trace.
func Explain(a contracts.RiskAssessment) string {
	out := fmt.Sprintf("score %.1f (%s)", a.RawScore, a.Category)
	for _, f := range a.Factors {
		if f.Points == 0 {
			continue
		}
		out += fmt.Sprintf("; %s +%.1f", f.Name, f.Points)
	}
	return out
}

func normalize(v, ceiling float64) float64 {
	if ceiling <= 0 || v <= 0 {
		return 0
	}
	scaled := v / ceiling * 100
	if scaled > 100 {
		return 100
	}
	return scaled
}

func reversibilityPoints(r contracts.Reversibility) float64 {
	switch r {
	case contracts.ReversibilityFull:
		return 0
	case contracts.ReversibilityPartial:
		return 50
	default:
		// Unknown counts as irreversible.
		return 100
	}
}

func sensitivityPoints(s contracts.Sensitivity) float64 {
	flags := 0.0
	if s.EntityVolatile {
		flags++
	}
	if s.LearningPhase {
		flags++
	}
	if s.RecentlyModified {
		flags++
	}
	return flags / 3 * 100
}
