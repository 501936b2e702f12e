package contracts

// RiskCategory buckets a numeric risk score. Cartridges also use it to
// declare the base risk of an action before exposure is considered.
type RiskCategory string

const (
	RiskNone     RiskCategory = "none"
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

// Reversibility describes how completely an action can be undone.
type Reversibility string

const (
	ReversibilityFull    Reversibility = "full"
	ReversibilityPartial Reversibility = "partial"
	ReversibilityNone    Reversibility = "none"
)

// Exposure quantifies what is at stake if the action misbehaves.
type Exposure struct {
	DollarsAtRisk float64 `json:"dollarsAtRisk"`
	BlastRadius   int     `json:"blastRadius"`
}

// Sensitivity flags situational factors that raise risk.
type Sensitivity struct {
	EntityVolatile   bool `json:"entityVolatile"`
	LearningPhase    bool `json:"learningPhase"`
	RecentlyModified bool `json:"recentlyModified"`
}

// RiskInput is what a cartridge reports about a candidate action. The scorer
// turns it into a RiskAssessment.
type RiskInput struct {
	BaseRisk      RiskCategory  `json:"baseRisk"`
	Exposure      Exposure      `json:"exposure"`
	Reversibility Reversibility `json:"reversibility"`
	Sensitivity   Sensitivity   `json:"sensitivity"`
}

// RiskFactor is one contribution to a risk score, kept for the decision trace.
type RiskFactor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
	Points float64 `json:"points"`
}

// RiskAssessment is the scorer's output: a raw score in [0,100], its category
// bucket, and the factors that produced it.
type RiskAssessment struct {
	RawScore float64      `json:"rawScore"`
	Category RiskCategory `json:"category"`
	Factors  []RiskFactor `json:"factors"`
}
