package contracts

import "time"

// Decision is the policy engine's final verdict on a proposal.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// TraceCheck records one check the evaluator performed, matched or not.
type TraceCheck struct {
	Code    string `json:"code"`
	Matched bool   `json:"matched"`
	Detail  string `json:"detail"`
	Effect  Effect `json:"effect,omitempty"`
}

// DecisionTrace is the ordered, human-readable record of every check that
// contributed to a decision.
type DecisionTrace struct {
	Checks           []TraceCheck  `json:"checks"`
	RiskScore        float64       `json:"riskScore"`
	RiskCategory     RiskCategory  `json:"riskCategory"`
	RiskFactors      []RiskFactor  `json:"riskFactors,omitempty"`
	Decision         Decision      `json:"decision"`
	ApprovalRequired ApprovalLevel `json:"approvalRequired"`
	Explanation      string        `json:"explanation"`
	GovernanceNote   string        `json:"governanceNote,omitempty"`
	EvaluatedAt      time.Time     `json:"evaluatedAt"`
}
