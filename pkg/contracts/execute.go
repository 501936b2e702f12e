package contracts

import "time"

// ExternalRef points at an artifact the execution touched in the external
// system (a campaign id, a charge id, a ticket URL).
type ExternalRef struct {
	System string `json:"system"`
	Ref    string `json:"ref"`
}

// PartialFailure describes one step that did not complete.
type PartialFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// UndoRecipe is embedded in a successful ExecuteResult for reversible actions.
// It holds everything needed to synthesize and govern the reverse proposal.
type UndoRecipe struct {
	OriginalActionID     string         `json:"originalActionId"`
	OriginalEnvelopeID   string         `json:"originalEnvelopeId"`
	ReverseActionType    string         `json:"reverseActionType"`
	ReverseParameters    map[string]any `json:"reverseParameters"`
	UndoExpiresAt        time.Time      `json:"undoExpiresAt"`
	UndoRiskCategory     RiskCategory   `json:"undoRiskCategory"`
	UndoApprovalRequired ApprovalLevel  `json:"undoApprovalRequired"`
}

// ExecuteResult is what a cartridge returns from execute.
type ExecuteResult struct {
	Success           bool             `json:"success"`
	Summary           string           `json:"summary"`
	ExternalRefs      []ExternalRef    `json:"externalRefs,omitempty"`
	RollbackAvailable bool             `json:"rollbackAvailable"`
	PartialFailures   []PartialFailure `json:"partialFailures,omitempty"`
	DurationMs        int64            `json:"durationMs"`
	UndoRecipe        *UndoRecipe      `json:"undoRecipe,omitempty"`
}

// FailureText joins partial-failure messages for classification and logging.
func (r *ExecuteResult) FailureText() string {
	out := ""
	for i, pf := range r.PartialFailures {
		if i > 0 {
			out += "; "
		}
		out += pf.Error
	}
	return out
}
