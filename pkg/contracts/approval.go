package contracts

import "time"

// ApprovalStatus is the state of an approval's lifecycle.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalPatched  ApprovalStatus = "patched"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ExpiredBehavior says what happens to the envelope when an approval lapses.
// Only deny is defined today; the field exists so the wire shape is stable.
type ExpiredBehavior string

const ExpiredDeny ExpiredBehavior = "deny"

// QuorumSpec asks for N distinct approvers before the request approves.
type QuorumSpec struct {
	Required int `json:"required"`
}

// QuorumEntry records one approver's vote.
type QuorumEntry struct {
	ApproverID string    `json:"approverId"`
	Hash       string    `json:"hash"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// QuorumState tracks votes against the required count.
type QuorumState struct {
	Required int           `json:"required"`
	Entries  []QuorumEntry `json:"entries"`
}

// ApprovalRequest is the immutable half of an approval. BindingHash is the
// canonical hash over {actionType, parameters, principalId, cartridgeId}; a
// response can only succeed against the exact payload it authorizes.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ApprovalRequest struct {
	ID               string          `json:"id"`
	ActionID         string          `json:"actionId"`
	EnvelopeID       string          `json:"envelopeId"`
	OrganizationID   string          `json:"organizationId"`
	PrincipalID      string          `json:"principalId"`
	CartridgeID      string          `json:"cartridgeId"`
	ActionType       string          `json:"actionType"`
	Summary          string          `json:"summary"`
	RiskCategory     RiskCategory    `json:"riskCategory"`
	RequiredLevel    ApprovalLevel   `json:"requiredLevel"`
	BindingHash      string          `json:"bindingHash"`
	Approvers        []string        `json:"approvers"`
	FallbackApprover string          `json:"fallbackApprover,omitempty"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	ExpiredBehavior  ExpiredBehavior `json:"expiredBehavior"`
	Quorum           *QuorumSpec     `json:"quorum,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// ApprovalState is the mutable half. Writers must present the Version they
// observed; a mismatch is a stale-version conflict.
type ApprovalState struct {
	ApprovalID  string         `json:"approvalId"`
	Status      ApprovalStatus `json:"status"`
	RespondedBy string         `json:"respondedBy,omitempty"`
	RespondedAt *time.Time     `json:"respondedAt,omitempty"`
	PatchValue  map[string]any `json:"patchValue,omitempty"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	Quorum      *QuorumState   `json:"quorum,omitempty"`
	Version     int            `json:"version"`
}

// ResponseAction is what a responder asks the state machine to do.
type ResponseAction string

const (
	RespondApprove ResponseAction = "approve"
	RespondReject  ResponseAction = "reject"
	RespondPatch   ResponseAction = "patch"
)

// ApprovalResponse carries one responder's decision.
type ApprovalResponse struct {
	Action          ResponseAction `json:"action"`
	RespondedBy     string         `json:"respondedBy"`
	PatchValue      map[string]any `json:"patchValue,omitempty"`
	BindingHash     string         `json:"bindingHash,omitempty"`
	ExpectedVersion int            `json:"expectedVersion"`
}
