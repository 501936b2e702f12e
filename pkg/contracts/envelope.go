// Package contracts defines the shared value types that flow through the
// governance pipeline: action envelopes, policies, identity specs, approval
// requests, risk inputs, and the cartridge data contract.
//
// Everything here is plain data. Behavior lives in the packages that own a
// concern (policy evaluation in pkg/policy, approval transitions in
// pkg/approval, and so on).
package contracts

import "time"

// EnvelopeStatus is the lifecycle state of an ActionEnvelope.
type EnvelopeStatus string

const (
	StatusProposed        EnvelopeStatus = "proposed"
	StatusPendingApproval EnvelopeStatus = "pending_approval"
	StatusApproved        EnvelopeStatus = "approved"
	StatusExecuting       EnvelopeStatus = "executing"
	StatusExecuted        EnvelopeStatus = "executed"
	StatusDenied          EnvelopeStatus = "denied"
	StatusExpired         EnvelopeStatus = "expired"
	StatusFailed          EnvelopeStatus = "failed"
	StatusRolledBack      EnvelopeStatus = "rolled_back"
)

// statusTransitions encodes the forward-only envelope state machine.
// Child envelopes (undo proposals) start fresh at StatusProposed; they never
// rewind their parent.
var statusTransitions = map[EnvelopeStatus][]EnvelopeStatus{
	StatusProposed:        {StatusPendingApproval, StatusApproved, StatusDenied},
	StatusPendingApproval: {StatusApproved, StatusDenied, StatusExpired},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusExecuted, StatusFailed},
	StatusExecuted:        {StatusRolledBack},
}

// CanTransition reports whether an envelope may move from one status to
// another. Terminal states (denied, expired, failed, rolled_back) admit no
// further transitions.
func CanTransition(from, to EnvelopeStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s EnvelopeStatus) bool {
	return len(statusTransitions[s]) == 0
}

// Proposal is a single candidate action inside an envelope.
type Proposal struct {
	ID         string         `json:"id"`
	ActionType string         `json:"actionType"`
	Parameters map[string]any `json:"parameters"`
	Evidence   []string       `json:"evidence,omitempty"`
	Confidence float64        `json:"confidence"`
}

// EntityRef is a caller-supplied reference to an external entity, resolved by
// the cartridge before evaluation.
type EntityRef struct {
	InputRef   string `json:"inputRef"`
	EntityType string `json:"entityType"`
}

// EntityResolutionStatus classifies the outcome of a resolveEntity call.
type EntityResolutionStatus string

const (
	EntityFound     EntityResolutionStatus = "found"
	EntityNotFound  EntityResolutionStatus = "not_found"
	EntityAmbiguous EntityResolutionStatus = "ambiguous"
)

// EntityCandidate is one possible resolution for an ambiguous reference.
type EntityCandidate struct {
	EntityID   string  `json:"entityId"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// ResolvedEntity is the cartridge's answer for one EntityRef.
type ResolvedEntity struct {
	InputRef     string                 `json:"inputRef"`
	EntityType   string                 `json:"entityType"`
	EntityID     string                 `json:"entityId,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Status       EntityResolutionStatus `json:"status"`
	Confidence   float64                `json:"confidence"`
	Alternatives []EntityCandidate      `json:"alternatives,omitempty"`
}

// ActionEnvelope is the full lifecycle record of a proposed action, from
// proposal to terminal state. The envelope owns its proposals, decision trace,
// and execution results; approvals and audit entries are referenced by id.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ActionEnvelope struct {
	ID                 string           `json:"id"`
	Version            int              `json:"version"`
	Proposals          []Proposal       `json:"proposals"`
	ResolvedEntities   []ResolvedEntity `json:"resolvedEntities,omitempty"`
	DecisionTrace      *DecisionTrace   `json:"decisionTrace,omitempty"`
	ApprovalRequestIDs []string         `json:"approvalRequestIds,omitempty"`
	ExecutionResults   []ExecuteResult  `json:"executionResults,omitempty"`
	AuditEntryIDs      []string         `json:"auditEntryIds,omitempty"`
	Status             EnvelopeStatus   `json:"status"`
	ParentEnvelopeID   string           `json:"parentEnvelopeId,omitempty"`
	UndoDepth          int              `json:"undoDepth,omitempty"`
	PrincipalID        string           `json:"principalId"`
	OrganizationID     string           `json:"organizationId"`
	CartridgeID        string           `json:"cartridgeId"`
	TraceID            string           `json:"traceId,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// PrimaryProposal returns the first proposal, which carries the action the
// envelope was opened for. Returns nil on an empty envelope.
func (e *ActionEnvelope) PrimaryProposal() *Proposal {
	if len(e.Proposals) == 0 {
		return nil
	}
	return &e.Proposals[0]
}
