package contracts

import "time"

// CompetenceEventType classifies competence history entries.
type CompetenceEventType string

const (
	CompetenceSuccess  CompetenceEventType = "success"
	CompetenceFailure  CompetenceEventType = "failure"
	CompetenceRollback CompetenceEventType = "rollback"
	CompetencePromote  CompetenceEventType = "promote"
	CompetenceDemote   CompetenceEventType = "demote"
)

// CompetenceEvent is one history entry on a competence record.
type CompetenceEvent struct {
	Type       CompetenceEventType `json:"type"`
	At         time.Time           `json:"at"`
	ScoreAfter float64             `json:"scoreAfter"`
	Note       string              `json:"note,omitempty"`
}

// CompetenceRecord tracks a principal's reliability on one action type.
// Score stays within [floor, ceiling]; decay is applied lazily at read time
// and never persisted.
type CompetenceRecord struct {
	PrincipalID          string            `json:"principalId"`
	ActionType           string            `json:"actionType"`
	SuccessCount         int               `json:"successCount"`
	FailureCount         int               `json:"failureCount"`
	RollbackCount        int               `json:"rollbackCount"`
	ConsecutiveSuccesses int               `json:"consecutiveSuccesses"`
	Score                float64           `json:"score"`
	LastActivityAt       time.Time         `json:"lastActivityAt"`
	LastDecayAppliedAt   time.Time         `json:"lastDecayAppliedAt"`
	History              []CompetenceEvent `json:"history,omitempty"`
}

// CompetenceAdjustment tells the identity resolver whether a principal has
// earned trust on an action type.
type CompetenceAdjustment struct {
	ActionType  string `json:"actionType"`
	ShouldTrust bool   `json:"shouldTrust"`
}
