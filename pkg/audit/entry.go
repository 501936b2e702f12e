// Package audit implements the append-only, hash-chained audit ledger.
//
// Every entry's hash covers all of its fields except entryHash itself, and
// each entry links to its predecessor through previousEntryHash, so any
// mutation of a stored entry breaks the chain at that point. Appends go
// through AppendAtomic, which serializes writers: a mutex for single-process
// backends, a Postgres advisory lock across processes sharing a database.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tillerhq/tiller/pkg/canonical"
	"github.com/tillerhq/tiller/pkg/contracts"
)

var (
	ErrEntryNotFound  = errors.New("audit entry not found")
	ErrChainMismatch  = errors.New("previous hash does not match chain head")
	ErrHashMismatch   = errors.New("entry hash does not match entry content")
	ErrEmptyEventType = errors.New("audit entry requires an event type")
)

// Event types emitted by the governance pipeline.
const (
	EventActionProposed        = "action.proposed"
	EventActionDenied          = "action.denied"
	EventActionExecuted        = "action.executed"
	EventActionFailed          = "action.failed"
	EventActionRolledBack      = "action.rolled_back"
	EventActionApprovalExpired = "action.approval_expired"
	EventApprovalCreated       = "approval.created"
	EventApprovalResponded     = "approval.responded"
	EventCompetencePromoted    = "competence.promoted"
	EventCompetenceDemoted     = "competence.demoted"
	EventChainBroken           = "audit.chain_broken"
	EventEmergencyHalt         = "org.emergency_halt"
)

// VisibilityLevel controls who may see an entry when exported.
type VisibilityLevel string

const (
	VisibilityInternal VisibilityLevel = "internal"
	VisibilityOperator VisibilityLevel = "operator"
	VisibilityExternal VisibilityLevel = "external"
)

// Current wire versions. Bump ChainHashVersion only on a change to the hash
// input; SchemaVersion on any field addition.
const (
	ChainHashVersion = 1
	SchemaVersion    = 1
)

// Entry is one hashed audit record. EntryHash is the hex SHA-256 of the
// canonical JSON of the entry with EntryHash cleared; PreviousEntryHash is
// the EntryHash of the preceding entry in insertion order ("" at the chain
// start).
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Entry struct {
	ID                string                 `json:"id"`
	EventType         string                 `json:"eventType"`
	Timestamp         time.Time              `json:"timestamp"`
	ActorType         string                 `json:"actorType,omitempty"`
	ActorID           string                 `json:"actorId,omitempty"`
	EntityType        string                 `json:"entityType,omitempty"`
	EntityID          string                 `json:"entityId,omitempty"`
	RiskCategory      contracts.RiskCategory `json:"riskCategory,omitempty"`
	VisibilityLevel   VisibilityLevel        `json:"visibilityLevel"`
	Summary           string                 `json:"summary"`
	Snapshot          map[string]any         `json:"snapshot,omitempty"`
	EvidencePointers  []string               `json:"evidencePointers,omitempty"`
	RedactionApplied  bool                   `json:"redactionApplied"`
	RedactedFields    []string               `json:"redactedFields,omitempty"`
	ChainHashVersion  int                    `json:"chainHashVersion"`
	SchemaVersion     int                    `json:"schemaVersion"`
	EntryHash         string                 `json:"entryHash,omitempty"`
	PreviousEntryHash string                 `json:"previousEntryHash"`
	EnvelopeID        string                 `json:"envelopeId,omitempty"`
	OrganizationID    string                 `json:"organizationId,omitempty"`
	TraceID           string                 `json:"traceId,omitempty"`
}

// ComputeEntryHash returns the canonical hash of the entry with EntryHash
// excluded from the input.
func ComputeEntryHash(e *Entry) (string, error) {
	clone := *e
	clone.EntryHash = ""
	h, err := canonical.Hash(&clone)
	if err != nil {
		return "", fmt.Errorf("compute entry hash: %w", err)
	}
	return h, nil
}

// Draft carries the caller-supplied fields of a new entry. The Writer fills
// in id, timestamp, versions, chain linkage, and redaction.
type Draft struct {
	EventType        string
	ActorType        string
	ActorID          string
	EntityType       string
	EntityID         string
	RiskCategory     contracts.RiskCategory
	VisibilityLevel  VisibilityLevel
	Summary          string
	Snapshot         map[string]any
	EvidencePointers []string
	EnvelopeID       string
	OrganizationID   string
	TraceID          string
}

// newEntryID keeps id generation in one place.
func newEntryID() string { return uuid.New().String() }
