// Package cartridge defines the integration contract between the governance
// core and external effectful systems, plus the guarded wrapper that makes
// the lifecycle orchestrator the only legal execution path.
//
// A cartridge is the only surface through which the broker mutates the
// outside world. Implementations live out of tree; the core consumes the
// interfaces here and never calls a cartridge except through Guarded.
package cartridge

import (
	"context"
	"errors"

	"github.com/tillerhq/tiller/pkg/contracts"
)

var (
	// ErrDirectExecution is an invariant breach: something tried to execute
	// without an active permit minted by the orchestrator.
	ErrDirectExecution = errors.New("cartridge: direct execution forbidden")

	// ErrUnknownAction means the manifest does not declare the action type.
	ErrUnknownAction = errors.New("cartridge: unknown action type")
)

// InitContext carries what a cartridge needs at startup. Connections holds
// the secrets named by the manifest's RequiredConnections.
type InitContext struct {
	Connections map[string]string
	Settings    map[string]any
}

// Cartridge is the required integration surface. All methods take a
// context because every one of them may reach the external system.
type Cartridge interface {
	Manifest() contracts.Manifest
	Initialize(ctx context.Context, init InitContext) error

	// EnrichContext augments the evaluation context with cartridge-side
	// facts (current budgets, entity state) before policies run.
	EnrichContext(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (map[string]any, error)

	// Execute performs the action. Reversible actions must return an
	// UndoRecipe on the result.
	Execute(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (*contracts.ExecuteResult, error)

	// RiskInput reports base risk, exposure, reversibility, and sensitivity
	// for the candidate action.
	RiskInput(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (contracts.RiskInput, error)

	// Guardrails declares the cartridge's rate limits, cooldowns, and
	// protected entities. The policy engine enforces them.
	Guardrails(ctx context.Context) (contracts.GuardrailSpec, error)

	HealthCheck(ctx context.Context) (contracts.HealthStatus, error)
}

// EntityResolver is an optional capability: cartridges that can translate
// caller-supplied references ("the summer campaign") into concrete entities
// implement it. Without it, entity refs pass through unresolved.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, ref contracts.EntityRef) (contracts.ResolvedEntity, error)
}

// HaltTarget is one active effect a cartridge can propose pausing during an
// emergency halt.
type HaltTarget struct {
	ActionType string         `json:"actionType"`
	Parameters map[string]any `json:"parameters"`
	Summary    string         `json:"summary"`
}

// HaltSearcher is an optional capability: cartridges that can enumerate
// their active effectful state implement it so emergency_halt can
// search-and-propose pauses.
type HaltSearcher interface {
	SearchHaltTargets(ctx context.Context) ([]HaltTarget, error)
}

// SnapshotCapturer is an optional capability: cartridges that can capture
// the pre-mutation state of the touched entities implement it. The snapshot
// lands on the execution audit entry.
type SnapshotCapturer interface {
	CaptureSnapshot(ctx context.Context, actionType string, params map[string]any) (map[string]any, error)
}
