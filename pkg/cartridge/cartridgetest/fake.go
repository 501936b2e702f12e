// Package cartridgetest provides a configurable in-memory cartridge for
// tests across the governance pipeline.
package cartridgetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/contracts"
)

// Call records one Execute invocation.
type Call struct {
	ActionType string
	Parameters map[string]any
}

// Fake is a scriptable cartridge. Zero value is not usable; construct with
// New. All fields guarded by mu may be adjusted between calls.
type Fake struct {
	mu sync.Mutex

	manifest contracts.Manifest

	// RiskInputs maps actionType to the risk input returned; missing keys
	// fall back to a low-risk, fully reversible default.
	RiskInputs map[string]contracts.RiskInput

	// Results maps actionType to the execute result returned; missing keys
	// succeed with a generic summary.
	Results map[string]*contracts.ExecuteResult

	// ExecuteErr, when set, is returned by Execute for every action.
	ExecuteErr error

	// Entities maps inputRef to the resolution returned; missing keys
	// resolve found with the ref as id.
	Entities map[string]contracts.ResolvedEntity

	// Guardrail spec returned by Guardrails.
	Guardrail contracts.GuardrailSpec

	// Halts returned by SearchHaltTargets.
	Halts []cartridge.HaltTarget

	// Enrichment merged into the context by EnrichContext.
	Enrichment map[string]any

	calls []Call
}

// New builds a fake advertising-style cartridge with the given id and
// declared actions.
func New(id string, actions ...contracts.ActionSpec) *Fake {
	if len(actions) == 0 {
		actions = []contracts.ActionSpec{
			{ActionType: id + ".campaign.pause", Name: "Pause campaign", BaseRiskCategory: contracts.RiskLow, Reversible: true},
			{ActionType: id + ".campaign.resume", Name: "Resume campaign", BaseRiskCategory: contracts.RiskLow, Reversible: true},
			{ActionType: id + ".budget.update", Name: "Update budget", BaseRiskCategory: contracts.RiskMedium, Reversible: true},
		}
	}
	return &Fake{
		manifest: contracts.Manifest{
			ID:      id,
			Name:    id,
			Version: "1.0.0",
			Actions: actions,
		},
		RiskInputs: make(map[string]contracts.RiskInput),
		Results:    make(map[string]*contracts.ExecuteResult),
		Entities:   make(map[string]contracts.ResolvedEntity),
	}
}

// SetVersion changes the manifest version (for registry upgrade tests).
func (f *Fake) SetVersion(v string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifest.Version = v
	return f
}

// SetParametersSchema attaches a JSON schema to one declared action.
func (f *Fake) SetParametersSchema(actionType, schema string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.manifest.Actions {
		if f.manifest.Actions[i].ActionType == actionType {
			f.manifest.Actions[i].ParametersSchema = json.RawMessage(schema)
		}
	}
	return f
}

// Calls returns a copy of the recorded Execute calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Manifest() contracts.Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifest
}

func (f *Fake) Initialize(context.Context, cartridge.InitContext) error { return nil }

func (f *Fake) EnrichContext(_ context.Context, _ string, _ map[string]any, cctx map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(cctx)+len(f.Enrichment))
	for k, v := range cctx {
		out[k] = v
	}
	for k, v := range f.Enrichment {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) Execute(_ context.Context, actionType string, params map[string]any, _ map[string]any) (*contracts.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{ActionType: actionType, Parameters: params})
	if f.ExecuteErr != nil {
		return nil, f.ExecuteErr
	}
	if r, ok := f.Results[actionType]; ok {
		clone := *r
		return &clone, nil
	}
	return &contracts.ExecuteResult{
		Success:    true,
		Summary:    fmt.Sprintf("%s completed", actionType),
		DurationMs: 5,
	}, nil
}

func (f *Fake) RiskInput(_ context.Context, actionType string, _ map[string]any, _ map[string]any) (contracts.RiskInput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.RiskInputs[actionType]; ok {
		return in, nil
	}
	return contracts.RiskInput{
		BaseRisk:      contracts.RiskLow,
		Exposure:      contracts.Exposure{DollarsAtRisk: 10, BlastRadius: 1},
		Reversibility: contracts.ReversibilityFull,
	}, nil
}

func (f *Fake) Guardrails(context.Context) (contracts.GuardrailSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Guardrail, nil
}

func (f *Fake) HealthCheck(context.Context) (contracts.HealthStatus, error) {
	return contracts.HealthStatus{Status: contracts.ConnectionConnected, LatencyMs: 1}, nil
}

func (f *Fake) ResolveEntity(_ context.Context, ref contracts.EntityRef) (contracts.ResolvedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.Entities[ref.InputRef]; ok {
		return r, nil
	}
	return contracts.ResolvedEntity{
		InputRef:   ref.InputRef,
		EntityType: ref.EntityType,
		EntityID:   ref.InputRef,
		Status:     contracts.EntityFound,
		Confidence: 1,
	}, nil
}

func (f *Fake) SearchHaltTargets(context.Context) ([]cartridge.HaltTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cartridge.HaltTarget, len(f.Halts))
	copy(out, f.Halts)
	return out, nil
}

func (f *Fake) CaptureSnapshot(_ context.Context, actionType string, params map[string]any) (map[string]any, error) {
	return map[string]any{"actionType": actionType, "before": params, "capturedAt": time.Now().UTC().Format(time.RFC3339)}, nil
}

var (
	_ cartridge.Cartridge        = (*Fake)(nil)
	_ cartridge.EntityResolver   = (*Fake)(nil)
	_ cartridge.HaltSearcher     = (*Fake)(nil)
	_ cartridge.SnapshotCapturer = (*Fake)(nil)
)
