package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/store"
)

// HaltReport summarizes an emergency halt: what got paused and what could
// not be.
type HaltReport struct {
	OrganizationID string                      `json:"organizationId"`
	Paused         []*contracts.ActionEnvelope `json:"paused,omitempty"`
	Failures       []string                    `json:"failures,omitempty"`
}

// EmergencyHalt is the kill switch. It locks the organization's governance
// profile so every new proposal needs mandatory approval, then asks each
// cartridge for its active effectful state and proposes pauses with the
// approval gate overridden. Policy denials still hold; the override outranks
// oversight, not rules.
func (o *Orchestrator) EmergencyHalt(ctx context.Context, organizationID, requestedBy string) (report *HaltReport, err error) {
	if organizationID == "" || requestedBy == "" {
		return nil, fmt.Errorf("%w: organizationId and requestedBy are required", ErrValidation)
	}
	ctx, end := o.recorder.StartSpan(ctx, "lifecycle.emergency_halt",
		attribute.String("organization_id", organizationID),
	)
	defer func() { end(err) }()

	spec, err := o.identities.SpecForPrincipal(ctx, "", organizationID)
	if errors.Is(err, store.ErrNotFound) {
		spec = &contracts.IdentitySpec{ID: uuid.New().String(), OrganizationID: organizationID}
	} else if err != nil {
		return nil, fmt.Errorf("load org identity: %w", err)
	}
	spec.GovernanceProfile = contracts.ProfileLocked
	if err = o.identities.PutSpec(ctx, spec); err != nil {
		return nil, fmt.Errorf("lock organization: %w", err)
	}
	o.logger.WarnContext(ctx, "emergency halt engaged",
		"organizationId", organizationID, "requestedBy", requestedBy)

	o.record(ctx, audit.Draft{
		EventType:      "org.emergency_halt",
		ActorType:      "user",
		ActorID:        requestedBy,
		EntityType:     "organization",
		EntityID:       organizationID,
		RiskCategory:   contracts.RiskCritical,
		Summary:        fmt.Sprintf("emergency halt by %s: organization locked, active state being paused", requestedBy),
		OrganizationID: organizationID,
	})

	report = &HaltReport{OrganizationID: organizationID}
	for _, guarded := range o.registry.Snapshot() {
		manifest := guarded.Manifest()
		targets, serr := guarded.SearchHaltTargets(ctx)
		if serr != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: halt search failed: %v", manifest.ID, serr))
			continue
		}
		for _, target := range targets {
			o.haltTarget(ctx, report, manifest.ID, organizationID, requestedBy, target)
		}
	}
	return report, nil
}

func (o *Orchestrator) haltTarget(ctx context.Context, report *HaltReport, cartridgeID, organizationID, requestedBy string, target cartridge.HaltTarget) {
	res, err := o.ResolveAndPropose(ctx, ProposeRequest{
		ActionType:     target.ActionType,
		Parameters:     target.Parameters,
		PrincipalID:    requestedBy,
		OrganizationID: organizationID,
		CartridgeID:    cartridgeID,
		Message:        "emergency halt: " + target.Summary,

		override: true,
	})
	if err != nil {
		report.Failures = append(report.Failures, fmt.Sprintf("%s %s: %v", cartridgeID, target.ActionType, err))
		return
	}
	if res.Denied {
		report.Failures = append(report.Failures, fmt.Sprintf("%s %s: denied: %s", cartridgeID, target.ActionType, res.Explanation))
		return
	}
	if res.Envelope != nil {
		report.Paused = append(report.Paused, res.Envelope)
	}
}
