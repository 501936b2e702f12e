package contracts

import "time"

// ApprovalLevel says how much human oversight an action needs.
type ApprovalLevel string

const (
	ApprovalNone      ApprovalLevel = "none"
	ApprovalStandard  ApprovalLevel = "standard"
	ApprovalElevated  ApprovalLevel = "elevated"
	ApprovalMandatory ApprovalLevel = "mandatory"
)

var approvalLevelRank = map[ApprovalLevel]int{
	ApprovalNone:      0,
	ApprovalStandard:  1,
	ApprovalElevated:  2,
	ApprovalMandatory: 3,
}

// Rank orders approval levels: none < standard < elevated < mandatory.
// Unknown levels rank as mandatory so a typo can only tighten oversight.
func (l ApprovalLevel) Rank() int {
	if r, ok := approvalLevelRank[l]; ok {
		return r
	}
	return approvalLevelRank[ApprovalMandatory]
}

// StricterLevel returns the higher-oversight of two levels.
func StricterLevel(a, b ApprovalLevel) ApprovalLevel {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// LooserLevel returns the lower-oversight of two levels.
func LooserLevel(a, b ApprovalLevel) ApprovalLevel {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// GovernanceProfile is a preset bundle of tolerance and limit defaults.
type GovernanceProfile string

const (
	ProfileObserve GovernanceProfile = "observe"
	ProfileGuarded GovernanceProfile = "guarded"
	ProfileStrict  GovernanceProfile = "strict"
	ProfileLocked  GovernanceProfile = "locked"
)

// PrincipalType classifies who is acting.
type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalAgent  PrincipalType = "agent"
	PrincipalSystem PrincipalType = "system"
)

// Principal is an acting entity inside an organization.
type Principal struct {
	ID             string        `json:"id"`
	Type           PrincipalType `json:"type"`
	OrganizationID string        `json:"organizationId"`
	Roles          []string      `json:"roles,omitempty"`
}

// SpendLimits caps dollar exposure. Nil means no limit at that granularity.
type SpendLimits struct {
	PerActionUSD *float64 `json:"perActionUsd,omitempty"`
	DailyUSD     *float64 `json:"dailyUsd,omitempty"`
	MonthlyUSD   *float64 `json:"monthlyUsd,omitempty"`
}

// IdentitySpec is the stored governance posture for a principal (or an org
// default when PrincipalID is empty).
type IdentitySpec struct {
	ID                  string                         `json:"id"`
	PrincipalID         string                         `json:"principalId,omitempty"`
	OrganizationID      string                         `json:"organizationId"`
	GovernanceProfile   GovernanceProfile              `json:"governanceProfile,omitempty"`
	RiskTolerance       map[RiskCategory]ApprovalLevel `json:"riskTolerance,omitempty"`
	GlobalSpendLimits   SpendLimits                    `json:"globalSpendLimits,omitempty"`
	CartridgeSpendLimit map[string]SpendLimits         `json:"cartridgeSpendLimits,omitempty"`
	ForbiddenBehaviors  []string                       `json:"forbiddenBehaviors,omitempty"`
	TrustBehaviors      []string                       `json:"trustBehaviors,omitempty"`
	DelegatedApprovers  []string                       `json:"delegatedApprovers,omitempty"`
	Timezone            string                         `json:"timezone,omitempty"`
}

// OverlayMode says whether an overlay tightens or loosens the base spec.
type OverlayMode string

const (
	OverlayRestrict OverlayMode = "restrict"
	OverlayExtend   OverlayMode = "extend"
)

// TimeWindow activates an overlay during certain hours. Hours are in the
// identity spec's timezone; the window covers [StartHour, EndHour). Empty
// Days means every day.
type TimeWindow struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartHour int            `json:"startHour"`
	EndHour   int            `json:"endHour"`
}

// OverlayConditions gate overlay activation. All present conditions must hold.
type OverlayConditions struct {
	CartridgeIDs   []string       `json:"cartridgeIds,omitempty"`
	RiskCategories []RiskCategory `json:"riskCategories,omitempty"`
	TimeWindows    []TimeWindow   `json:"timeWindows,omitempty"`
}

// OverlayOverrides carry the fields an overlay changes. Nil/empty fields are
// left alone by the merge.
type OverlayOverrides struct {
	RiskTolerance        map[RiskCategory]ApprovalLevel `json:"riskTolerance,omitempty"`
	GlobalSpendLimits    *SpendLimits                   `json:"globalSpendLimits,omitempty"`
	CartridgeSpendLimit  map[string]SpendLimits         `json:"cartridgeSpendLimits,omitempty"`
	ForbiddenBehaviors   []string                       `json:"forbiddenBehaviors,omitempty"`
	TrustBehaviors       []string                       `json:"trustBehaviors,omitempty"`
	RemoveTrustBehaviors []string                       `json:"removeTrustBehaviors,omitempty"`
}

// RoleOverlay conditionally modifies an identity spec. Overlays apply in
// ascending Priority after the governance profile preset and base spec.
type RoleOverlay struct {
	ID         string            `json:"id"`
	SpecID     string            `json:"specId"`
	Name       string            `json:"name,omitempty"`
	Mode       OverlayMode       `json:"mode"`
	Priority   int               `json:"priority"`
	Active     bool              `json:"active"`
	Conditions OverlayConditions `json:"conditions,omitempty"`
	Overrides  OverlayOverrides  `json:"overrides,omitempty"`
}

// DelegationRule lets a grantee respond to approvals on a grantor's behalf.
// MaxChainDepth bounds how many hops beyond this rule a chain may extend
// (default 1: no re-delegation).
type DelegationRule struct {
	ID            string     `json:"id"`
	Grantor       string     `json:"grantor"`
	Grantee       string     `json:"grantee"`
	Scope         string     `json:"scope"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	MaxChainDepth int        `json:"maxChainDepth"`
}

// ResolvedIdentity is the effective governance posture after composing the
// profile preset, base spec, active overlays, and competence adjustments.
type ResolvedIdentity struct {
	PrincipalID          string                         `json:"principalId"`
	OrganizationID       string                         `json:"organizationId"`
	Profile              GovernanceProfile              `json:"profile"`
	RiskTolerance        map[RiskCategory]ApprovalLevel `json:"riskTolerance"`
	SpendLimits          SpendLimits                    `json:"spendLimits"`
	CartridgeSpendLimit  map[string]SpendLimits         `json:"cartridgeSpendLimits,omitempty"`
	ForbiddenBehaviors   []string                       `json:"forbiddenBehaviors,omitempty"`
	TrustBehaviors       []string                       `json:"trustBehaviors,omitempty"`
	DelegatedApprovers   []string                       `json:"delegatedApprovers,omitempty"`
	ActiveOverlays       []string                       `json:"activeOverlays,omitempty"`
	GovernanceNote       string                         `json:"governanceNote,omitempty"`
	CompetenceAdjustment []string                       `json:"competenceAdjustments,omitempty"`
}

// ToleranceFor returns the approval level the identity requires for a risk
// category. Missing entries fail closed to mandatory.
func (r *ResolvedIdentity) ToleranceFor(cat RiskCategory) ApprovalLevel {
	if lvl, ok := r.RiskTolerance[cat]; ok {
		return lvl
	}
	return ApprovalMandatory
}

// Forbids reports whether the action type is on the forbidden list.
func (r *ResolvedIdentity) Forbids(actionType string) bool {
	for _, b := range r.ForbiddenBehaviors {
		if b == actionType {
			return true
		}
	}
	return false
}

// Trusts reports whether the action type is on the trust list.
func (r *ResolvedIdentity) Trusts(actionType string) bool {
	for _, b := range r.TrustBehaviors {
		if b == actionType {
			return true
		}
	}
	return false
}
