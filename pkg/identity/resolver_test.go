package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/pkg/contracts"
)

func limit(v float64) *float64 { return &v }

func baseSpec() *contracts.IdentitySpec {
	return &contracts.IdentitySpec{
		ID:                "spec-1",
		PrincipalID:       "agent-1",
		OrganizationID:    "org-1",
		GovernanceProfile: contracts.ProfileGuarded,
	}
}

func TestResolveProfilePresets(t *testing.T) {
	tests := []struct {
		profile contracts.GovernanceProfile
		medium  contracts.ApprovalLevel
		high    contracts.ApprovalLevel
	}{
		{contracts.ProfileObserve, contracts.ApprovalNone, contracts.ApprovalNone},
		{contracts.ProfileGuarded, contracts.ApprovalStandard, contracts.ApprovalElevated},
		{contracts.ProfileStrict, contracts.ApprovalElevated, contracts.ApprovalMandatory},
		{contracts.ProfileLocked, contracts.ApprovalMandatory, contracts.ApprovalMandatory},
	}
	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			spec := baseSpec()
			spec.GovernanceProfile = tt.profile
			resolved := Resolve(spec, nil, Context{})
			assert.Equal(t, tt.medium, resolved.ToleranceFor(contracts.RiskMedium))
			assert.Equal(t, tt.high, resolved.ToleranceFor(contracts.RiskHigh))
		})
	}
}

func TestObserveProfileCarriesGovernanceNote(t *testing.T) {
	spec := baseSpec()
	spec.GovernanceProfile = contracts.ProfileObserve
	resolved := Resolve(spec, nil, Context{})
	assert.NotEmpty(t, resolved.GovernanceNote)
	assert.Equal(t, contracts.ApprovalNone, resolved.ToleranceFor(contracts.RiskCritical))
}

func TestEmptyProfileDefaultsToGuarded(t *testing.T) {
	spec := baseSpec()
	spec.GovernanceProfile = ""
	resolved := Resolve(spec, nil, Context{})
	assert.Equal(t, contracts.ProfileGuarded, resolved.Profile)
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskMedium))
}

func TestBaseSpecOverridesPreset(t *testing.T) {
	spec := baseSpec()
	spec.RiskTolerance = map[contracts.RiskCategory]contracts.ApprovalLevel{
		contracts.RiskMedium: contracts.ApprovalElevated,
	}
	spec.GlobalSpendLimits = contracts.SpendLimits{PerActionUSD: limit(250)}
	spec.ForbiddenBehaviors = []string{"ads.account.close"}

	resolved := Resolve(spec, nil, Context{})
	assert.Equal(t, contracts.ApprovalElevated, resolved.ToleranceFor(contracts.RiskMedium))
	// Untouched categories keep the preset.
	assert.Equal(t, contracts.ApprovalNone, resolved.ToleranceFor(contracts.RiskLow))
	require.NotNil(t, resolved.SpendLimits.PerActionUSD)
	assert.Equal(t, 250.0, *resolved.SpendLimits.PerActionUSD)
	assert.True(t, resolved.Forbids("ads.account.close"))
}

func TestInactiveOverlayIgnored(t *testing.T) {
	overlay := &contracts.RoleOverlay{
		ID:     "ov-1",
		Mode:   contracts.OverlayRestrict,
		Active: false,
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskLow: contracts.ApprovalMandatory,
			},
		},
	}
	resolved := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{})
	assert.Equal(t, contracts.ApprovalNone, resolved.ToleranceFor(contracts.RiskLow))
	assert.Empty(t, resolved.ActiveOverlays)
}

func TestOverlayCartridgeCondition(t *testing.T) {
	overlay := &contracts.RoleOverlay{
		ID:         "ov-ads",
		Mode:       contracts.OverlayRestrict,
		Active:     true,
		Conditions: contracts.OverlayConditions{CartridgeIDs: []string{"ads"}},
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskLow: contracts.ApprovalStandard,
			},
		},
	}

	matched := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{CartridgeID: "ads"})
	assert.Equal(t, contracts.ApprovalStandard, matched.ToleranceFor(contracts.RiskLow))
	assert.Equal(t, []string{"ov-ads"}, matched.ActiveOverlays)

	other := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{CartridgeID: "crm"})
	assert.Equal(t, contracts.ApprovalNone, other.ToleranceFor(contracts.RiskLow))
	assert.Empty(t, other.ActiveOverlays)
}

func TestOverlayRiskCategoryCondition(t *testing.T) {
	overlay := &contracts.RoleOverlay{
		ID:         "ov-high",
		Mode:       contracts.OverlayRestrict,
		Active:     true,
		Conditions: contracts.OverlayConditions{RiskCategories: []contracts.RiskCategory{contracts.RiskHigh, contracts.RiskCritical}},
		Overrides: contracts.OverlayOverrides{
			ForbiddenBehaviors: []string{"pay.transfer.send"},
		},
	}

	high := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{RiskCategory: contracts.RiskHigh})
	assert.True(t, high.Forbids("pay.transfer.send"))

	low := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{RiskCategory: contracts.RiskLow})
	assert.False(t, low.Forbids("pay.transfer.send"))
}

func TestOverlayTimeWindow(t *testing.T) {
	// Business hours Mon-Fri 09:00-17:00 in the spec timezone.
	overlay := &contracts.RoleOverlay{
		ID:     "ov-hours",
		Mode:   contracts.OverlayExtend,
		Active: true,
		Conditions: contracts.OverlayConditions{TimeWindows: []contracts.TimeWindow{{
			Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			StartHour: 9,
			EndHour:   17,
		}}},
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskMedium: contracts.ApprovalNone,
			},
		},
	}

	// 2025-06-02 is a Monday.
	inside := time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)
	resolved := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{Now: inside})
	assert.Equal(t, contracts.ApprovalNone, resolved.ToleranceFor(contracts.RiskMedium))

	evening := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	resolved = Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{Now: evening})
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskMedium))

	// 2025-06-01 is a Sunday; hour would match but the day does not.
	sunday := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	resolved = Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{Now: sunday})
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskMedium))

	// EndHour is exclusive.
	boundary := time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC)
	resolved = Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{Now: boundary})
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskMedium))
}

func TestOverlayTimeWindowWrapsMidnight(t *testing.T) {
	overlay := &contracts.RoleOverlay{
		ID:     "ov-night",
		Mode:   contracts.OverlayRestrict,
		Active: true,
		Conditions: contracts.OverlayConditions{TimeWindows: []contracts.TimeWindow{{
			StartHour: 22,
			EndHour:   6,
		}}},
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskLow: contracts.ApprovalStandard,
			},
		},
	}

	night := time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)
	resolved := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{Now: night})
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskLow))

	dawn := time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)
	resolved = Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{Now: dawn})
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskLow))

	noon := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	resolved = Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{Now: noon})
	assert.Equal(t, contracts.ApprovalNone, resolved.ToleranceFor(contracts.RiskLow))
}

func TestOverlayTimeWindowUsesSpecTimezone(t *testing.T) {
	spec := baseSpec()
	spec.Timezone = "America/New_York"
	overlay := &contracts.RoleOverlay{
		ID:     "ov-ny",
		Mode:   contracts.OverlayRestrict,
		Active: true,
		Conditions: contracts.OverlayConditions{TimeWindows: []contracts.TimeWindow{{
			StartHour: 9,
			EndHour:   17,
		}}},
		Overrides: contracts.OverlayOverrides{
			ForbiddenBehaviors: []string{"ads.budget.update"},
		},
	}

	// 13:00 UTC on 2025-06-02 is 09:00 in New York (EDT, UTC-4).
	resolved := Resolve(spec, []*contracts.RoleOverlay{overlay}, Context{Now: time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)})
	assert.True(t, resolved.Forbids("ads.budget.update"))

	// 08:00 UTC is 04:00 in New York.
	resolved = Resolve(spec, []*contracts.RoleOverlay{overlay}, Context{Now: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)})
	assert.False(t, resolved.Forbids("ads.budget.update"))
}

func TestBadTimezoneFallsBackToUTC(t *testing.T) {
	spec := baseSpec()
	spec.Timezone = "Mars/Olympus_Mons"
	overlay := &contracts.RoleOverlay{
		ID:     "ov-tz",
		Mode:   contracts.OverlayRestrict,
		Active: true,
		Conditions: contracts.OverlayConditions{TimeWindows: []contracts.TimeWindow{{
			StartHour: 9, EndHour: 17,
		}}},
		Overrides: contracts.OverlayOverrides{ForbiddenBehaviors: []string{"x"}},
	}
	resolved := Resolve(spec, []*contracts.RoleOverlay{overlay}, Context{Now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)})
	assert.True(t, resolved.Forbids("x"))
}

func TestRestrictMerge(t *testing.T) {
	spec := baseSpec()
	spec.GlobalSpendLimits = contracts.SpendLimits{PerActionUSD: limit(1000), DailyUSD: limit(5000)}
	spec.TrustBehaviors = []string{"ads.campaign.pause"}

	overlay := &contracts.RoleOverlay{
		ID:     "ov-tight",
		Mode:   contracts.OverlayRestrict,
		Active: true,
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskLow:    contracts.ApprovalStandard,
				contracts.RiskMedium: contracts.ApprovalNone, // looser than base; must not apply
			},
			GlobalSpendLimits:    &contracts.SpendLimits{PerActionUSD: limit(200), MonthlyUSD: limit(20000)},
			ForbiddenBehaviors:   []string{"pay.transfer.send"},
			RemoveTrustBehaviors: []string{"ads.campaign.pause"},
		},
	}

	resolved := Resolve(spec, []*contracts.RoleOverlay{overlay}, Context{})
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskLow))
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskMedium), "restrict may only tighten")
	assert.Equal(t, 200.0, *resolved.SpendLimits.PerActionUSD)
	assert.Equal(t, 5000.0, *resolved.SpendLimits.DailyUSD)
	assert.Equal(t, 20000.0, *resolved.SpendLimits.MonthlyUSD, "overlay limit applies when base is unlimited")
	assert.True(t, resolved.Forbids("pay.transfer.send"))
	assert.False(t, resolved.Trusts("ads.campaign.pause"))
}

func TestExtendMerge(t *testing.T) {
	spec := baseSpec()
	spec.RiskTolerance = map[contracts.RiskCategory]contracts.ApprovalLevel{
		contracts.RiskMedium: contracts.ApprovalElevated,
	}
	spec.GlobalSpendLimits = contracts.SpendLimits{PerActionUSD: limit(100), DailyUSD: limit(500)}
	spec.TrustBehaviors = []string{"crm.note.add"}

	overlay := &contracts.RoleOverlay{
		ID:     "ov-loose",
		Mode:   contracts.OverlayExtend,
		Active: true,
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskMedium: contracts.ApprovalStandard,
				contracts.RiskHigh:   contracts.ApprovalMandatory, // stricter than base; must not apply
			},
			GlobalSpendLimits:    &contracts.SpendLimits{PerActionUSD: limit(400)},
			TrustBehaviors:       []string{"ads.campaign.pause"},
			RemoveTrustBehaviors: []string{"crm.note.add"},
		},
	}

	resolved := Resolve(spec, []*contracts.RoleOverlay{overlay}, Context{})
	assert.Equal(t, contracts.ApprovalStandard, resolved.ToleranceFor(contracts.RiskMedium))
	assert.Equal(t, contracts.ApprovalElevated, resolved.ToleranceFor(contracts.RiskHigh), "extend may only loosen")
	assert.Equal(t, 400.0, *resolved.SpendLimits.PerActionUSD)
	assert.Nil(t, resolved.SpendLimits.DailyUSD, "overlay without a daily limit lifts it")
	assert.True(t, resolved.Trusts("ads.campaign.pause"))
	assert.False(t, resolved.Trusts("crm.note.add"))
}

func TestOverlaysApplyInPriorityOrder(t *testing.T) {
	loosen := &contracts.RoleOverlay{
		ID: "ov-loose", Mode: contracts.OverlayExtend, Priority: 10, Active: true,
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskMedium: contracts.ApprovalNone,
			},
		},
	}
	tighten := &contracts.RoleOverlay{
		ID: "ov-tight", Mode: contracts.OverlayRestrict, Priority: 20, Active: true,
		Overrides: contracts.OverlayOverrides{
			RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalLevel{
				contracts.RiskMedium: contracts.ApprovalElevated,
			},
		},
	}

	resolved := Resolve(baseSpec(), []*contracts.RoleOverlay{loosen, tighten}, Context{})
	assert.Equal(t, contracts.ApprovalElevated, resolved.ToleranceFor(contracts.RiskMedium))
	assert.Equal(t, []string{"ov-loose", "ov-tight"}, resolved.ActiveOverlays)
}

func TestCartridgeSpendLimitMerge(t *testing.T) {
	spec := baseSpec()
	spec.GlobalSpendLimits = contracts.SpendLimits{PerActionUSD: limit(1000)}
	spec.CartridgeSpendLimit = map[string]contracts.SpendLimits{
		"ads": {PerActionUSD: limit(600)},
	}
	overlay := &contracts.RoleOverlay{
		ID: "ov-cart", Mode: contracts.OverlayRestrict, Active: true,
		Overrides: contracts.OverlayOverrides{
			CartridgeSpendLimit: map[string]contracts.SpendLimits{
				"ads": {PerActionUSD: limit(900)}, // higher than existing; min keeps 600
				"pay": {PerActionUSD: limit(50)},  // new entry tightens from the global
			},
		},
	}

	resolved := Resolve(spec, []*contracts.RoleOverlay{overlay}, Context{})
	assert.Equal(t, 600.0, *resolved.CartridgeSpendLimit["ads"].PerActionUSD)
	assert.Equal(t, 50.0, *resolved.CartridgeSpendLimit["pay"].PerActionUSD)
}

// Restrict-only overlays must never loosen any category, and extend-only
// overlays must never tighten one, whatever the combination.
func TestOverlayMonotonicity(t *testing.T) {
	categories := []contracts.RiskCategory{
		contracts.RiskNone, contracts.RiskLow, contracts.RiskMedium,
		contracts.RiskHigh, contracts.RiskCritical,
	}
	levels := []contracts.ApprovalLevel{
		contracts.ApprovalNone, contracts.ApprovalStandard,
		contracts.ApprovalElevated, contracts.ApprovalMandatory,
	}

	base := Resolve(baseSpec(), nil, Context{})

	for _, mode := range []contracts.OverlayMode{contracts.OverlayRestrict, contracts.OverlayExtend} {
		for _, lvl := range levels {
			tol := make(map[contracts.RiskCategory]contracts.ApprovalLevel, len(categories))
			for _, cat := range categories {
				tol[cat] = lvl
			}
			overlay := &contracts.RoleOverlay{
				ID: "ov", Mode: mode, Active: true,
				Overrides: contracts.OverlayOverrides{RiskTolerance: tol},
			}
			resolved := Resolve(baseSpec(), []*contracts.RoleOverlay{overlay}, Context{})
			for _, cat := range categories {
				got := resolved.ToleranceFor(cat).Rank()
				want := base.ToleranceFor(cat).Rank()
				if mode == contracts.OverlayRestrict {
					assert.GreaterOrEqual(t, got, want, "restrict loosened %s at %s", cat, lvl)
				} else {
					assert.LessOrEqual(t, got, want, "extend tightened %s at %s", cat, lvl)
				}
			}
		}
	}
}

func TestApplyCompetenceAdjustments(t *testing.T) {
	resolved := Resolve(baseSpec(), nil, Context{})
	resolved.ForbiddenBehaviors = []string{"pay.transfer.send"}
	resolved.TrustBehaviors = []string{"crm.note.add"}

	ApplyCompetenceAdjustments(resolved, []contracts.CompetenceAdjustment{
		{ActionType: "ads.campaign.pause", ShouldTrust: true},
		{ActionType: "pay.transfer.send", ShouldTrust: true},  // forbidden wins
		{ActionType: "crm.note.add", ShouldTrust: true},       // already trusted
		{ActionType: "ads.budget.update", ShouldTrust: false}, // below threshold
	})

	assert.True(t, resolved.Trusts("ads.campaign.pause"))
	assert.False(t, resolved.Trusts("pay.transfer.send"))
	assert.False(t, resolved.Trusts("ads.budget.update"))
	assert.Len(t, resolved.CompetenceAdjustment, 1)
	assert.Contains(t, resolved.CompetenceAdjustment[0], "ads.campaign.pause")
}
