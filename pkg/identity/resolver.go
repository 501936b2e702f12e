// Package identity composes an effective governance posture for a principal:
// governance-profile preset, base identity spec, conditionally active role
// overlays, and competence adjustments, merged in that order into an
// immutable ResolvedIdentity.
package identity

import (
	"fmt"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// Context narrows overlay activation to the call at hand.
type Context struct {
	CartridgeID  string
	RiskCategory contracts.RiskCategory
	Now          time.Time
}

// Resolve builds the effective identity. Overlays must arrive sorted by
// ascending priority (the store guarantees this); inactive overlays and
// overlays whose conditions do not hold are skipped.
func Resolve(spec *contracts.IdentitySpec, overlays []*contracts.RoleOverlay, rctx Context) *contracts.ResolvedIdentity {
	resolved := seedFromProfile(spec)
	mergeBaseSpec(resolved, spec)

	loc := specLocation(spec)
	for _, overlay := range overlays {
		if !overlay.Active {
			continue
		}
		if !overlayActive(overlay, rctx, loc) {
			continue
		}
		applyOverlay(resolved, overlay)
		resolved.ActiveOverlays = append(resolved.ActiveOverlays, overlay.ID)
	}
	return resolved
}

// ApplyCompetenceAdjustments adds earned trust to the identity. An action is
// trusted only when the tracker says so, it is not forbidden, and it is not
// already trusted.
func ApplyCompetenceAdjustments(identity *contracts.ResolvedIdentity, adjustments []contracts.CompetenceAdjustment) {
	for _, adj := range adjustments {
		if !adj.ShouldTrust {
			continue
		}
		if identity.Forbids(adj.ActionType) || identity.Trusts(adj.ActionType) {
			continue
		}
		identity.TrustBehaviors = append(identity.TrustBehaviors, adj.ActionType)
		identity.CompetenceAdjustment = append(identity.CompetenceAdjustment,
			fmt.Sprintf("trusted %s by competence", adj.ActionType))
	}
}

// profilePresets seed the risk tolerance before the base spec merges.
// Missing categories fail closed to mandatory via ToleranceFor.
var profilePresets = map[contracts.GovernanceProfile]map[contracts.RiskCategory]contracts.ApprovalLevel{
	contracts.ProfileObserve: {
		contracts.RiskNone:     contracts.ApprovalNone,
		contracts.RiskLow:      contracts.ApprovalNone,
		contracts.RiskMedium:   contracts.ApprovalNone,
		contracts.RiskHigh:     contracts.ApprovalNone,
		contracts.RiskCritical: contracts.ApprovalNone,
	},
	contracts.ProfileGuarded: {
		contracts.RiskNone:     contracts.ApprovalNone,
		contracts.RiskLow:      contracts.ApprovalNone,
		contracts.RiskMedium:   contracts.ApprovalStandard,
		contracts.RiskHigh:     contracts.ApprovalElevated,
		contracts.RiskCritical: contracts.ApprovalMandatory,
	},
	contracts.ProfileStrict: {
		contracts.RiskNone:     contracts.ApprovalNone,
		contracts.RiskLow:      contracts.ApprovalStandard,
		contracts.RiskMedium:   contracts.ApprovalElevated,
		contracts.RiskHigh:     contracts.ApprovalMandatory,
		contracts.RiskCritical: contracts.ApprovalMandatory,
	},
	contracts.ProfileLocked: {
		contracts.RiskNone:     contracts.ApprovalMandatory,
		contracts.RiskLow:      contracts.ApprovalMandatory,
		contracts.RiskMedium:   contracts.ApprovalMandatory,
		contracts.RiskHigh:     contracts.ApprovalMandatory,
		contracts.RiskCritical: contracts.ApprovalMandatory,
	},
}

func seedFromProfile(spec *contracts.IdentitySpec) *contracts.ResolvedIdentity {
	profile := spec.GovernanceProfile
	if profile == "" {
		profile = contracts.ProfileGuarded
	}
	tolerance := make(map[contracts.RiskCategory]contracts.ApprovalLevel)
	for cat, lvl := range profilePresets[profile] {
		tolerance[cat] = lvl
	}

	resolved := &contracts.ResolvedIdentity{
		PrincipalID:    spec.PrincipalID,
		OrganizationID: spec.OrganizationID,
		Profile:        profile,
		RiskTolerance:  tolerance,
	}
	switch profile {
	case contracts.ProfileObserve:
		resolved.GovernanceNote = "observe profile: approvals waived, all actions recorded"
	case contracts.ProfileLocked:
		resolved.GovernanceNote = "locked profile: every action requires mandatory approval"
	}
	return resolved
}

func mergeBaseSpec(resolved *contracts.ResolvedIdentity, spec *contracts.IdentitySpec) {
	for cat, lvl := range spec.RiskTolerance {
		resolved.RiskTolerance[cat] = lvl
	}
	resolved.SpendLimits = spec.GlobalSpendLimits
	if spec.CartridgeSpendLimit != nil {
		resolved.CartridgeSpendLimit = make(map[string]contracts.SpendLimits, len(spec.CartridgeSpendLimit))
		for k, v := range spec.CartridgeSpendLimit {
			resolved.CartridgeSpendLimit[k] = v
		}
	}
	resolved.ForbiddenBehaviors = append([]string(nil), spec.ForbiddenBehaviors...)
	resolved.TrustBehaviors = append([]string(nil), spec.TrustBehaviors...)
	resolved.DelegatedApprovers = append([]string(nil), spec.DelegatedApprovers...)
}

func specLocation(spec *contracts.IdentitySpec) *time.Location {
	if spec.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(spec.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// overlayActive requires every present condition to hold.
func overlayActive(overlay *contracts.RoleOverlay, rctx Context, loc *time.Location) bool {
	cond := overlay.Conditions
	if len(cond.CartridgeIDs) > 0 && !containsString(cond.CartridgeIDs, rctx.CartridgeID) {
		return false
	}
	if len(cond.RiskCategories) > 0 {
		found := false
		for _, cat := range cond.RiskCategories {
			if cat == rctx.RiskCategory {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(cond.TimeWindows) > 0 {
		local := rctx.Now.In(loc)
		matched := false
		for _, w := range cond.TimeWindows {
			if windowMatches(w, local) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// windowMatches covers [StartHour, EndHour) in local time; a window whose
// start is after its end wraps past midnight.
func windowMatches(w contracts.TimeWindow, local time.Time) bool {
	if len(w.Days) > 0 {
		dayOK := false
		for _, d := range w.Days {
			if d == local.Weekday() {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}
	hour := local.Hour()
	if w.StartHour == w.EndHour {
		return false
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

func applyOverlay(resolved *contracts.ResolvedIdentity, overlay *contracts.RoleOverlay) {
	ov := overlay.Overrides
	switch overlay.Mode {
	case contracts.OverlayRestrict:
		for cat, lvl := range ov.RiskTolerance {
			resolved.RiskTolerance[cat] = contracts.StricterLevel(resolved.RiskTolerance[cat], lvl)
		}
		if ov.GlobalSpendLimits != nil {
			resolved.SpendLimits = restrictLimits(resolved.SpendLimits, *ov.GlobalSpendLimits)
		}
		mergeCartridgeLimits(resolved, ov.CartridgeSpendLimit, restrictLimits)
		for _, b := range ov.ForbiddenBehaviors {
			if !containsString(resolved.ForbiddenBehaviors, b) {
				resolved.ForbiddenBehaviors = append(resolved.ForbiddenBehaviors, b)
			}
		}
		resolved.TrustBehaviors = removeAll(resolved.TrustBehaviors, ov.RemoveTrustBehaviors)

	case contracts.OverlayExtend:
		for cat, lvl := range ov.RiskTolerance {
			resolved.RiskTolerance[cat] = contracts.LooserLevel(resolved.RiskTolerance[cat], lvl)
		}
		if ov.GlobalSpendLimits != nil {
			resolved.SpendLimits = extendLimits(resolved.SpendLimits, *ov.GlobalSpendLimits)
		}
		mergeCartridgeLimits(resolved, ov.CartridgeSpendLimit, extendLimits)
		for _, b := range ov.TrustBehaviors {
			if !containsString(resolved.TrustBehaviors, b) {
				resolved.TrustBehaviors = append(resolved.TrustBehaviors, b)
			}
		}
		resolved.TrustBehaviors = removeAll(resolved.TrustBehaviors, ov.RemoveTrustBehaviors)
	}
}

func mergeCartridgeLimits(resolved *contracts.ResolvedIdentity, overrides map[string]contracts.SpendLimits, merge func(a, b contracts.SpendLimits) contracts.SpendLimits) {
	if len(overrides) == 0 {
		return
	}
	if resolved.CartridgeSpendLimit == nil {
		resolved.CartridgeSpendLimit = make(map[string]contracts.SpendLimits, len(overrides))
	}
	for id, limits := range overrides {
		if base, ok := resolved.CartridgeSpendLimit[id]; ok {
			resolved.CartridgeSpendLimit[id] = merge(base, limits)
		} else {
			resolved.CartridgeSpendLimit[id] = merge(resolved.SpendLimits, limits)
		}
	}
}

// restrictLimits takes the minimum of the non-nil limits per field.
func restrictLimits(a, b contracts.SpendLimits) contracts.SpendLimits {
	return contracts.SpendLimits{
		PerActionUSD: minLimit(a.PerActionUSD, b.PerActionUSD),
		DailyUSD:     minLimit(a.DailyUSD, b.DailyUSD),
		MonthlyUSD:   minLimit(a.MonthlyUSD, b.MonthlyUSD),
	}
}

// extendLimits takes the maximum per field; a nil side means unlimited and
// wins.
func extendLimits(a, b contracts.SpendLimits) contracts.SpendLimits {
	return contracts.SpendLimits{
		PerActionUSD: maxLimit(a.PerActionUSD, b.PerActionUSD),
		DailyUSD:     maxLimit(a.DailyUSD, b.DailyUSD),
		MonthlyUSD:   maxLimit(a.MonthlyUSD, b.MonthlyUSD),
	}
}

func minLimit(a, b *float64) *float64 {
	if a == nil {
		return copyLimit(b)
	}
	if b == nil {
		return copyLimit(a)
	}
	if *a <= *b {
		return copyLimit(a)
	}
	return copyLimit(b)
}

func maxLimit(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	if *a >= *b {
		return copyLimit(a)
	}
	return copyLimit(b)
}

func copyLimit(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeAll(list []string, remove []string) []string {
	if len(remove) == 0 {
		return list
	}
	out := list[:0]
	for _, v := range list {
		if !containsString(remove, v) {
			out = append(out, v)
		}
	}
	return out
}
