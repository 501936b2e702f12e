package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// SeedPack is the YAML shape of a governance seed: the policies, identity
// specs, delegation rules, and approval routing a deployment starts from.
// See Build for the validation applied when converting to domain types.
type SeedPack struct {
	Policies    []PolicySeed     `yaml:"policies"`
	Identities  []IdentitySeed   `yaml:"identities"`
	Delegations []DelegationSeed `yaml:"delegations"`
	Routing     *RoutingSeed     `yaml:"routing"`
}

// PolicySeed declares one governance policy.
type PolicySeed struct {
	ID                  string         `yaml:"id"`
	Description         string         `yaml:"description"`
	Priority            int            `yaml:"priority"`
	Disabled            bool           `yaml:"disabled"`
	Cartridge           string         `yaml:"cartridge"`    // empty: every cartridge
	Organization        string         `yaml:"organization"` // empty: every organization
	Rule                RuleSeed       `yaml:"rule"`
	Effect              string         `yaml:"effect"`
	ApprovalRequirement string         `yaml:"approvalRequirement"`
	Set                 map[string]any `yaml:"set"`    // transform effect only
	Remove              []string       `yaml:"remove"` // transform effect only
}

// RuleSeed is one condition node: a field comparison, a CEL expression, or a
// composition over children. Exactly one form may be set.
type RuleSeed struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`

	CEL string `yaml:"cel"`

	All []RuleSeed `yaml:"all"`
	Any []RuleSeed `yaml:"any"`
	Not []RuleSeed `yaml:"not"`
}

// IdentitySeed declares a stored identity spec. Empty principal makes it the
// organization default.
type IdentitySeed struct {
	ID            string            `yaml:"id"`
	Principal     string            `yaml:"principal"`
	Organization  string            `yaml:"organization"`
	Profile       string            `yaml:"profile"`
	RiskTolerance map[string]string `yaml:"riskTolerance"`
	Forbid        []string          `yaml:"forbid"`
	Trust         []string          `yaml:"trust"`
	Approvers     []string          `yaml:"approvers"`
	Spend         *SpendSeed        `yaml:"spend"`
	Timezone      string            `yaml:"timezone"`
}

// SpendSeed carries optional dollar caps.
type SpendSeed struct {
	PerActionUSD *float64 `yaml:"perActionUsd"`
	DailyUSD     *float64 `yaml:"dailyUsd"`
	MonthlyUSD   *float64 `yaml:"monthlyUsd"`
}

// DelegationSeed declares one delegation rule.
type DelegationSeed struct {
	ID            string     `yaml:"id"`
	Grantor       string     `yaml:"grantor"`
	Grantee       string     `yaml:"grantee"`
	Scope         string     `yaml:"scope"`
	MaxChainDepth int        `yaml:"maxChainDepth"`
	ExpiresAt     *time.Time `yaml:"expiresAt"`
}

// RoutingSeed names the default approvers per level and the fallback seat.
type RoutingSeed struct {
	Standard  []string `yaml:"standard"`
	Elevated  []string `yaml:"elevated"`
	Mandatory []string `yaml:"mandatory"`
	Fallback  string   `yaml:"fallback"`
}

// Seeds is a pack converted to domain types, ready for the stores.
type Seeds struct {
	Policies    []*contracts.Policy
	Identities  []*contracts.IdentitySpec
	Delegations []*contracts.DelegationRule
	Approvers   map[contracts.ApprovalLevel][]string
	Fallback    string
}

// DefaultSeeds is the governance baseline a deployment gets when no seed
// pack is configured: one catch-all policy deferring oversight to the
// identity's risk tolerance, and a guarded default identity spec for the
// organization.
func DefaultSeeds(organizationID string) *Seeds {
	return &Seeds{
		Policies: []*contracts.Policy{{
			ID:                  "pol_baseline",
			Description:         "defer oversight to the identity's risk tolerance",
			Priority:            1000,
			Active:              true,
			Rule:                contracts.Rule{CEL: "true"},
			Effect:              contracts.EffectRequireApproval,
			ApprovalRequirement: contracts.ApprovalNone,
		}},
		Identities: []*contracts.IdentitySpec{{
			ID:                "spec_org_default",
			OrganizationID:    organizationID,
			GovernanceProfile: contracts.ProfileGuarded,
		}},
		Approvers: map[contracts.ApprovalLevel][]string{},
	}
}

// LoadSeedFile reads and converts one YAML pack.
func LoadSeedFile(path string) (*Seeds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed pack: %w", err)
	}
	var pack SeedPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse seed pack %s: %w", filepath.Base(path), err)
	}
	seeds, err := pack.Build()
	if err != nil {
		return nil, fmt.Errorf("seed pack %s: %w", filepath.Base(path), err)
	}
	return seeds, nil
}

// LoadSeedDir merges every *.yaml pack in a directory, in name order. Lists
// concatenate; for routing, the last pack naming a level wins.
func LoadSeedDir(dir string) (*Seeds, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no seed packs under %s", dir)
	}
	sort.Strings(matches)

	merged := &Seeds{Approvers: map[contracts.ApprovalLevel][]string{}}
	for _, path := range matches {
		seeds, err := LoadSeedFile(path)
		if err != nil {
			return nil, err
		}
		merged.Policies = append(merged.Policies, seeds.Policies...)
		merged.Identities = append(merged.Identities, seeds.Identities...)
		merged.Delegations = append(merged.Delegations, seeds.Delegations...)
		for level, who := range seeds.Approvers {
			merged.Approvers[level] = who
		}
		if seeds.Fallback != "" {
			merged.Fallback = seeds.Fallback
		}
	}
	return merged, nil
}

// Build validates the pack and converts it to domain types.
func (p *SeedPack) Build() (*Seeds, error) {
	seeds := &Seeds{Approvers: map[contracts.ApprovalLevel][]string{}}

	for i, ps := range p.Policies {
		pol, err := ps.build()
		if err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, ps.ID, err)
		}
		seeds.Policies = append(seeds.Policies, pol)
	}
	for i, is := range p.Identities {
		spec, err := is.build()
		if err != nil {
			return nil, fmt.Errorf("identity %d (%s): %w", i, is.ID, err)
		}
		seeds.Identities = append(seeds.Identities, spec)
	}
	for i, ds := range p.Delegations {
		rule, err := ds.build()
		if err != nil {
			return nil, fmt.Errorf("delegation %d (%s): %w", i, ds.ID, err)
		}
		seeds.Delegations = append(seeds.Delegations, rule)
	}
	if p.Routing != nil {
		if len(p.Routing.Standard) > 0 {
			seeds.Approvers[contracts.ApprovalStandard] = p.Routing.Standard
		}
		if len(p.Routing.Elevated) > 0 {
			seeds.Approvers[contracts.ApprovalElevated] = p.Routing.Elevated
		}
		if len(p.Routing.Mandatory) > 0 {
			seeds.Approvers[contracts.ApprovalMandatory] = p.Routing.Mandatory
		}
		seeds.Fallback = p.Routing.Fallback
	}
	return seeds, nil
}

func (ps PolicySeed) build() (*contracts.Policy, error) {
	if ps.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	effect := contracts.Effect(ps.Effect)
	switch effect {
	case contracts.EffectAllow, contracts.EffectDeny, contracts.EffectRequireApproval, contracts.EffectTransform:
	default:
		return nil, fmt.Errorf("unknown effect %q", ps.Effect)
	}
	level, err := approvalLevel(ps.ApprovalRequirement, contracts.ApprovalNone)
	if err != nil {
		return nil, err
	}
	rule, err := ps.Rule.build()
	if err != nil {
		return nil, err
	}

	pol := &contracts.Policy{
		ID:                  ps.ID,
		Description:         ps.Description,
		Priority:            ps.Priority,
		Active:              !ps.Disabled,
		Rule:                rule,
		Effect:              effect,
		ApprovalRequirement: level,
	}
	if ps.Cartridge != "" {
		c := ps.Cartridge
		pol.CartridgeID = &c
	}
	if ps.Organization != "" {
		o := ps.Organization
		pol.OrganizationID = &o
	}
	if len(ps.Set) > 0 || len(ps.Remove) > 0 {
		pol.Transform = &contracts.ParameterTransform{Set: ps.Set, Remove: ps.Remove}
	}
	return pol, nil
}

func (rs RuleSeed) build() (contracts.Rule, error) {
	forms := 0
	if rs.Field != "" {
		forms++
	}
	if rs.CEL != "" {
		forms++
	}
	composites := 0
	if len(rs.All) > 0 {
		composites++
	}
	if len(rs.Any) > 0 {
		composites++
	}
	if len(rs.Not) > 0 {
		composites++
	}
	forms += composites
	if forms != 1 {
		return contracts.Rule{}, fmt.Errorf("rule must set exactly one of field, cel, all, any, not")
	}

	switch {
	case rs.Field != "":
		return contracts.Rule{
			Field:    rs.Field,
			Operator: contracts.Operator(rs.Operator),
			Value:    rs.Value,
		}, nil
	case rs.CEL != "":
		return contracts.Rule{CEL: rs.CEL}, nil
	case len(rs.Not) > 0:
		children, err := buildChildren(rs.Not)
		if err != nil {
			return contracts.Rule{}, err
		}
		return contracts.Rule{Composition: contracts.CompositionNot, Children: children}, nil
	case len(rs.Any) > 0:
		children, err := buildChildren(rs.Any)
		if err != nil {
			return contracts.Rule{}, err
		}
		return contracts.Rule{Composition: contracts.CompositionOr, Children: children}, nil
	default:
		children, err := buildChildren(rs.All)
		if err != nil {
			return contracts.Rule{}, err
		}
		return contracts.Rule{Composition: contracts.CompositionAnd, Children: children}, nil
	}
}

func buildChildren(seeds []RuleSeed) ([]contracts.Rule, error) {
	children := make([]contracts.Rule, 0, len(seeds))
	for i, s := range seeds {
		child, err := s.build()
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		children = append(children, child)
	}
	return children, nil
}

func (is IdentitySeed) build() (*contracts.IdentitySpec, error) {
	if is.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if is.Organization == "" {
		return nil, fmt.Errorf("organization is required")
	}
	profile := contracts.GovernanceProfile(is.Profile)
	switch profile {
	case "", contracts.ProfileObserve, contracts.ProfileGuarded, contracts.ProfileStrict, contracts.ProfileLocked:
	default:
		return nil, fmt.Errorf("unknown profile %q", is.Profile)
	}

	spec := &contracts.IdentitySpec{
		ID:                 is.ID,
		PrincipalID:        is.Principal,
		OrganizationID:     is.Organization,
		GovernanceProfile:  profile,
		ForbiddenBehaviors: is.Forbid,
		TrustBehaviors:     is.Trust,
		DelegatedApprovers: is.Approvers,
		Timezone:           is.Timezone,
	}
	if len(is.RiskTolerance) > 0 {
		spec.RiskTolerance = make(map[contracts.RiskCategory]contracts.ApprovalLevel, len(is.RiskTolerance))
		for cat, lvl := range is.RiskTolerance {
			category, err := riskCategory(cat)
			if err != nil {
				return nil, err
			}
			level, err := approvalLevel(lvl, "")
			if err != nil {
				return nil, err
			}
			spec.RiskTolerance[category] = level
		}
	}
	if is.Spend != nil {
		spec.GlobalSpendLimits = contracts.SpendLimits{
			PerActionUSD: is.Spend.PerActionUSD,
			DailyUSD:     is.Spend.DailyUSD,
			MonthlyUSD:   is.Spend.MonthlyUSD,
		}
	}
	return spec, nil
}

func (ds DelegationSeed) build() (*contracts.DelegationRule, error) {
	if ds.ID == "" || ds.Grantor == "" || ds.Grantee == "" || ds.Scope == "" {
		return nil, fmt.Errorf("id, grantor, grantee, and scope are required")
	}
	return &contracts.DelegationRule{
		ID:            ds.ID,
		Grantor:       ds.Grantor,
		Grantee:       ds.Grantee,
		Scope:         ds.Scope,
		ExpiresAt:     ds.ExpiresAt,
		MaxChainDepth: ds.MaxChainDepth,
	}, nil
}

func approvalLevel(s string, fallback contracts.ApprovalLevel) (contracts.ApprovalLevel, error) {
	if s == "" {
		return fallback, nil
	}
	level := contracts.ApprovalLevel(s)
	switch level {
	case contracts.ApprovalNone, contracts.ApprovalStandard, contracts.ApprovalElevated, contracts.ApprovalMandatory:
		return level, nil
	default:
		return "", fmt.Errorf("unknown approval level %q", s)
	}
}

func riskCategory(s string) (contracts.RiskCategory, error) {
	category := contracts.RiskCategory(s)
	switch category {
	case contracts.RiskNone, contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical:
		return category, nil
	default:
		return "", fmt.Errorf("unknown risk category %q", s)
	}
}
