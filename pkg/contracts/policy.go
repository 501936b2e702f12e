package contracts

// Effect is what a matching policy does to the decision.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
	EffectTransform       Effect = "transform"
)

// Operator compares a context field against a policy value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
	OpPrefix   Operator = "prefix"
	OpRegex    Operator = "regex"
)

// Composition combines child rules.
type Composition string

const (
	CompositionAnd Composition = "AND"
	CompositionOr  Composition = "OR"
	CompositionNot Composition = "NOT"
)

// Rule is a composable condition tree. Exactly one of the three leaf/composite
// forms is populated:
//   - Field/Operator/Value: a flat-context comparison leaf
//   - CEL: a compiled expression leaf over the same context
//   - Composition/Children: AND, OR, or NOT over child rules
type Rule struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	CEL string `json:"cel,omitempty"`

	Composition Composition `json:"composition,omitempty"`
	Children    []Rule      `json:"children,omitempty"`
}

// IsComposite reports whether the rule combines children rather than testing
// a leaf condition.
func (r Rule) IsComposite() bool { return r.Composition != "" }

// ParameterTransform mutates proposal parameters when a transform policy
// matches. Set writes or overwrites fields; Remove deletes them.
type ParameterTransform struct {
	Set    map[string]any `json:"set,omitempty"`
	Remove []string       `json:"remove,omitempty"`
}

// Policy is one governance rule. Nil CartridgeID applies to every cartridge;
// nil OrganizationID applies to every organization. Policies evaluate in
// ascending Priority, ties broken by id sort.
type Policy struct {
	ID                  string              `json:"id"`
	Description         string              `json:"description,omitempty"`
	Priority            int                 `json:"priority"`
	Active              bool                `json:"active"`
	CartridgeID         *string             `json:"cartridgeId"`
	OrganizationID      *string             `json:"organizationId"`
	Rule                Rule                `json:"rule"`
	Effect              Effect              `json:"effect"`
	ApprovalRequirement ApprovalLevel       `json:"approvalRequirement,omitempty"`
	Transform           *ParameterTransform `json:"transform,omitempty"`
}

// AppliesTo reports whether the policy is in scope for a cartridge and
// organization. A nil scope field matches everything.
func (p Policy) AppliesTo(cartridgeID, organizationID string) bool {
	if p.CartridgeID != nil && *p.CartridgeID != cartridgeID {
		return false
	}
	if p.OrganizationID != nil && *p.OrganizationID != organizationID {
		return false
	}
	return true
}
