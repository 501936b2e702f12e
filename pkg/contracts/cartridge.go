package contracts

import "encoding/json"

// ActionSpec declares one action a cartridge can perform.
type ActionSpec struct {
	ActionType       string          `json:"actionType"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	ParametersSchema json.RawMessage `json:"parametersSchema,omitempty"`
	BaseRiskCategory RiskCategory    `json:"baseRiskCategory"`
	Reversible       bool            `json:"reversible"`
}

// Manifest describes a cartridge: identity, version, the actions it offers,
// and the external connections it needs configured.
type Manifest struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Version             string       `json:"version"`
	Actions             []ActionSpec `json:"actions"`
	RequiredConnections []string     `json:"requiredConnections,omitempty"`
}

// ActionSpecFor returns the spec for an action type, or nil when the
// cartridge does not offer it.
func (m *Manifest) ActionSpecFor(actionType string) *ActionSpec {
	for i := range m.Actions {
		if m.Actions[i].ActionType == actionType {
			return &m.Actions[i]
		}
	}
	return nil
}

// RateLimitRule caps how often a scope may act within a window.
type RateLimitRule struct {
	Scope    string `json:"scope"`
	MaxCount int    `json:"maxCount"`
	WindowMs int64  `json:"windowMs"`
}

// CooldownRule spaces out repeat actions against the same entity.
type CooldownRule struct {
	ActionType string `json:"actionType"`
	CooldownMs int64  `json:"cooldownMs"`
}

// GuardrailSpec is the cartridge's declared rate limits, cooldowns, and
// protected entities. The policy engine enforces them.
type GuardrailSpec struct {
	RateLimits        []RateLimitRule `json:"rateLimits,omitempty"`
	Cooldowns         []CooldownRule  `json:"cooldowns,omitempty"`
	ProtectedEntities []string        `json:"protectedEntities,omitempty"`
}

// ConnectionStatus reports cartridge connectivity.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDegraded     ConnectionStatus = "degraded"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// HealthStatus is a cartridge health-check result.
type HealthStatus struct {
	Status       ConnectionStatus `json:"status"`
	LatencyMs    int64            `json:"latencyMs"`
	Error        string           `json:"error,omitempty"`
	Capabilities []string         `json:"capabilities,omitempty"`
}
