// Package approval routes actions to human approvers and drives the approval
// state machine: expiry by required level, quorum voting, optimistic
// versioning, and delegation-chain resolution. An approval binds to the exact
// action payload through a canonical hash; any response that does not present
// that hash is rejected.
package approval

import (
	"github.com/tillerhq/tiller/pkg/canonical"
)

// bindingPayload is the document the binding hash covers. Key order does not
// matter; canonicalization fixes it.
type bindingPayload struct {
	ActionType  string         `json:"actionType"`
	Parameters  map[string]any `json:"parameters"`
	PrincipalID string         `json:"principalId"`
	CartridgeID string         `json:"cartridgeId"`
}

// BindingHash computes the hex SHA-256 over the canonical JSON of the action
// payload. Stored on the request at creation and re-verified on every
// response.
func BindingHash(actionType string, parameters map[string]any, principalID, cartridgeID string) (string, error) {
	return canonical.Hash(bindingPayload{
		ActionType:  actionType,
		Parameters:  parameters,
		PrincipalID: principalID,
		CartridgeID: cartridgeID,
	})
}
