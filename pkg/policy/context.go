package policy

import (
	"strings"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// evalContext is the flat document rule fields address: actionType,
// parameters.*, metadata.*, identity.*, context.*. The parameters map is
// shared with the evaluator's working copy so transform policies are visible
// to lower-priority rules.
type evalContext struct {
	doc map[string]any
}

func buildContext(in Input, params map[string]any) *evalContext {
	doc := map[string]any{
		"actionType": in.ActionType,
		"parameters": params,
		"metadata":   in.Metadata,
		"context":    in.CartridgeContext,
	}
	if in.Identity != nil {
		doc["identity"] = identityDoc(in.Identity)
	} else {
		doc["identity"] = map[string]any{}
	}
	return &evalContext{doc: doc}
}

func identityDoc(id *contracts.ResolvedIdentity) map[string]any {
	return map[string]any{
		"principalId":        id.PrincipalID,
		"organizationId":     id.OrganizationID,
		"profile":            string(id.Profile),
		"trustBehaviors":     toAnySlice(id.TrustBehaviors),
		"forbiddenBehaviors": toAnySlice(id.ForbiddenBehaviors),
		"activeOverlays":     toAnySlice(id.ActiveOverlays),
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Lookup walks a dotted path through nested maps. A missing segment reports
// not-found; operators treat that as a non-match.
func (c *evalContext) Lookup(field string) (any, bool) {
	if field == "" {
		return nil, false
	}
	segments := strings.Split(field, ".")
	var cur any = c.doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneParams(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// applyTransform mutates params in place. Set paths create intermediate maps
// as needed; Remove paths that do not exist are ignored.
func applyTransform(params map[string]any, t *contracts.ParameterTransform) {
	for path, value := range t.Set {
		setPath(params, path, value)
	}
	for _, path := range t.Remove {
		removePath(params, path)
	}
}

func setPath(params map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	cur := params
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}

func removePath(params map[string]any, path string) {
	segments := strings.Split(path, ".")
	cur := params
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segments[len(segments)-1])
}
