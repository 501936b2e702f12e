package approval

import (
	"strings"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// ScopeAll matches every action type.
const ScopeAll = "*"

// MaxChainDepth is the global ceiling on delegation hops, whatever the
// per-rule limits say.
const MaxChainDepth = 5

// NarrowScope combines two scopes into the narrower one. "*" defers to the
// other side; equal scopes return themselves; a prefix-wildcard superset
// defers to its subset; disjoint scopes annihilate to the empty scope.
// Commutative and idempotent, so a chain's effective scope never widens.
func NarrowScope(a, b string) string {
	if a == ScopeAll {
		return b
	}
	if b == ScopeAll {
		return a
	}
	if a == b {
		return a
	}
	if scopeCovers(a, b) {
		return b
	}
	if scopeCovers(b, a) {
		return a
	}
	return ""
}

// scopeCovers reports whether scope a includes scope b. Wildcards are
// trailing-only: "ads.*" covers "ads.campaign.pause" and "ads.campaign.*".
func scopeCovers(a, b string) bool {
	if a == ScopeAll {
		return true
	}
	if a == b {
		return true
	}
	if strings.HasSuffix(a, ".*") {
		prefix := strings.TrimSuffix(a, "*")
		return strings.HasPrefix(b, prefix)
	}
	return false
}

// ChainQuery asks whether a responder may act for one of the approvers.
type ChainQuery struct {
	Responder string
	Approvers []string
	// RequiredScope, when set, must be covered by the chain's effective
	// scope (typically the action type under approval).
	RequiredScope string
	// MaxDepth caps chain length; zero means MaxChainDepth.
	MaxDepth int
	Now      time.Time
}

// ChainResult reports the shortest authorizing chain, if any.
type ChainResult struct {
	Authorized     bool
	Chain          []string
	Depth          int
	EffectiveScope string
}

type chainNode struct {
	principal string
	scope     string
	depth     int
	path      []string
}

// ResolveDelegationChain walks grantee→grantor links breadth-first from the
// responder. Each hop must be unexpired, within the rule's own chain-depth
// allowance, and must leave a non-empty narrowed scope. Cycles are cut by a
// visited set. The first grantor found among the approvers (with a scope
// covering RequiredScope, when given) wins; BFS makes it the shortest chain.
func ResolveDelegationChain(q ChainQuery, rules []*contracts.DelegationRule) ChainResult {
	maxDepth := q.MaxDepth
	if maxDepth <= 0 || maxDepth > MaxChainDepth {
		maxDepth = MaxChainDepth
	}

	approvers := make(map[string]struct{}, len(q.Approvers))
	for _, a := range q.Approvers {
		approvers[a] = struct{}{}
	}

	// A responder who is an approver needs no chain.
	if _, ok := approvers[q.Responder]; ok {
		return ChainResult{
			Authorized:     true,
			Chain:          []string{q.Responder},
			EffectiveScope: ScopeAll,
		}
	}

	byGrantee := make(map[string][]*contracts.DelegationRule)
	for _, rule := range rules {
		byGrantee[rule.Grantee] = append(byGrantee[rule.Grantee], rule)
	}

	visited := map[string]struct{}{q.Responder: {}}
	frontier := []chainNode{{
		principal: q.Responder,
		scope:     ScopeAll,
		path:      []string{q.Responder},
	}}

	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		hop := node.depth + 1
		if hop > maxDepth {
			continue
		}

		for _, rule := range byGrantee[node.principal] {
			if rule.ExpiresAt != nil && !rule.ExpiresAt.After(q.Now) {
				continue
			}
			ruleDepth := rule.MaxChainDepth
			if ruleDepth <= 0 {
				ruleDepth = 1
			}
			if hop > ruleDepth {
				continue
			}
			ruleScope := rule.Scope
			if ruleScope == "" {
				ruleScope = ScopeAll
			}
			scope := NarrowScope(node.scope, ruleScope)
			if scope == "" {
				continue
			}
			if _, seen := visited[rule.Grantor]; seen {
				continue
			}

			path := append(append([]string(nil), node.path...), rule.Grantor)
			if _, ok := approvers[rule.Grantor]; ok {
				if q.RequiredScope == "" || scopeCovers(scope, q.RequiredScope) {
					return ChainResult{
						Authorized:     true,
						Chain:          path,
						Depth:          hop,
						EffectiveScope: scope,
					}
				}
			}

			visited[rule.Grantor] = struct{}{}
			frontier = append(frontier, chainNode{
				principal: rule.Grantor,
				scope:     scope,
				depth:     hop,
				path:      path,
			})
		}
	}
	return ChainResult{}
}
