package policy

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// matcher evaluates field-operator-value leaves. Regex patterns compile once
// and are cached for the engine's lifetime.
type matcher struct {
	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

func newMatcher() *matcher {
	return &matcher{regexps: make(map[string]*regexp.Regexp)}
}

// match compares the looked-up context value against the rule value. A
// missing field never matches, whatever the operator; governance conditions
// fail closed on absent data.
func (m *matcher) match(op contracts.Operator, actual any, found bool, expected any) (bool, string) {
	if !found {
		return false, "field absent"
	}
	switch op {
	case contracts.OpEq:
		return leafEquals(actual, expected), describe(actual, op, expected)
	case contracts.OpNeq:
		return !leafEquals(actual, expected), describe(actual, op, expected)
	case contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte:
		a, aok := toNumber(actual)
		b, bok := toNumber(expected)
		if !aok || !bok {
			return false, fmt.Sprintf("%s requires numeric operands, got %T and %T", op, actual, expected)
		}
		var ok bool
		switch op {
		case contracts.OpGt:
			ok = a > b
		case contracts.OpGte:
			ok = a >= b
		case contracts.OpLt:
			ok = a < b
		case contracts.OpLte:
			ok = a <= b
		}
		return ok, describe(actual, op, expected)
	case contracts.OpIn, contracts.OpNotIn:
		list, ok := toSlice(expected)
		if !ok {
			return false, fmt.Sprintf("%s requires a list value, got %T", op, expected)
		}
		member := false
		for _, item := range list {
			if leafEquals(actual, item) {
				member = true
				break
			}
		}
		if op == contracts.OpNotIn {
			member = !member
		}
		return member, describe(actual, op, expected)
	case contracts.OpContains:
		if s, ok := actual.(string); ok {
			sub, sok := expected.(string)
			if !sok {
				return false, fmt.Sprintf("contains on a string requires a string value, got %T", expected)
			}
			return strings.Contains(s, sub), describe(actual, op, expected)
		}
		if list, ok := toSlice(actual); ok {
			for _, item := range list {
				if leafEquals(item, expected) {
					return true, describe(actual, op, expected)
				}
			}
			return false, describe(actual, op, expected)
		}
		return false, fmt.Sprintf("contains requires a string or list field, got %T", actual)
	case contracts.OpPrefix:
		s, sok := actual.(string)
		p, pok := expected.(string)
		if !sok || !pok {
			return false, fmt.Sprintf("prefix requires string operands, got %T and %T", actual, expected)
		}
		return strings.HasPrefix(s, p), describe(actual, op, expected)
	case contracts.OpRegex:
		s, sok := actual.(string)
		pattern, pok := expected.(string)
		if !sok || !pok {
			return false, fmt.Sprintf("regex requires string operands, got %T and %T", actual, expected)
		}
		re, err := m.compile(pattern)
		if err != nil {
			return false, fmt.Sprintf("bad pattern %q: %v", pattern, err)
		}
		return re.MatchString(s), describe(actual, op, expected)
	default:
		return false, fmt.Sprintf("unknown operator %q", op)
	}
}

func (m *matcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.regexps[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.regexps[pattern] = re
	m.mu.Unlock()
	return re, nil
}

func describe(actual any, op contracts.Operator, expected any) string {
	return fmt.Sprintf("%v %s %v", actual, op, expected)
}

// leafEquals compares numerically when both sides are numbers, so a JSON
// float 3 equals a policy int 3.
func leafEquals(a, b any) bool {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}
