package audit

import (
	"regexp"
	"sort"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Redactor scrubs sensitive material from snapshots before they are hashed
// into the chain. Two mechanisms:
//   - field paths: any map key matching a sensitive name (case-insensitive)
//     is replaced wholesale
//   - patterns: string values are scanned for known secret shapes (emails,
//     card numbers, bearer tokens)
type Redactor struct {
	fieldPaths map[string]struct{}
	patterns   []*regexp.Regexp
}

// defaultFieldPaths are matched against lowercase map keys.
var defaultFieldPaths = []string{
	"credentials",
	"password",
	"apikey",
	"api_key",
	"secret",
	"token",
	"authorization",
	"privatekey",
	"private_key",
}

// defaultPatterns cover the common secret shapes seen in snapshots.
var defaultPatterns = []string{
	`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, // email
	`\+?[0-9][0-9\-\s]{7,14}[0-9]`,                      // phone
	`\b(?:\d[ -]*?){13,16}\b`,                           // card number
	`\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]+\b`,       // api key prefixes
	`\bBearer\s+[A-Za-z0-9\-._~+/]+=*`,                  // bearer tokens
}

// DefaultRedactor builds a redactor with the standard field paths and
// patterns.
func DefaultRedactor() *Redactor {
	return NewRedactor(defaultFieldPaths, defaultPatterns)
}

// ExtendedRedactor is the default redactor plus deployment-supplied regex
// patterns.
func ExtendedRedactor(patterns []string) *Redactor {
	all := append(append([]string(nil), defaultPatterns...), patterns...)
	return NewRedactor(defaultFieldPaths, all)
}

// NewRedactor builds a redactor from explicit field paths and regex
// patterns. Invalid patterns are skipped rather than failing construction:
// a bad operator-supplied pattern must not take auditing down.
func NewRedactor(fieldPaths []string, patterns []string) *Redactor {
	r := &Redactor{fieldPaths: make(map[string]struct{}, len(fieldPaths))}
	for _, p := range fieldPaths {
		r.fieldPaths[strings.ToLower(p)] = struct{}{}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

// RedactMap returns a scrubbed deep copy of the snapshot and the sorted list
// of field paths that were touched. The input is never mutated.
func (r *Redactor) RedactMap(snapshot map[string]any) (map[string]any, []string) {
	if snapshot == nil {
		return nil, nil
	}
	touched := make(map[string]struct{})
	out := r.redactValue("", snapshot, touched).(map[string]any)
	if len(touched) == 0 {
		return out, nil
	}
	fields := make([]string, 0, len(touched))
	for f := range touched {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return out, fields
}

// RedactString scrubs pattern matches from a single string.
func (r *Redactor) RedactString(s string) (string, bool) {
	hit := false
	for _, re := range r.patterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, redactedPlaceholder)
			hit = true
		}
	}
	return s, hit
}

func (r *Redactor) redactValue(path string, v any, touched map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if _, sensitive := r.fieldPaths[strings.ToLower(k)]; sensitive {
				out[k] = redactedPlaceholder
				touched[childPath] = struct{}{}
				continue
			}
			out[k] = r.redactValue(childPath, child, touched)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = r.redactValue(path, child, touched)
		}
		return out
	case string:
		scrubbed, hit := r.RedactString(t)
		if hit {
			touched[path] = struct{}{}
		}
		return scrubbed
	default:
		return v
	}
}
