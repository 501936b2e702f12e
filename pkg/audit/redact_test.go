package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactMapFieldPaths(t *testing.T) {
	r := DefaultRedactor()
	in := map[string]any{
		"password": "hunter2",
		"nested": map[string]any{
			"credentials": map[string]any{"user": "u", "pass": "p"},
			"note":        "plain",
		},
	}
	out, fields := r.RedactMap(in)

	assert.Equal(t, "[REDACTED]", out["password"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["credentials"])
	assert.Equal(t, "plain", nested["note"])
	assert.ElementsMatch(t, []string{"password", "nested.credentials"}, fields)

	// Input untouched.
	assert.Equal(t, "hunter2", in["password"])
	assert.IsType(t, map[string]any{}, in["nested"].(map[string]any)["credentials"])
}

func TestRedactMapPatterns(t *testing.T) {
	r := DefaultRedactor()
	in := map[string]any{
		"note":  "reach me at jane@example.com about the rollout",
		"auth":  "Bearer abc.def.ghi",
		"count": 3,
	}
	out, fields := r.RedactMap(in)

	assert.NotContains(t, out["note"].(string), "jane@example.com")
	assert.Contains(t, out["note"].(string), "[REDACTED]")
	assert.NotContains(t, out["auth"].(string), "abc.def.ghi")
	assert.Equal(t, 3, out["count"])
	assert.Contains(t, fields, "note")
	assert.Contains(t, fields, "auth")
}

func TestRedactMapCleanSnapshot(t *testing.T) {
	r := DefaultRedactor()
	in := map[string]any{"campaignId": "camp_123", "budget": 250.0}
	out, fields := r.RedactMap(in)
	assert.Equal(t, in, out)
	assert.Empty(t, fields)
}

func TestRedactMapNil(t *testing.T) {
	r := DefaultRedactor()
	out, fields := r.RedactMap(nil)
	assert.Nil(t, out)
	assert.Empty(t, fields)
}

func TestNewRedactorSkipsInvalidPatterns(t *testing.T) {
	r := NewRedactor([]string{"secret"}, []string{"([unclosed"})
	out, fields := r.RedactMap(map[string]any{"secret": "x", "other": "y"})
	assert.Equal(t, "[REDACTED]", out["secret"])
	assert.Equal(t, []string{"secret"}, fields)
}
