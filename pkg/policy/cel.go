package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// celCache compiles CEL rule expressions once and reuses the programs. The
// environment exposes the same flat evaluation document the field operators
// address.
type celCache struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newCELCache() (*celCache, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("actionType", types.StringType),
			decls.NewVariable("parameters", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("metadata", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("identity", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &celCache{env: env, programs: make(map[string]cel.Program)}, nil
}

// eval runs the expression against the evaluation document. Compile and
// runtime errors fail closed: the condition does not match.
func (c *celCache) eval(source string, input map[string]any) (bool, error) {
	prg, err := c.program(source)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", source, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q yields %T, want bool", source, out.Value())
	}
	return matched, nil
}

func (c *celCache) program(source string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", source, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for %q: %w", source, err)
	}

	c.mu.Lock()
	c.programs[source] = prg
	c.mu.Unlock()
	return prg, nil
}
