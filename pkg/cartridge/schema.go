package cartridge

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// schemaSet holds the compiled parameter schemas from a manifest, keyed by
// action type. Actions that declare no schema are absent and validate freely.
type schemaSet struct {
	byAction map[string]*jsonschema.Schema
}

func compileSchemas(m contracts.Manifest) (*schemaSet, error) {
	set := &schemaSet{byAction: make(map[string]*jsonschema.Schema)}
	for _, action := range m.Actions {
		if len(action.ParametersSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://tiller.schemas.local/cartridges/%s/%s.schema.json", m.ID, action.ActionType)
		if err := compiler.AddResource(url, bytes.NewReader(action.ParametersSchema)); err != nil {
			return nil, fmt.Errorf("parameters schema for %s: %w", action.ActionType, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("parameters schema for %s: %w", action.ActionType, err)
		}
		set.byAction[action.ActionType] = compiled
	}
	return set, nil
}

func (s *schemaSet) validate(actionType string, params map[string]any) error {
	schema, ok := s.byAction[actionType]
	if !ok {
		return nil
	}
	target := any(params)
	if params == nil {
		target = map[string]any{}
	}
	if err := schema.Validate(target); err != nil {
		return fmt.Errorf("parameters rejected for %s: %w", actionType, err)
	}
	return nil
}
