package registry

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/jkaninda/toolexec/internal/execution"
)

// CompileSchema parses a tool input schema (draft-07 or 2020-12) decoded from
// a manifest. A nil or empty schema compiles to nil.
func CompileSchema(schema map[string]any) (*jsonschema.Resolved, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return resolved, nil
}

// ValidateInput checks a JSON input payload against schema. A nil schema
// accepts any input. Failures wrap execution.ErrInvalidParameters.
func ValidateInput(schema map[string]any, input json.RawMessage) error {
	resolved, err := CompileSchema(schema)
	if err != nil {
		return fmt.Errorf("%w: %v", execution.ErrInvalidParameters, err)
	}
	if resolved == nil {
		return nil
	}

	var value any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &value); err != nil {
			return fmt.Errorf("%w: input is not valid JSON: %v", execution.ErrInvalidParameters, err)
		}
	}
	if err := resolved.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", execution.ErrInvalidParameters, err)
	}
	return nil
}
