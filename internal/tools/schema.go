package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type propertySchema struct {
	Type        json.RawMessage `json:"type"`
	Description string          `json:"description,omitempty"`
}

type inputSchema struct {
	Properties *orderedmap.OrderedMap[string, propertySchema] `json:"properties"`
}

// ParseParams extracts the ordered parameter list from a JSON Schema
// object. Properties keep their document order, which a plain map would
// lose. A schema without properties yields no params.
func ParseParams(schema json.RawMessage) ([]Param, error) {
	if len(schema) == 0 || string(schema) == "null" {
		return nil, nil
	}

	s := inputSchema{Properties: orderedmap.New[string, propertySchema]()}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	if s.Properties == nil || s.Properties.Len() == 0 {
		return nil, nil
	}

	params := make([]Param, 0, s.Properties.Len())
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		params = append(params, Param{Name: pair.Key, Type: schemaType(pair.Value.Type)})
	}
	return params, nil
}

// schemaType renders a JSON Schema "type" value. Union types such as
// ["string","null"] are joined with "|".
func schemaType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown"
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return strings.Join(many, "|")
	}
	return "unknown"
}
