// Package schema declares the JSON Schema fragments that tools advertise
// to connected assistants, and renders them into the pre-encoded form the
// transport registers.
package schema

import (
	"encoding/json"
	"fmt"
)

// JSON Schema type names.
const (
	Object  = "object"
	Array   = "array"
	String  = "string"
	Integer = "integer"
	Number  = "number"
	Boolean = "boolean"
)

// Schema describes the structure of a JSON object.
type Schema struct {
	Type                 string               `json:"type"`
	Properties           map[string]*Property `json:"properties"`
	Required             []string             `json:"required,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// Property of a schema.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// Raw renders the schema as JSON for transports that register
// pre-encoded schema documents. Schemas are fixed declarations, so an
// encoding failure is a programming error and panics.
func (s *Schema) Raw() json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return data
}
