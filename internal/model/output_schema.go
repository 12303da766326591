package model

import (
	"encoding/json"
	"fmt"
)

// SchemaType is the discriminant of an OutputSchema node
type SchemaType string

// Schema type constants
const (
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeString  SchemaType = "string"
	SchemaTypeBoolean SchemaType = "boolean"
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeArray   SchemaType = "array"
)

// OutputSchema describes the structured output requested from a task.
// Properties is set only for objects, Items only for arrays.
type OutputSchema struct {
	Type       SchemaType
	Properties map[string]*OutputSchema
	Items      *OutputSchema
}

// NumberSchema returns a number leaf
func NumberSchema() *OutputSchema { return &OutputSchema{Type: SchemaTypeNumber} }

// StringSchema returns a string leaf
func StringSchema() *OutputSchema { return &OutputSchema{Type: SchemaTypeString} }

// BooleanSchema returns a boolean leaf
func BooleanSchema() *OutputSchema { return &OutputSchema{Type: SchemaTypeBoolean} }

// ObjectSchema returns an object node with the given named properties
func ObjectSchema(properties map[string]*OutputSchema) *OutputSchema {
	if properties == nil {
		properties = map[string]*OutputSchema{}
	}
	return &OutputSchema{Type: SchemaTypeObject, Properties: properties}
}

// ArraySchema returns an array node of items
func ArraySchema(items *OutputSchema) *OutputSchema {
	return &OutputSchema{Type: SchemaTypeArray, Items: items}
}

// schemaWire is the {type, properties|items} shape used on the wire
type schemaWire struct {
	Type       SchemaType               `json:"type"`
	Properties map[string]*OutputSchema `json:"properties,omitempty"`
	Items      *OutputSchema            `json:"items,omitempty"`
}

// Validate checks that every node carries exactly the fields its type needs
func (s *OutputSchema) Validate() error {
	if s == nil {
		return fmt.Errorf("schema node is null")
	}
	switch s.Type {
	case SchemaTypeNumber, SchemaTypeString, SchemaTypeBoolean:
		if s.Properties != nil || s.Items != nil {
			return fmt.Errorf("%s schema must not have properties or items", s.Type)
		}
		return nil
	case SchemaTypeObject:
		if s.Properties == nil {
			return fmt.Errorf("object schema requires properties")
		}
		if s.Items != nil {
			return fmt.Errorf("object schema must not have items")
		}
		for name, p := range s.Properties {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
		return nil
	case SchemaTypeArray:
		if s.Items == nil {
			return fmt.Errorf("array schema requires items")
		}
		if s.Properties != nil {
			return fmt.Errorf("array schema must not have properties")
		}
		if err := s.Items.Validate(); err != nil {
			return fmt.Errorf("items: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown schema type %q", s.Type)
}

// MarshalJSON implements json.Marshaler
func (s OutputSchema) MarshalJSON() ([]byte, error) {
	w := schemaWire{Type: s.Type}
	switch s.Type {
	case SchemaTypeObject:
		w.Properties = s.Properties
		if w.Properties == nil {
			w.Properties = map[string]*OutputSchema{}
		}
	case SchemaTypeArray:
		w.Items = s.Items
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler
func (s *OutputSchema) UnmarshalJSON(data []byte) error {
	var w schemaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case SchemaTypeNumber, SchemaTypeString, SchemaTypeBoolean:
		*s = OutputSchema{Type: w.Type}
	case SchemaTypeObject:
		if w.Properties == nil {
			return fmt.Errorf("object schema requires properties")
		}
		*s = OutputSchema{Type: w.Type, Properties: w.Properties}
	case SchemaTypeArray:
		if w.Items == nil {
			return fmt.Errorf("array schema requires items")
		}
		*s = OutputSchema{Type: w.Type, Items: w.Items}
	default:
		return fmt.Errorf("unknown schema type %q", w.Type)
	}
	return s.Validate()
}

// Clone returns a deep copy of the schema tree
func (s *OutputSchema) Clone() *OutputSchema {
	if s == nil {
		return nil
	}
	c := &OutputSchema{Type: s.Type, Items: s.Items.Clone()}
	if s.Properties != nil {
		c.Properties = make(map[string]*OutputSchema, len(s.Properties))
		for k, v := range s.Properties {
			c.Properties[k] = v.Clone()
		}
	}
	return c
}
