// Package structured validates model output against declared schemas,
// with a single bounded repair pass for output wrapped in prose or
// Markdown fences.
package structured

import (
	"fmt"
	"reflect"
	"strings"
)

// Schema is a JSON Schema subset sufficient to describe the structured
// outputs this layer requests from models.
type Schema struct {
	Type        string             `json:"type"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []interface{}      `json:"enum,omitempty"`
	Pattern     string             `json:"pattern,omitempty"`
	MinLength   *int               `json:"minLength,omitempty"`
	MaxLength   *int               `json:"maxLength,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
	Description string             `json:"description,omitempty"`
	Format      string             `json:"format,omitempty"`
}

// Object is a shorthand constructor for an object schema with the given
// required properties.
func Object(properties map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: properties, Required: required}
}

// String returns a plain string schema.
func String() *Schema { return &Schema{Type: "string"} }

// FromType derives a Schema from a Go value's type via reflection.
// JSON field tags control property names; fields without omitempty are
// required; a `description` struct tag becomes the property description.
func FromType(v interface{}) (*Schema, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("cannot derive schema from nil")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return fromReflectType(t, make(map[string]bool))
}

func fromReflectType(t reflect.Type, visited map[string]bool) (*Schema, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	// Break recursion on self-referential types.
	name := t.String()
	if visited[name] {
		return &Schema{Type: "object"}, nil
	}
	visited[name] = true
	defer delete(visited, name)

	schema := &Schema{}

	switch t.Kind() {
	case reflect.String:
		schema.Type = "string"

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		schema.Type = "integer"

	case reflect.Float32, reflect.Float64:
		schema.Type = "number"

	case reflect.Bool:
		schema.Type = "boolean"

	case reflect.Slice, reflect.Array:
		schema.Type = "array"
		items, err := fromReflectType(t.Elem(), visited)
		if err != nil {
			return nil, err
		}
		schema.Items = items

	case reflect.Map, reflect.Interface:
		schema.Type = "object"

	case reflect.Struct:
		schema.Type = "object"
		schema.Properties = make(map[string]*Schema)

		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}

			fieldName := field.Name
			jsonTag := field.Tag.Get("json")
			if jsonTag != "" {
				parts := strings.Split(jsonTag, ",")
				if parts[0] == "-" {
					continue
				}
				if parts[0] != "" {
					fieldName = parts[0]
				}
			}

			prop, err := fromReflectType(field.Type, visited)
			if err != nil {
				return nil, err
			}
			if desc := field.Tag.Get("description"); desc != "" {
				prop.Description = desc
			}
			schema.Properties[fieldName] = prop

			if !strings.Contains(jsonTag, "omitempty") {
				schema.Required = append(schema.Required, fieldName)
			}
		}

	default:
		return nil, fmt.Errorf("unsupported type for schema derivation: %v", t.Kind())
	}

	return schema, nil
}
