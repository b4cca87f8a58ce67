package registry

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func schemaFromProps(required []string, props map[string]any) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

func TestConvertSchema_PrimitiveKinds(t *testing.T) {
	schema := schemaFromProps([]string{"name"}, map[string]any{
		"name":   map[string]any{"type": "string", "description": "the name"},
		"active": map[string]any{"type": "boolean"},
		"count":  map[string]any{"type": "integer"},
		"ratio":  map[string]any{"type": "number"},
	})

	shape := ConvertSchema(schema)
	if shape.Kind != KindObject {
		t.Fatalf("expected object shape, got %s", shape.Kind)
	}
	if shape.Properties["name"].Kind != KindString {
		t.Errorf("name kind = %s, want string", shape.Properties["name"].Kind)
	}
	if shape.Properties["active"].Kind != KindBoolean {
		t.Errorf("active kind = %s, want boolean", shape.Properties["active"].Kind)
	}
	if shape.Properties["count"].Kind != KindInteger {
		t.Errorf("count kind = %s, want integer", shape.Properties["count"].Kind)
	}
	if shape.Properties["ratio"].Kind != KindNumber {
		t.Errorf("ratio kind = %s, want number", shape.Properties["ratio"].Kind)
	}
	if len(shape.Required) != 1 || shape.Required[0] != "name" {
		t.Errorf("required = %v, want [name]", shape.Required)
	}
}

func TestConvertSchema_NumberWithMultipleOfOneIsInteger(t *testing.T) {
	schema := schemaFromProps(nil, map[string]any{
		"quantity": map[string]any{"type": "number", "multipleOf": float64(1)},
	})
	shape := ConvertSchema(schema)
	if shape.Properties["quantity"].Kind != KindInteger {
		t.Errorf("expected multipleOf:1 number to convert to integer, got %s", shape.Properties["quantity"].Kind)
	}
}

func TestConvertSchema_ArrayOfPrimitives(t *testing.T) {
	schema := schemaFromProps(nil, map[string]any{
		"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	})
	shape := ConvertSchema(schema)
	tags := shape.Properties["tags"]
	if tags.Kind != KindArray {
		t.Fatalf("expected array kind, got %s", tags.Kind)
	}
	if tags.Items == nil || tags.Items.Kind != KindString {
		t.Errorf("expected array of string items, got %+v", tags.Items)
	}
}

func TestConvertSchema_ArrayOfOpaqueBecomesOpaque(t *testing.T) {
	schema := schemaFromProps(nil, map[string]any{
		"anything": map[string]any{"type": "array", "items": map[string]any{"anyOf": []any{}}},
	})
	shape := ConvertSchema(schema)
	if shape.Properties["anything"].Kind != KindOpaque {
		t.Errorf("expected array of unsupported item kind to become opaque, got %s", shape.Properties["anything"].Kind)
	}
}

func TestConvertSchema_NestedObject(t *testing.T) {
	schema := schemaFromProps(nil, map[string]any{
		"address": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []any{"city"},
		},
	})
	shape := ConvertSchema(schema)
	addr := shape.Properties["address"]
	if addr.Kind != KindObject {
		t.Fatalf("expected nested object kind, got %s", addr.Kind)
	}
	if addr.Properties["city"].Kind != KindString {
		t.Errorf("expected nested city:string, got %+v", addr.Properties)
	}
	if len(addr.Required) != 1 || addr.Required[0] != "city" {
		t.Errorf("expected nested required [city], got %v", addr.Required)
	}
}

func TestConvertSchema_UnrecognizedTypeIsOpaque(t *testing.T) {
	schema := schemaFromProps(nil, map[string]any{
		"weird": map[string]any{"type": "null"},
	})
	shape := ConvertSchema(schema)
	if shape.Properties["weird"].Kind != KindOpaque {
		t.Errorf("expected unrecognized type to be opaque, got %s", shape.Properties["weird"].Kind)
	}
}

func TestCanonical_OrderIndependent(t *testing.T) {
	a := Shape{
		Kind: KindObject,
		Properties: map[string]Shape{
			"b": {Kind: KindString},
			"a": {Kind: KindInteger},
		},
	}
	b := Shape{
		Kind: KindObject,
		Properties: map[string]Shape{
			"a": {Kind: KindInteger},
			"b": {Kind: KindString},
		},
	}
	if Canonical(a) != Canonical(b) {
		t.Errorf("expected map iteration order not to affect canonical form:\n%s\nvs\n%s", Canonical(a), Canonical(b))
	}
}

func TestCanonical_DiffersOnKindChange(t *testing.T) {
	a := Shape{Kind: KindObject, Properties: map[string]Shape{"x": {Kind: KindString}}}
	b := Shape{Kind: KindObject, Properties: map[string]Shape{"x": {Kind: KindInteger}}}
	if Canonical(a) == Canonical(b) {
		t.Error("expected differing property kind to produce different canonical forms")
	}
}
