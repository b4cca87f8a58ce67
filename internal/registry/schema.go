package registry

import (
	"encoding/json"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// Kind is the typed shape a JSON Schema property is converted to.
type Kind string

// Supported kinds, per the schema conversion contract. Anything not listed
// here converts to Opaque.
const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindOpaque  Kind = "opaque"
)

// Shape is the typed, canonicalizable form a raw JSON Schema property is
// converted to for registration with the downstream MCP server and for
// diffing against a previously registered shape.
type Shape struct {
	Kind        Kind             `json:"kind"`
	Description string           `json:"description,omitempty"`
	Items       *Shape           `json:"items,omitempty"`
	Properties  map[string]Shape `json:"properties,omitempty"`
	Required    []string         `json:"required,omitempty"`
}

// ConvertSchema walks an mcp.ToolInputSchema and produces its typed Shape.
// Supported: string, number, integer (number constrained to integers),
// boolean, homogeneous arrays of those four plus object, and recursive
// object. Anything else (anyOf/oneOf, untyped, unrecognized type strings)
// becomes KindOpaque. A property is optional unless it is listed in the
// parent's required array; description is preserved.
func ConvertSchema(schema mcp.ToolInputSchema) Shape {
	return convertObjectLike(schema.Type, schema.Properties, schema.Required, "")
}

func convertObjectLike(typ string, properties map[string]any, required []string, description string) Shape {
	if typ != "" && typ != "object" {
		return Shape{Kind: KindOpaque, Description: description}
	}

	shape := Shape{
		Kind:        KindObject,
		Description: description,
		Properties:  make(map[string]Shape, len(properties)),
		Required:    sortedCopy(required),
	}
	for name, raw := range properties {
		shape.Properties[name] = convertProperty(raw)
	}
	return shape
}

func convertProperty(raw any) Shape {
	def, ok := raw.(map[string]any)
	if !ok {
		return Shape{Kind: KindOpaque}
	}

	description, _ := def["description"].(string)
	typ, _ := def["type"].(string)

	switch typ {
	case "string":
		return Shape{Kind: KindString, Description: description}
	case "boolean":
		return Shape{Kind: KindBoolean, Description: description}
	case "integer":
		return Shape{Kind: KindInteger, Description: description}
	case "number":
		if isIntegerConstrained(def) {
			return Shape{Kind: KindInteger, Description: description}
		}
		return Shape{Kind: KindNumber, Description: description}
	case "array":
		items, _ := def["items"].(map[string]any)
		itemShape := convertProperty(items)
		if !isPrimitiveOrObject(itemShape.Kind) {
			return Shape{Kind: KindOpaque, Description: description}
		}
		return Shape{Kind: KindArray, Description: description, Items: &itemShape}
	case "object":
		nestedProps, _ := def["properties"].(map[string]any)
		nestedRequired := stringSlice(def["required"])
		nested := convertObjectLike("object", nestedProps, nestedRequired, description)
		return nested
	default:
		return Shape{Kind: KindOpaque, Description: description}
	}
}

func isPrimitiveOrObject(k Kind) bool {
	switch k {
	case KindString, KindNumber, KindInteger, KindBoolean, KindObject:
		return true
	default:
		return false
	}
}

func isIntegerConstrained(def map[string]any) bool {
	if m, ok := def["multipleOf"].(float64); ok && m == 1 {
		return true
	}
	return false
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// Canonical returns the canonical serialized form of a Shape, used to
// decide whether a newly discovered schema is equivalent to a previously
// registered one. Map iteration order never affects the result: Shape's
// Properties are re-marshaled through a sorted-key wrapper.
func Canonical(s Shape) string {
	b, err := json.Marshal(canonicalShape(s))
	if err != nil {
		return ""
	}
	return string(b)
}

// canonicalShape recursively converts a Shape's property map into an
// order-stable slice so json.Marshal's own (already sorted) map key
// ordering isn't relied upon implicitly.
type canonicalProperty struct {
	Name  string      `json:"name"`
	Shape interface{} `json:"shape"`
}

type canonicalForm struct {
	Kind        Kind                `json:"kind"`
	Description string              `json:"description,omitempty"`
	Items       interface{}         `json:"items,omitempty"`
	Properties  []canonicalProperty `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

func canonicalShape(s Shape) canonicalForm {
	form := canonicalForm{
		Kind:        s.Kind,
		Description: s.Description,
		Required:    s.Required,
	}
	if s.Items != nil {
		nested := canonicalShape(*s.Items)
		form.Items = nested
	}
	if len(s.Properties) > 0 {
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		form.Properties = make([]canonicalProperty, 0, len(names))
		for _, name := range names {
			form.Properties = append(form.Properties, canonicalProperty{Name: name, Shape: canonicalShape(s.Properties[name])})
		}
	}
	return form
}
