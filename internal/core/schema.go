package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Shape is the top-level JSON type a stage must emit
type Shape int

const (
	ShapeObject Shape = iota
	ShapeList
)

func (s Shape) String() string {
	if s == ShapeList {
		return "list"
	}
	return "object"
}

// Kind is the JSON type a field must hold
type Kind int

const (
	KindAny Kind = iota
	KindString
	KindScalar // string, number or bool
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "any"
	}
}

// Field is a required member of an object (or of every list item)
type Field struct {
	Name string
	Kind Kind
}

// Schema describes the JSON a stage must return. For ShapeList the fields
// apply to every item of the list.
type Schema struct {
	Shape    Shape
	Fields   []Field
	MinItems int
}

// Validate checks v, a value decoded from JSON, against the schema
func (s Schema) Validate(v any) error {
	switch s.Shape {
	case ShapeList:
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected a JSON list, got %s", jsonType(v))
		}
		if len(items) < s.MinItems {
			return fmt.Errorf("expected at least %d item(s), got %d", s.MinItems, len(items))
		}
		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("item %d: expected a JSON object, got %s", i, jsonType(item))
			}
			if err := checkFields(obj, s.Fields); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		return nil
	default:
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object, got %s", jsonType(v))
		}
		return checkFields(obj, s.Fields)
	}
}

func checkFields(obj map[string]any, fields []Field) error {
	for _, f := range fields {
		val, ok := obj[f.Name]
		if !ok {
			return fmt.Errorf("missing field %q", f.Name)
		}
		if !kindMatches(f.Kind, val) {
			return fmt.Errorf("field %q: expected %s, got %s", f.Name, f.Kind, jsonType(val))
		}
	}
	return nil
}

func kindMatches(k Kind, v any) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindScalar:
		switch v.(type) {
		case string, float64, bool:
			return true
		}
		return false
	case KindList:
		_, ok := v.([]any)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

var errNoJSON = errors.New("response contains no JSON value")

// ParseJSON decodes the single JSON value in a model response. Markdown code
// fences and text around the outermost object or list are tolerated.
func ParseJSON(raw string) (any, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, errNoJSON
	}

	var v any
	err := sonic.UnmarshalString(text, &v)
	if err == nil {
		return v, nil
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, errNoJSON
	}
	closing := byte('}')
	if text[start] == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(text, closing)
	if end <= start {
		return nil, fmt.Errorf("unterminated JSON value: %w", err)
	}
	if err := sonic.UnmarshalString(text[start:end+1], &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	// drop the opening fence line (``` or ```json)
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// EncodeValue renders a state value for template interpolation. Strings pass
// through; everything else is encoded as JSON.
func EncodeValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "null", nil
	default:
		return sonic.MarshalString(val)
	}
}
