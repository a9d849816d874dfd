// Package dsl implements the workflow DSL: program types, static validation,
// and the record-at-a-time executor (transforms, mapping, path resolution).
package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// Operand is a tagged union evaluated to a float64 for arithmetic.
type Operand struct {
	Kind  string // "field" | "const" | "external_entity_field"
	Field string
	Value float64
}

// StringOperand is a tagged union evaluated to a string for concatenation.
type StringOperand struct {
	Kind  string // "field" | "const_string"
	Field string
	Value string
}

// CastToF64Strict casts a JSON-decoded value to float64 with strict error
// handling: strings are trimmed and parsed, null/bool/array/object are
// errors naming the field.
func CastToF64Strict(value any, fieldName string) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, fmt.Errorf("field %q: empty string cannot be converted to number", fieldName)
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: cannot convert string %q to number", fieldName, v)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("field %q is null, expected a number", fieldName)
	case bool:
		return 0, fmt.Errorf("field %q is boolean, expected a number", fieldName)
	case []any:
		return 0, fmt.Errorf("field %q is an array, expected a number", fieldName)
	case map[string]any:
		return 0, fmt.Errorf("field %q is an object, expected a number", fieldName)
	default:
		return 0, fmt.Errorf("field %q: unsupported type %T", fieldName, value)
	}
}

// CastToStringSmart renders numbers without a spurious ".0" for
// integer-valued floats, booleans as "true"/"false", and errors on
// null/array/object.
func CastToStringSmart(value any, fieldName string) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", fmt.Errorf("field %q is null, cannot convert to string", fieldName)
	case []any:
		return "", fmt.Errorf("field %q is an array, cannot convert to string", fieldName)
	case map[string]any:
		return "", fmt.Errorf("field %q is an object, cannot convert to string", fieldName)
	default:
		return "", fmt.Errorf("field %q: unsupported type %T", fieldName, value)
	}
}

// EvalOperand evaluates a numeric operand against the step context.
func EvalOperand(ctx map[string]any, op Operand) (float64, error) {
	switch op.Kind {
	case "const":
		return op.Value, nil
	case "field":
		value, ok := GetNested(ctx, op.Field)
		if !ok {
			return 0, fmt.Errorf("field %q not found in context", op.Field)
		}
		return CastToF64Strict(value, op.Field)
	case "external_entity_field":
		return 0, fmt.Errorf("external_entity_field is not supported in calculations")
	default:
		return 0, fmt.Errorf("unknown operand kind %q", op.Kind)
	}
}

// EvalStringOperand evaluates a string operand against the step context.
func EvalStringOperand(ctx map[string]any, op StringOperand) (string, error) {
	switch op.Kind {
	case "const_string":
		return op.Value, nil
	case "field":
		value, ok := GetNested(ctx, op.Field)
		if !ok {
			return "", fmt.Errorf("field %q not found in context", op.Field)
		}
		return CastToStringSmart(value, op.Field)
	default:
		return "", fmt.Errorf("unknown string operand kind %q", op.Kind)
	}
}
