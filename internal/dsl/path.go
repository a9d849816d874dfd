package dsl

import (
	"fmt"
	"strings"
)

// GetNested reads a value from a nested map using dot notation, e.g.
// "user.name".
func GetNested(input map[string]any, path string) (any, bool) {
	var current any = input
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[key]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// SetNested sets a value into a nested map using dot notation, deep-merging
// the resulting object into target.
func SetNested(target map[string]any, path string, val any) {
	keys := strings.Split(path, ".")
	acc := val
	for i := len(keys) - 1; i >= 0; i-- {
		acc = map[string]any{keys[i]: acc}
	}
	if accMap, ok := acc.(map[string]any); ok {
		mergeObjects(target, accMap)
	}
}

func mergeObjects(target, addition map[string]any) {
	for k, v := range addition {
		if existing, ok := target[k].(map[string]any); ok {
			if vm, ok := v.(map[string]any); ok {
				mergeObjects(existing, vm)
				continue
			}
		}
		target[k] = v
	}
}

// LiteralPrefix marks a mapping source (or a value-transform-free constant)
// as a literal JSON value rather than a field reference.
const LiteralPrefix = "@literal:"

// ParseLiteralValue parses the JSON following "@literal:" in source. It
// returns ok=false (not an error) when source does not carry the prefix, so
// callers can fall back to field-reference handling.
func ParseLiteralValue(source string) (any, bool, error) {
	if !strings.HasPrefix(source, LiteralPrefix) {
		return nil, false, nil
	}
	jsonStr := source[len(LiteralPrefix):]
	v, err := parseJSONLiteral(jsonStr)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// BuildPathFromFields substitutes "{field}" placeholders in template by
// reading from input, optionally transforming each field's value, and
// joining non-empty segments with separator (default "/"). Empty literal
// text runs are silently absorbed; a null field value is an error.
func BuildPathFromFields(template string, input map[string]any, separator string, fieldTransforms map[string]string) (string, error) {
	sep := separator
	if sep == "" {
		sep = "/"
	}
	var result strings.Builder
	chars := []rune(template)
	i := 0
	currentPos := 0

	appendSegment := func(s string) {
		if s == "" {
			return
		}
		if result.Len() > 0 && !strings.HasSuffix(result.String(), sep) {
			result.WriteString(sep)
		}
		result.WriteString(s)
	}

	for i < len(chars) {
		if chars[i] == '{' {
			start := i + 1
			end := start
			for end < len(chars) && chars[end] != '}' {
				end++
			}
			if end < len(chars) {
				fieldName := string(chars[start:end])

				if currentPos < start-1 {
					appendSegment(string(chars[currentPos : start-1]))
				}

				fieldValue, ok := input[fieldName]
				if !ok {
					return "", fmt.Errorf("field %q not found in input for path template", fieldName)
				}
				if fieldTransforms != nil {
					if kind, ok := fieldTransforms[fieldName]; ok {
						fieldValue = ApplyValueTransform(fieldValue, kind)
					}
				}
				valueStr, err := stringifyPathValue(fieldValue, fieldName)
				if err != nil {
					return "", err
				}
				appendSegment(valueStr)

				i = end + 1
				currentPos = i
				continue
			}
			i++
			continue
		}
		i++
	}

	if currentPos < len(chars) {
		appendSegment(string(chars[currentPos:]))
	}

	normalized := result.String()
	if !strings.HasPrefix(normalized, sep) {
		normalized = sep + normalized
	}
	return strings.ReplaceAll(normalized, sep+sep, sep), nil
}

func stringifyPathValue(v any, fieldName string) (string, error) {
	switch vv := v.(type) {
	case string:
		return vv, nil
	case float64:
		return CastToStringSmart(vv, fieldName)
	case bool:
		return CastToStringSmart(vv, fieldName)
	case nil:
		return "", fmt.Errorf("field %q is null, cannot build path", fieldName)
	default:
		return fmt.Sprintf("%v", vv), nil
	}
}

// ParseEntityPath splits a full entity path into (normalised_path,
// entity_key, parent_path).
func ParseEntityPath(path string) (normalized, entityKey string, parentPath *string) {
	normalized = path
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	trimmed := strings.Trim(normalized, "/")
	var parts []string
	for _, p := range strings.Split(trimmed, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	if len(parts) == 0 {
		return normalized, "", nil
	}

	entityKey = parts[len(parts)-1]
	if len(parts) > 1 {
		p := "/" + strings.Join(parts[:len(parts)-1], "/")
		parentPath = &p
	}
	return normalized, entityKey, parentPath
}
