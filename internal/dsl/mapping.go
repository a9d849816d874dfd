package dsl

import "fmt"

// Mapping is a source -> destination translation. Sources beginning with
// "@literal:" assign a parsed JSON constant; all others are read via dotted
// path navigation on ctx.
type Mapping map[string]string

// Apply builds one output record from ctx according to mapping. An empty
// mapping passes every field of ctx through verbatim (used by NextStep); to
// produce no rows for Format/Entity outputs with an empty mapping, validate
// that case before calling Apply.
func Apply(mapping Mapping, ctx map[string]any) (map[string]any, error) {
	if len(mapping) == 0 {
		out := make(map[string]any, len(ctx))
		for k, v := range ctx {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]any, len(mapping))
	for source, dest := range mapping {
		if lit, ok, err := ParseLiteralValue(source); ok {
			if err != nil {
				return nil, err
			}
			SetNested(out, dest, lit)
			continue
		}
		val, found := GetNested(ctx, source)
		if !found {
			return nil, fmt.Errorf("mapping source %q not found in context", source)
		}
		SetNested(out, dest, val)
	}
	return out, nil
}
