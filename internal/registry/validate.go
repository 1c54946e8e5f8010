package registry

import "fmt"

// ValidateParameters checks supplied against the declared schema. It rejects
// unknown names, missing required parameters and type mismatches, and fills
// in declared defaults for absent optional parameters. The returned map is a
// copy; supplied is never mutated. Validation runs before any network call.
func ValidateParameters(defs []ParameterDefinition, supplied map[string]any) (map[string]any, error) {
	byName := make(map[string]ParameterDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	for name := range supplied {
		if _, ok := byName[name]; !ok {
			return nil, &ValidationError{Param: name, Reason: "not declared by the function"}
		}
	}

	out := make(map[string]any, len(defs))
	for _, d := range defs {
		v, ok := supplied[d.Name]
		if !ok || v == nil {
			if d.Required {
				return nil, &ValidationError{Param: d.Name, Reason: "required but missing"}
			}
			if d.Default != nil {
				out[d.Name] = d.Default
			}
			continue
		}
		if d.Type.Valid() && !matchesType(d.Type, v) {
			return nil, &ValidationError{
				Param:  d.Name,
				Reason: fmt.Sprintf("expected %s, got %T", d.Type, v),
			}
		}
		out[d.Name] = v
	}
	return out, nil
}

// matchesType checks a decoded JSON value against a declared type. Numeric
// values may arrive as any Go number type depending on how the payload was
// decoded.
func matchesType(t ParameterType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return true
}
