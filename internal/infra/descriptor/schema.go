package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"dyntools/internal/domain"
)

// ArgumentSchema derives a JSON schema from an entry point's declared
// signature. Parameters without defaults are required. Untyped parameters
// accept any value.
func ArgumentSchema(ep domain.EntryPoint) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{},
	}
	for _, param := range ep.Params {
		prop := &jsonschema.Schema{}
		if jsonType := jsonTypeFor(param.Type); jsonType != "" {
			prop.Type = jsonType
		}
		if param.HasDefault && param.Default != nil {
			if raw, err := json.Marshal(param.Default); err == nil {
				prop.Default = json.RawMessage(raw)
			}
		}
		schema.Properties[param.Name] = prop
		if !param.HasDefault {
			schema.Required = append(schema.Required, param.Name)
		}
	}
	return schema
}

// ValidateArguments rejects calls whose arguments do not structurally match
// the declared signature, before anything crosses the isolation boundary.
func ValidateArguments(ep domain.EntryPoint, args map[string]any) error {
	const op = "descriptor.validate_arguments"

	declared := make(map[string]struct{}, len(ep.Params))
	for _, param := range ep.Params {
		declared[param.Name] = struct{}{}
	}
	for name := range args {
		if _, ok := declared[name]; !ok {
			return domain.E(domain.CodeInvalidArgument, op,
				fmt.Sprintf("entry point %q has no parameter %q", ep.Name, name), nil)
		}
	}

	resolved, err := ArgumentSchema(ep).Resolve(nil)
	if err != nil {
		return domain.E(domain.CodeInternal, op,
			fmt.Sprintf("resolve schema for %q", ep.Name), err)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := resolved.Validate(args); err != nil {
		return domain.E(domain.CodeInvalidArgument, op, err.Error(), err)
	}
	return nil
}

// jsonTypeFor maps Python type annotations to JSON schema types. Unknown or
// parameterized annotations map by their base generic; anything unrecognized
// is left unconstrained.
func jsonTypeFor(annotation string) string {
	base := strings.TrimSpace(annotation)
	if idx := strings.IndexByte(base, '['); idx >= 0 {
		base = base[:idx]
	}
	if idx := strings.LastIndexByte(base, '.'); idx >= 0 {
		base = base[idx+1:]
	}
	switch strings.ToLower(base) {
	case "int":
		return "integer"
	case "float":
		return "number"
	case "str":
		return "string"
	case "bool":
		return "boolean"
	case "list", "tuple", "set", "sequence":
		return "array"
	case "dict", "mapping":
		return "object"
	default:
		return ""
	}
}
