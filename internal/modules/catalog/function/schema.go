package function

import (
	"fmt"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
)

// Definition formats renderable from one function row. Each LLM vendor wants
// its own envelope around the same filtered schema.
const (
	FormatBasic           = "basic"
	FormatOpenAI          = "openai"
	FormatOpenAIResponses = "openai_responses"
	FormatAnthropic       = "anthropic"
)

// parameterLocations is the closed set of top-level parameter properties.
var parameterLocations = map[string]bool{
	"path":   true,
	"query":  true,
	"header": true,
	"cookie": true,
	"body":   true,
}

// RenderDefinition shapes a function for the requested vendor format after
// visible-properties filtering.
func RenderDefinition(fn *models.FunctionModel, format string) (map[string]interface{}, error) {
	params := FilterVisible(fn.Parameters)
	switch format {
	case "", FormatBasic:
		return map[string]interface{}{
			"name":        fn.Name,
			"description": fn.Description,
			"parameters":  params,
		}, nil
	case FormatOpenAI:
		return map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        fn.Name,
				"description": fn.Description,
				"parameters":  params,
			},
		}, nil
	case FormatOpenAIResponses:
		return map[string]interface{}{
			"type":        "function",
			"name":        fn.Name,
			"description": fn.Description,
			"parameters":  params,
		}, nil
	case FormatAnthropic:
		return map[string]interface{}{
			"name":         fn.Name,
			"description":  fn.Description,
			"input_schema": params,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown definition format %q", apperrors.ErrValidation, format)
	}
}

// FilterVisible walks a JSON-Schema object and keeps only properties listed
// in each level's "visible" annotation. Levels without the annotation pass
// through whole. The annotation itself is stripped from the output, and
// "required" keeps only surviving properties. The input is not mutated.
func FilterVisible(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "visible" || k == "properties" || k == "required" {
			continue
		}
		out[k] = v
	}

	props, hasProps := schema["properties"].(map[string]interface{})
	if !hasProps {
		if req, ok := schema["required"]; ok {
			out["required"] = req
		}
		return out
	}

	visibleSet := visibleNames(schema)

	filteredProps := make(map[string]interface{}, len(props))
	for name, sub := range props {
		if visibleSet != nil && !visibleSet[name] {
			continue
		}
		if subSchema, ok := sub.(map[string]interface{}); ok {
			filteredProps[name] = FilterVisible(subSchema)
		} else {
			filteredProps[name] = sub
		}
	}
	out["properties"] = filteredProps

	if rawRequired, ok := schema["required"].([]interface{}); ok {
		kept := make([]interface{}, 0, len(rawRequired))
		for _, r := range rawRequired {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, surviving := filteredProps[name]; surviving {
				kept = append(kept, name)
			}
		}
		out["required"] = kept
	}

	return out
}

// visibleNames returns the visible set for one schema level, or nil when the
// level has no annotation (everything visible).
func visibleNames(schema map[string]interface{}) map[string]bool {
	raw, ok := schema["visible"].([]interface{})
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok {
			set[name] = true
		}
	}
	return set
}

// validateParameters enforces the schema invariants on the catalog write
// path: top-level properties are drawn from the closed location set, and any
// required property hidden from the model carries a default.
func validateParameters(params map[string]interface{}) error {
	if params == nil {
		return nil
	}
	props, ok := params["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	for location, sub := range props {
		if !parameterLocations[location] {
			return fmt.Errorf("%w: parameter location %q (want path|query|header|cookie|body)",
				apperrors.ErrValidation, location)
		}
		subSchema, ok := sub.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: parameter location %q must be an object schema", apperrors.ErrValidation, location)
		}
		if err := validateVisibleConvention(location, subSchema); err != nil {
			return err
		}
	}
	return nil
}

func validateVisibleConvention(path string, schema map[string]interface{}) error {
	props, hasProps := schema["properties"].(map[string]interface{})
	if !hasProps {
		return nil
	}
	visibleSet := visibleNames(schema)

	if rawRequired, ok := schema["required"].([]interface{}); ok && visibleSet != nil {
		for _, r := range rawRequired {
			name, ok := r.(string)
			if !ok || visibleSet[name] {
				continue
			}
			subSchema, _ := props[name].(map[string]interface{})
			if subSchema == nil {
				continue
			}
			if _, hasDefault := subSchema["default"]; !hasDefault {
				return fmt.Errorf("%w: %s.%s is required but not visible and has no default",
					apperrors.ErrValidation, path, name)
			}
		}
	}

	for name, sub := range props {
		if subSchema, ok := sub.(map[string]interface{}); ok {
			if err := validateVisibleConvention(path+"."+name, subSchema); err != nil {
				return err
			}
		}
	}
	return nil
}

// requiredParamNames flattens the required property names across the
// top-level locations, first-come ordering by location name.
func requiredParamNames(params map[string]interface{}, max int) []string {
	names := make([]string, 0, max)
	props, ok := params["properties"].(map[string]interface{})
	if !ok {
		return names
	}
	for _, location := range []string{"path", "query", "header", "cookie", "body"} {
		sub, ok := props[location].(map[string]interface{})
		if !ok {
			continue
		}
		rawRequired, ok := sub["required"].([]interface{})
		if !ok {
			continue
		}
		for _, r := range rawRequired {
			if name, ok := r.(string); ok {
				names = append(names, name)
				if len(names) >= max {
					return names
				}
			}
		}
	}
	return names
}
