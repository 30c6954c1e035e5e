package flow

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema is the shape pass: it only checks that the YAML tree has
// the right kinds of keys in the right kinds of containers, before the
// loader does the semantic passes (registries, scopes, tags, references).
var documentSchema = map[string]any{
	"type":     "object",
	"required": []any{"steps"},
	"properties": map[string]any{
		"steps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"oneOf": []any{
					map[string]any{
						"required": []any{"device_type", "device_id", "operation"},
					},
					map[string]any{
						"required": []any{"name", "parallel"},
					},
					map[string]any{
						"required": []any{"name", "independent_flows"},
					},
				},
			},
		},
		"optional_flows": map[string]any{
			"type": "object",
		},
		"execute_on_error": map[string]any{
			"type": "string",
		},
	},
}

// validateShape runs the gojsonschema pre-pass over the raw, post-expansion
// document tree. It catches malformed documents early with a readable
// error instead of a confusing nil-map panic three passes later.
func validateShape(doc map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(documentSchema)
	docLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return newValidationError("document", "shape validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}
