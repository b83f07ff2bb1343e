package llm

import (
	"encoding/json"
)

// emptySchema is the parameters object for tools that declare none.
var emptySchema = json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)

// buildWireTools translates tool specs into function-calling form. Specs with
// no name are dropped; a gateway rejects them and one bad tool should not
// fail the whole request.
func buildWireTools(specs []ToolSpec) []wireTool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]wireTool, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		tools = append(tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  NormalizeSchema(spec.Schema),
			},
		})
	}
	return tools
}

// NormalizeSchema makes an arguments schema safe for function calling: a
// missing or invalid schema becomes the empty object schema, a missing
// top-level type defaults to "object", and additionalProperties defaults to
// false so the model cannot invent argument names.
func NormalizeSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return emptySchema
	}
	var obj map[string]any
	if err := json.Unmarshal(schema, &obj); err != nil || obj == nil {
		return emptySchema
	}
	changed := false
	if _, ok := obj["type"]; !ok {
		obj["type"] = "object"
		changed = true
	}
	if _, ok := obj["additionalProperties"]; !ok {
		obj["additionalProperties"] = false
		changed = true
	}
	if !changed {
		return schema
	}
	fixed, err := json.Marshal(obj)
	if err != nil {
		return emptySchema
	}
	return fixed
}
