package agent

import (
	"github.com/fireredbot/fireredbot/internal/actions"
	"github.com/fireredbot/fireredbot/internal/provider"
)

// ToolName is the single tool the model acts through.
const ToolName = "execute_actions"

func objectiveSchema() map[string]any {
	return map[string]any{
		"type": []any{"object", "null"},
		"properties": map[string]any{
			"short_description": map[string]any{"type": "string"},
			"description":       map[string]any{"type": "string"},
		},
		"required": []string{"short_description", "description"},
	}
}

// buildToolDefinitions returns the tool list sent with every act request.
func buildToolDefinitions() []provider.ToolDefinition {
	action := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"enum":        actions.Types,
				"description": "Action kind.",
			},
			"keys": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "key_press: buttons to press in order.",
			},
			"x":      map[string]any{"type": "integer", "description": "Column on the map grid."},
			"y":      map[string]any{"type": "integer", "description": "Row on the map grid."},
			"map_id": map[string]any{"type": "string", "description": "Map id as group-number, e.g. 3-1."},
			"emoji":  map[string]any{"type": "string"},
			"label":  map[string]any{"type": "string"},
			"key":    map[string]any{"type": "string", "description": "Memory key."},
			"value":  map[string]any{"type": "string", "description": "Memory value."},

			"primary":   objectiveSchema(),
			"secondary": objectiveSchema(),
			"third":     objectiveSchema(),
			"others": map[string]any{
				"type":  []any{"array", "null"},
				"items": objectiveSchema(),
			},

			"destination": map[string]any{"type": "string"},
			"reason":      map[string]any{"type": "string"},
			"route_notes": map[string]any{"type": "string"},
		},
		"required": []string{"type"},
	}
	return []provider.ToolDefinition{{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        ToolName,
			Description: "Execute an ordered batch of game and bookkeeping actions. Results come back per action.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"actions": map[string]any{
						"type":     "array",
						"items":    action,
						"minItems": 1,
					},
				},
				"required": []string{"actions"},
			},
		},
	}}
}
