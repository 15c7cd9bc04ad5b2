package provider

import (
	"encoding/json"
	"strings"

	"atelier/internal/logging"
	"atelier/internal/types"
)

// routerInstruction constrains the structured routing call. The decision
// schema enforces the enums; the instruction explains the semantics.
const routerInstruction = `You are the request router of a spatial canvas studio.
Decide which agent should handle the user's request and whether it should
materialize an artifact on the canvas.

Agents:
- chat: general conversation, questions, anything that fits no specialist
- coder: applications, scripts, components, anything executable
- writer: documents, essays, long-form prose
- image: still image generation
- video: video generation

Artifact rules:
- operation "create" places a new node; "update" replaces the content of an
  existing node and requires its targetId.
- For code artifacts set language. For image/video set aspectRatio and
  quality where the user expressed a preference.
Respond with the decision object only.`

// routerSchema is the fixed decision schema, expressed as plain JSON schema
// so both backends can enforce it (the Gemini provider converts it to its
// native schema type).
func routerSchema() map[string]any {
	agentEnum := make([]string, len(types.KnownAgents))
	for i, a := range types.KnownAgents {
		agentEnum[i] = string(a)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targetAgent": map[string]any{"type": "string", "enum": agentEnum},
			"reasoning":   map[string]any{"type": "string"},
			"artifact": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operation":   map[string]any{"type": "string", "enum": []string{"create", "update"}},
					"type":        map[string]any{"type": "string", "enum": []string{"code", "text", "image", "video"}},
					"title":       map[string]any{"type": "string"},
					"targetId":    map[string]any{"type": "string"},
					"language":    map[string]any{"type": "string"},
					"aspectRatio": map[string]any{"type": "string", "enum": []string{"1:1", "16:9", "9:16", "4:3", "3:4"}},
					"quality":     map[string]any{"type": "string", "enum": []string{"standard", "high"}},
				},
				"required": []string{"operation", "type", "title"},
			},
			"connections": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"from": map[string]any{"type": "string"},
						"to":   map[string]any{"type": "string"},
					},
					"required": []string{"from", "to"},
				},
			},
		},
		"required": []string{"targetAgent", "reasoning"},
	}
}

// DefaultDecision is the safe routing fallback: the general-purpose agent,
// no artifact.
func DefaultDecision(reasoning string) *types.RouterDecision {
	return &types.RouterDecision{
		TargetAgent: types.AgentChat,
		Reasoning:   reasoning,
	}
}

// StripFences removes a markdown code-fence wrapper from a structured
// response. Models occasionally wrap JSON in ```json fences even when a
// response schema is enforced.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	// Drop the optional language tag on the opening fence line.
	if idx := strings.IndexByte(t, '\n'); idx >= 0 {
		first := strings.TrimSpace(t[:idx])
		if first == "" || isFenceTag(first) {
			t = t[idx+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ParseRouterDecision turns raw structured output into a decision. Any
// parse or validation failure degrades to the safe default - routing never
// raises over malformed content.
func ParseRouterDecision(raw string) *types.RouterDecision {
	cleaned := StripFences(raw)

	var decision types.RouterDecision
	if err := json.Unmarshal([]byte(cleaned), &decision); err != nil {
		logging.Provider().Warnw("router response unparseable, using default decision",
			"error", err, "raw_len", len(raw))
		return DefaultDecision("fallback: router response was not valid JSON")
	}

	if !types.ValidAgent(decision.TargetAgent) {
		logging.Provider().Warnw("router chose unknown agent, using default decision",
			"agent", decision.TargetAgent)
		return DefaultDecision("fallback: router selected an unknown agent")
	}

	if a := decision.Artifact; a != nil {
		// A marker with no meaningful plan is noise, not an artifact.
		if a.Operation != types.OperationCreate && a.Operation != types.OperationUpdate {
			decision.Artifact = nil
		}
	}

	return &decision
}
