// Package types provides shared type definitions used across atelier packages.
// This package exists to break import cycles between provider, orchestrator,
// and the canvas-facing layers. Types in this package are foundational data
// structures with no complex dependencies.
package types

import "strings"

// =============================================================================
// CONVERSATION HISTORY
// =============================================================================

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Blob carries inline media data (an image the user dropped on the canvas,
// a frame captured from a node, etc).
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Part is one piece of a turn. A part carries text or inline media, never
// both.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// IsMedia reports whether the part carries inline data.
func (p Part) IsMedia() bool { return p.InlineData != nil }

// IsBlankText reports whether the part is text-only and empty or
// whitespace-only. Blank text parts are rejected by some backends with a
// 400-class error, so history is sanitized before every provider call.
func (p Part) IsBlankText() bool {
	return p.InlineData == nil && strings.TrimSpace(p.Text) == ""
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextTurn builds a single-part text turn.
func TextTurn(role Role, text string) Turn {
	return Turn{Role: role, Parts: []Part{{Text: text}}}
}

// Text joins the text parts of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// =============================================================================
// GENERATION REQUESTS
// =============================================================================

// GenerationConfig carries optional generation parameters. The zero value
// means "backend defaults".
type GenerationConfig struct {
	Temperature     float32
	MaxOutputTokens int32

	// ThinkingBudget is a hint for high-reasoning model tiers; zero disables
	// extended thinking.
	ThinkingBudget int32

	// SystemInstruction is the fully assembled instruction for this call.
	SystemInstruction string

	// ResponseMIMEType and ResponseSchema constrain structured-output calls.
	ResponseMIMEType string
	ResponseSchema   map[string]any
}

// GenerationRequest is a single generation call. Immutable once issued.
type GenerationRequest struct {
	Model   string
	Prompt  string
	History []Turn
	Config  GenerationConfig

	// ImageContext is an optional single reference image attached to the
	// user prompt.
	ImageContext *Blob
}

// =============================================================================
// ROUTER DECISIONS
// =============================================================================

// AgentID names a routing target: a persona with its own model and system
// instruction.
type AgentID string

const (
	AgentChat   AgentID = "chat"
	AgentCoder  AgentID = "coder"
	AgentWriter AgentID = "writer"
	AgentImage  AgentID = "image"
	AgentVideo  AgentID = "video"
)

// KnownAgents lists every routable agent, in schema order.
var KnownAgents = []AgentID{AgentChat, AgentCoder, AgentWriter, AgentImage, AgentVideo}

// ValidAgent reports whether id names a routable agent.
func ValidAgent(id AgentID) bool {
	for _, a := range KnownAgents {
		if a == id {
			return true
		}
	}
	return false
}

// ArtifactOperation distinguishes creating a new canvas node from replacing
// the content of an existing one.
type ArtifactOperation string

const (
	OperationCreate ArtifactOperation = "create"
	OperationUpdate ArtifactOperation = "update"
)

// ArtifactType is the kind of deliverable the router selected.
type ArtifactType string

const (
	ArtifactCode  ArtifactType = "code"
	ArtifactText  ArtifactType = "text"
	ArtifactImage ArtifactType = "image"
	ArtifactVideo ArtifactType = "video"
)

// ArtifactPlan describes the deliverable a user turn should materialize.
type ArtifactPlan struct {
	Operation   ArtifactOperation `json:"operation"`
	Type        ArtifactType      `json:"type"`
	Title       string            `json:"title"`
	TargetID    string            `json:"targetId,omitempty"`
	Language    string            `json:"language,omitempty"`
	AspectRatio string            `json:"aspectRatio,omitempty"`
	Quality     string            `json:"quality,omitempty"`
}

// Connection is a directed canvas edge the router wants drawn between nodes.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RouterDecision is produced once per user turn and read-only downstream.
type RouterDecision struct {
	TargetAgent AgentID       `json:"targetAgent"`
	Reasoning   string        `json:"reasoning"`
	Artifact    *ArtifactPlan `json:"artifact,omitempty"`
	Connections []Connection  `json:"connections,omitempty"`
}

// =============================================================================
// SIDE-CHANNEL COMMANDS
// =============================================================================

// CommandAction is a UI-affecting instruction a backend may emit out-of-band
// alongside a chat reply. Commands are drained once per generation turn and
// applied after primary content settles.
type CommandAction string

const (
	CommandCreateNode CommandAction = "create_node"
	CommandUpdateNode CommandAction = "update_node"
	CommandDeleteNode CommandAction = "delete_node"
	CommandClear      CommandAction = "clear"
)

// Command is one side-channel instruction targeting the canvas.
type Command struct {
	Action  CommandAction  `json:"action"`
	NodeID  string         `json:"nodeId,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
