package orchestrator

import (
	"fmt"
	"strings"

	"atelier/internal/provider"
	"atelier/internal/types"
)

// modelTier selects which configured model an agent runs on.
type modelTier int

const (
	tierFlash modelTier = iota
	tierPro
	tierLite
)

// agentProfile fixes an agent's model tier and system instruction. The
// instruction is what makes the coder emit file markers and the writer
// emit complete documents, so the streaming parser downstream can rely on
// the response shape.
type agentProfile struct {
	tier        modelTier
	thinking    int32
	instruction string
}

const coderInstruction = `You are the code specialist of a spatial canvas studio.
You build complete, runnable web artifacts: self-contained HTML/CSS/JS apps,
components, and scripts.

Output protocol, follow it exactly:
- Begin each file with a line of the form:
### FILE: <filename>
- Everything after that line, until the next marker or the end of the
  response, is the literal file content. No code fences around files.
- Emit every file the artifact needs. Do not reference files you did not emit.
- Any explanation goes before the first marker, never between files.

When updating an existing artifact, re-emit each changed file in full under
its marker. Unchanged files may be omitted.`

const writerInstruction = `You are the writing specialist of a spatial canvas studio.
You produce polished long-form documents: essays, articles, letters, plans.

Respond with the complete document and nothing else - no preamble, no
commentary, no code fences. When revising an existing document, respond with
the full revised document, not a diff or a fragment.`

const chatInstruction = `You are the conversational assistant of a spatial canvas
studio. Answer directly and concisely. You can see the artifacts on the
user's canvas when they are provided as context; refer to them naturally.`

var agentProfiles = map[types.AgentID]agentProfile{
	types.AgentChat:   {tier: tierFlash, instruction: chatInstruction},
	types.AgentCoder:  {tier: tierPro, thinking: 2048, instruction: coderInstruction},
	types.AgentWriter: {tier: tierPro, instruction: writerInstruction},
	// Media agents still speak: their text stream narrates what is being
	// generated while the asset call runs.
	types.AgentImage: {tier: tierFlash, instruction: chatInstruction},
	types.AgentVideo: {tier: tierFlash, instruction: chatInstruction},
}

func profileFor(agent types.AgentID) agentProfile {
	if p, ok := agentProfiles[agent]; ok {
		return p
	}
	return agentProfiles[types.AgentChat]
}

func (p agentProfile) model(models provider.Models) string {
	switch p.tier {
	case tierPro:
		return models.Pro
	case tierLite:
		return models.Lite
	default:
		return models.Flash
	}
}

// artifactContext appends the routing plan to the system instruction so
// the specialist knows what it is building.
func artifactContext(base string, plan *types.ArtifactPlan, target *string) string {
	if plan == nil {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nCurrent task: ")
	b.WriteString(string(plan.Operation))
	b.WriteString(" a ")
	b.WriteString(string(plan.Type))
	b.WriteString(" artifact titled ")
	fmt.Fprintf(&b, "%q.", plan.Title)
	if plan.Language != "" {
		fmt.Fprintf(&b, " Primary language: %s.", plan.Language)
	}
	if target != nil && *target != "" {
		fmt.Fprintf(&b, " You are updating the existing file %q.", *target)
	}
	return b.String()
}
