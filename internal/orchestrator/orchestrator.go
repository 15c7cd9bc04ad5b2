package orchestrator

import (
	"context"
	"strings"
	"sync"

	"atelier/internal/artifact"
	"atelier/internal/canvas"
	"atelier/internal/logging"
	"atelier/internal/provider"
	"atelier/internal/schedule"
	"atelier/internal/types"
)

// EventType discriminates the events of a generation turn.
type EventType string

const (
	// EventRoute carries the routing decision for the turn.
	EventRoute EventType = "route"
	// EventChat is a conversational text delta.
	EventChat EventType = "chat"
	// EventNode announces the canvas node this turn materializes into.
	EventNode EventType = "node"
	// EventFileStart opens a file on the turn's node.
	EventFileStart EventType = "file_start"
	// EventFileDelta appends streamed content to an open file.
	EventFileDelta EventType = "file_delta"
	// EventAsset delivers a rendered media asset reference.
	EventAsset EventType = "asset"
	// EventCommand relays one drained side-channel command.
	EventCommand EventType = "command"
	// EventError terminates the turn with a failure.
	EventError EventType = "error"
	// EventDone terminates the turn successfully.
	EventDone EventType = "done"
)

// Event is one element of a generation turn's output stream.
type Event struct {
	Type     EventType             `json:"type"`
	NodeID   string                `json:"nodeId,omitempty"`
	File     string                `json:"file,omitempty"`
	Text     string                `json:"text,omitempty"`
	Node     *canvas.Node          `json:"node,omitempty"`
	Decision *types.RouterDecision `json:"decision,omitempty"`
	Command  *types.Command        `json:"command,omitempty"`
}

// Request is one user turn entering the pipeline.
type Request struct {
	Prompt       string
	History      []types.Turn
	ImageContext *types.Blob
	// Decision carries a pre-computed routing decision; nil means the
	// orchestrator routes first.
	Decision *types.RouterDecision
}

// Orchestrator drives a user turn end to end: routing, dispatch to the
// chosen agent, artifact materialization onto the canvas, and the
// once-per-turn drain of side-channel commands.
type Orchestrator struct {
	provider  provider.Provider
	models    provider.Models
	scheduler *schedule.Scheduler
	retry     schedule.RetryPolicy
	canvas    *canvas.Store

	mu       sync.Mutex
	commands []types.Command
}

func New(p provider.Provider, models provider.Models, s *schedule.Scheduler, retry schedule.RetryPolicy, store *canvas.Store) *Orchestrator {
	return &Orchestrator{
		provider:  p,
		models:    models,
		scheduler: s,
		retry:     retry,
		canvas:    store,
	}
}

// Canvas exposes the store backing this orchestrator.
func (o *Orchestrator) Canvas() *canvas.Store { return o.canvas }

// Push enqueues a side-channel command. It is applied and relayed at the
// end of the current (or next) generation turn.
func (o *Orchestrator) Push(cmd types.Command) {
	o.mu.Lock()
	o.commands = append(o.commands, cmd)
	o.mu.Unlock()
}

func (o *Orchestrator) drainCommands() []types.Command {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.commands
	o.commands = nil
	return out
}

// Route produces the turn's routing decision. The call goes through the
// scheduler and retry wrapper; if it still fails the turn degrades to the
// default decision rather than erroring, so a routing outage never takes
// down the pipeline. The decision's artifact plan is normalized against
// the canvas: an update without a resolvable target becomes a create.
func (o *Orchestrator) Route(ctx context.Context, prompt string, history []types.Turn, imageContext *types.Blob) *types.RouterDecision {
	decision, err := schedule.Call(ctx, o.scheduler, o.retry, "route", func(ctx context.Context) (*types.RouterDecision, error) {
		return o.provider.RouteRequest(ctx, prompt, history, imageContext)
	})
	if err != nil {
		logging.Orchestrator().Warnw("routing call failed, using default decision", "error", err)
		return provider.DefaultDecision("fallback: routing call failed")
	}
	o.normalize(decision)
	return decision
}

func (o *Orchestrator) normalize(d *types.RouterDecision) {
	a := d.Artifact
	if a == nil || a.Operation != types.OperationUpdate {
		return
	}
	if a.TargetID == "" {
		logging.Orchestrator().Warnw("update plan without target, converting to create", "title", a.Title)
		a.Operation = types.OperationCreate
		return
	}
	if _, ok := o.canvas.Get(a.TargetID); !ok {
		logging.Orchestrator().Warnw("update plan targets unknown node, converting to create",
			"target", a.TargetID, "title", a.Title)
		a.Operation = types.OperationCreate
		a.TargetID = ""
	}
}

func refineInstruction(target types.ArtifactType) string {
	medium := "image"
	if target == types.ArtifactVideo {
		medium = "video"
	}
	return `Rewrite the user's request as a single ` + medium + ` generation prompt.
Keep only the visually relevant content: subject, composition, lighting,
style. Ignore code, markup and other technical text. Respond with the bare
prompt only, no conversational framing.`
}

// minRefineLen is the prompt length below which refinement is skipped; very
// short prompts are taken as deliberate.
const minRefineLen = 20

// RefinePrompt expands a media prompt through the cheap tier. Short prompts
// pass through untouched unless a reference image is attached, since the
// model then has context the bare prompt lacks. Failure is non-fatal: the
// original prompt is used unchanged.
func (o *Orchestrator) RefinePrompt(ctx context.Context, prompt string, target types.ArtifactType, hasReference bool) string {
	trimmed := strings.TrimSpace(prompt)
	if len([]rune(trimmed)) < minRefineLen && !hasReference {
		return trimmed
	}
	refined, err := schedule.Call(ctx, o.scheduler, o.retry, "refine", func(ctx context.Context) (string, error) {
		return o.provider.GenerateText(ctx, types.GenerationRequest{
			Model:  o.models.Lite,
			Prompt: trimmed,
			Config: types.GenerationConfig{
				SystemInstruction: refineInstruction(target),
				Temperature:       0.6,
				MaxOutputTokens:   256,
			},
		})
	})
	if err != nil || strings.TrimSpace(refined) == "" {
		logging.Orchestrator().Warnw("prompt refinement failed, using original", "error", err)
		return trimmed
	}
	return strings.TrimSpace(refined)
}

// Generate runs one full turn and streams its events. The channel closes
// after a terminal EventDone or EventError. Cancelling ctx abandons the
// turn; commands already queued survive for the next one.
func (o *Orchestrator) Generate(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 32)

	go func() {
		defer close(out)

		decision := req.Decision
		if decision == nil {
			decision = o.Route(ctx, req.Prompt, req.History, req.ImageContext)
		} else {
			o.normalize(decision)
		}
		if !o.send(ctx, out, Event{Type: EventRoute, Decision: decision}) {
			return
		}

		var err error
		switch {
		case decision.TargetAgent == types.AgentImage:
			err = o.runImage(ctx, out, req, decision)
		case decision.TargetAgent == types.AgentVideo:
			err = o.runVideo(ctx, out, req, decision)
		case decision.Artifact != nil && decision.TargetAgent == types.AgentWriter:
			err = o.runDocument(ctx, out, req, decision)
		case decision.Artifact != nil:
			err = o.runCode(ctx, out, req, decision)
		default:
			err = o.runChat(ctx, out, req, decision)
		}
		if err != nil {
			o.send(ctx, out, Event{Type: EventError, Text: err.Error()})
			return
		}

		o.applyConnections(decision)
		o.relayCommands(ctx, out)
		o.send(ctx, out, Event{Type: EventDone})
	}()

	return out
}

func (o *Orchestrator) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// applyConnections draws the edges the router asked for. Bad endpoints are
// logged and skipped.
func (o *Orchestrator) applyConnections(d *types.RouterDecision) {
	for _, c := range d.Connections {
		if err := o.canvas.Connect(c.From, c.To); err != nil {
			logging.Orchestrator().Warnw("skipping connection", "from", c.From, "to", c.To, "error", err)
		}
	}
}

// relayCommands drains the side channel exactly once, applies each command
// to the canvas and forwards it downstream. A command that fails to apply
// is still relayed so the client can reconcile.
func (o *Orchestrator) relayCommands(ctx context.Context, out chan<- Event) {
	for _, cmd := range o.drainCommands() {
		cmd := cmd
		if err := o.canvas.Apply(cmd); err != nil {
			logging.Orchestrator().Warnw("command failed to apply", "action", cmd.Action, "error", err)
		}
		if !o.send(ctx, out, Event{Type: EventCommand, Command: &cmd}) {
			return
		}
	}
}

type streamPair struct {
	content <-chan string
	errs    <-chan error
}

// openStream gates stream initiation through the scheduler: pacing and the
// concurrency slot apply to opening the stream, not to its lifetime.
func (o *Orchestrator) openStream(ctx context.Context, label string, req types.GenerationRequest) (streamPair, error) {
	return schedule.Do(ctx, o.scheduler, label, func(ctx context.Context) (streamPair, error) {
		content, errs := o.provider.GenerateTextStream(ctx, req)
		return streamPair{content: content, errs: errs}, nil
	})
}

func (o *Orchestrator) runChat(ctx context.Context, out chan<- Event, req Request, d *types.RouterDecision) error {
	p := profileFor(d.TargetAgent)
	pair, err := o.openStream(ctx, "chat", types.GenerationRequest{
		Model:   p.model(o.models),
		Prompt:  req.Prompt,
		History: req.History,
		Config: types.GenerationConfig{
			SystemInstruction: p.instruction,
			Temperature:       0.7,
		},
		ImageContext: req.ImageContext,
	})
	if err != nil {
		return err
	}
	for chunk := range pair.content {
		if !o.send(ctx, out, Event{Type: EventChat, Text: chunk}) {
			return ctx.Err()
		}
	}
	return <-pair.errs
}

// resolveNode locates the node a turn materializes into: the plan's target
// for updates, a fresh node otherwise.
func (o *Orchestrator) resolveNode(plan *types.ArtifactPlan) *canvas.Node {
	if plan.Operation == types.OperationUpdate && plan.TargetID != "" {
		if n, ok := o.canvas.Get(plan.TargetID); ok {
			return n
		}
	}
	return o.canvas.Create(*plan)
}

// materializer folds parser events into the canvas and mirrors them
// downstream. First content for a file resets it, so re-emitted files
// replace rather than append across a turn.
type materializer struct {
	o       *Orchestrator
	out     chan<- Event
	nodeID  string
	started map[string]bool
}

// openFile resets the file on the node, marks it the node's active file
// and announces the boundary downstream.
func (m *materializer) openFile(ctx context.Context, name string) error {
	m.started[name] = true
	if err := m.o.canvas.WriteFile(m.nodeID, name, ""); err != nil {
		return err
	}
	if err := m.o.canvas.SetActiveFile(m.nodeID, name); err != nil {
		return err
	}
	if !m.o.send(ctx, m.out, Event{Type: EventFileStart, NodeID: m.nodeID, File: name}) {
		return ctx.Err()
	}
	return nil
}

func (m *materializer) apply(ctx context.Context, events []artifact.Event) error {
	for _, ev := range events {
		switch ev.Kind {
		case artifact.EventFileStart:
			if err := m.openFile(ctx, ev.File); err != nil {
				return err
			}
		case artifact.EventContent:
			if !m.started[ev.File] {
				if err := m.openFile(ctx, ev.File); err != nil {
					return err
				}
			}
			if err := m.o.canvas.AppendFile(m.nodeID, ev.File, ev.Text); err != nil {
				return err
			}
			if !m.o.send(ctx, m.out, Event{Type: EventFileDelta, NodeID: m.nodeID, File: ev.File, Text: ev.Text}) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// updateTarget picks the file a marker-free update reply lands in: the
// node's active file, or the most recently opened one when the pointer
// was never set.
func updateTarget(n *canvas.Node) string {
	if n.ActiveFile != "" {
		return n.ActiveFile
	}
	if len(n.FileOrder) > 0 {
		return n.FileOrder[len(n.FileOrder)-1]
	}
	return ""
}

func (o *Orchestrator) runCode(ctx context.Context, out chan<- Event, req Request, d *types.RouterDecision) error {
	plan := d.Artifact
	node := o.resolveNode(plan)
	if !o.send(ctx, out, Event{Type: EventNode, NodeID: node.ID, Node: node}) {
		return ctx.Err()
	}

	target := ""
	if plan.Operation == types.OperationUpdate {
		target = updateTarget(node)
	}
	var parser *artifact.Parser
	if target != "" {
		parser = artifact.NewUpdateParser(target)
	} else {
		parser = artifact.NewParser()
	}

	p := profileFor(types.AgentCoder)
	pair, err := o.openStream(ctx, "code", types.GenerationRequest{
		Model:   p.model(o.models),
		Prompt:  req.Prompt,
		History: req.History,
		Config: types.GenerationConfig{
			SystemInstruction: artifactContext(p.instruction, plan, &target),
			Temperature:       0.4,
			ThinkingBudget:    p.thinking,
		},
		ImageContext: req.ImageContext,
	})
	if err != nil {
		return err
	}

	m := &materializer{o: o, out: out, nodeID: node.ID, started: make(map[string]bool)}
	for chunk := range pair.content {
		if err := m.apply(ctx, parser.Feed(chunk)); err != nil {
			return err
		}
	}
	if err := <-pair.errs; err != nil {
		return err
	}
	if err := m.apply(ctx, parser.Flush()); err != nil {
		return err
	}
	logging.Orchestrator().Infow("code artifact materialized", "node", node.ID, "files", parser.Files())
	return nil
}

// documentFile names the single file a writer artifact lives in.
const documentFile = "document.md"

func (o *Orchestrator) runDocument(ctx context.Context, out chan<- Event, req Request, d *types.RouterDecision) error {
	plan := d.Artifact
	node := o.resolveNode(plan)
	if !o.send(ctx, out, Event{Type: EventNode, NodeID: node.ID, Node: node}) {
		return ctx.Err()
	}

	name := documentFile
	if len(node.FileOrder) > 0 {
		name = node.FileOrder[0]
	}
	parser := artifact.NewDocumentParser(name)

	p := profileFor(types.AgentWriter)
	pair, err := o.openStream(ctx, "document", types.GenerationRequest{
		Model:   p.model(o.models),
		Prompt:  req.Prompt,
		History: req.History,
		Config: types.GenerationConfig{
			SystemInstruction: artifactContext(p.instruction, plan, nil),
			Temperature:       0.8,
		},
		ImageContext: req.ImageContext,
	})
	if err != nil {
		return err
	}

	m := &materializer{o: o, out: out, nodeID: node.ID, started: make(map[string]bool)}
	for chunk := range pair.content {
		if err := m.apply(ctx, parser.Feed(chunk)); err != nil {
			return err
		}
	}
	if err := <-pair.errs; err != nil {
		return err
	}
	return m.apply(ctx, parser.Flush())
}

func mediaPlan(d *types.RouterDecision, t types.ArtifactType, prompt string) *types.ArtifactPlan {
	if d.Artifact != nil {
		return d.Artifact
	}
	title := strings.TrimSpace(prompt)
	if len([]rune(title)) > 48 {
		title = string([]rune(title)[:48])
	}
	return &types.ArtifactPlan{Operation: types.OperationCreate, Type: t, Title: title}
}

func (o *Orchestrator) runImage(ctx context.Context, out chan<- Event, req Request, d *types.RouterDecision) error {
	plan := mediaPlan(d, types.ArtifactImage, req.Prompt)
	node := o.resolveNode(plan)
	if !o.send(ctx, out, Event{Type: EventNode, NodeID: node.ID, Node: node}) {
		return ctx.Err()
	}

	prompt := o.RefinePrompt(ctx, req.Prompt, types.ArtifactImage, req.ImageContext != nil)
	uri, err := schedule.Call(ctx, o.scheduler, o.retry, "image", func(ctx context.Context) (string, error) {
		return o.provider.GenerateImage(ctx, prompt, provider.ImageOptions{
			AspectRatio: plan.AspectRatio,
			Quality:     plan.Quality,
			Reference:   req.ImageContext,
		})
	})
	if err != nil {
		return err
	}
	if err := o.canvas.SetAsset(node.ID, uri); err != nil {
		return err
	}
	if !o.send(ctx, out, Event{Type: EventAsset, NodeID: node.ID, Text: uri}) {
		return ctx.Err()
	}
	return nil
}

func (o *Orchestrator) runVideo(ctx context.Context, out chan<- Event, req Request, d *types.RouterDecision) error {
	plan := mediaPlan(d, types.ArtifactVideo, req.Prompt)
	node := o.resolveNode(plan)
	if !o.send(ctx, out, Event{Type: EventNode, NodeID: node.ID, Node: node}) {
		return ctx.Err()
	}

	prompt := o.RefinePrompt(ctx, req.Prompt, types.ArtifactVideo, req.ImageContext != nil)
	// The provider schedules the submit and every poll itself; wrapping
	// the whole job here would pin a slot for minutes.
	path, err := o.provider.GenerateVideo(ctx, prompt, provider.VideoOptions{
		AspectRatio: plan.AspectRatio,
		Reference:   req.ImageContext,
	})
	if err != nil {
		return err
	}
	if err := o.canvas.SetAsset(node.ID, path); err != nil {
		return err
	}
	if !o.send(ctx, out, Event{Type: EventAsset, NodeID: node.ID, Text: path}) {
		return ctx.Err()
	}
	return nil
}

// Delegate runs a full turn on behalf of the live-voice session and folds
// its events into a single spoken reply. Artifact work is summarized, not
// read out loud.
func (o *Orchestrator) Delegate(ctx context.Context, prompt string, history []types.Turn) (string, error) {
	var chat strings.Builder
	var made []string

	for ev := range o.Generate(ctx, Request{Prompt: prompt, History: history}) {
		switch ev.Type {
		case EventChat:
			chat.WriteString(ev.Text)
		case EventNode:
			if ev.Node != nil {
				made = append(made, ev.Node.Title)
			}
		case EventError:
			return "", &delegationError{msg: ev.Text}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	reply := strings.TrimSpace(chat.String())
	if len(made) > 0 {
		summary := "I've put " + strings.Join(made, ", ") + " on your canvas."
		if reply == "" {
			return summary, nil
		}
		return reply + "\n" + summary, nil
	}
	return reply, nil
}

type delegationError struct{ msg string }

func (e *delegationError) Error() string { return "delegated turn failed: " + e.msg }
