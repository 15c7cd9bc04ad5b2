package canvas

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"atelier/internal/logging"
	"atelier/internal/types"
)

// Node is one materialized artifact on the canvas. Code nodes hold a set
// of named files; text nodes hold a single document; media nodes hold an
// asset reference (data URI for images, a local path for videos).
type Node struct {
	ID        string             `json:"id"`
	Type      types.ArtifactType `json:"type"`
	Title     string             `json:"title"`
	Language  string             `json:"language,omitempty"`
	Files     map[string]string  `json:"files,omitempty"`
	FileOrder []string           `json:"fileOrder,omitempty"`
	// ActiveFile points at the most recently opened file, the one a
	// marker-free update reply writes into.
	ActiveFile string    `json:"activeFile,omitempty"`
	AssetURI   string    `json:"assetUri,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// clone returns a deep copy so callers never share the store's maps.
func (n *Node) clone() *Node {
	out := *n
	if n.Files != nil {
		out.Files = make(map[string]string, len(n.Files))
		for k, v := range n.Files {
			out.Files[k] = v
		}
	}
	out.FileOrder = append([]string(nil), n.FileOrder...)
	return &out
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Store holds the server-side view of the canvas. All methods are safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
	edges []Edge
}

func NewStore() *Store {
	return &Store{nodes: make(map[string]*Node)}
}

// Create places a new node for the given plan and returns its copy.
func (s *Store) Create(plan types.ArtifactPlan) *Node {
	now := time.Now()
	n := &Node{
		ID:        uuid.NewString(),
		Type:      plan.Type,
		Title:     plan.Title,
		Language:  plan.Language,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if plan.Type == types.ArtifactCode || plan.Type == types.ArtifactText {
		n.Files = make(map[string]string)
	}

	s.mu.Lock()
	s.nodes[n.ID] = n
	s.order = append(s.order, n.ID)
	s.mu.Unlock()

	logging.Canvas().Infow("node created", "id", n.ID, "type", n.Type, "title", n.Title)
	return n.clone()
}

// Get returns a copy of a node.
func (s *Store) Get(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Nodes lists all nodes in creation order.
func (s *Store) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id].clone())
	}
	return out
}

// Edges lists the current connections.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge(nil), s.edges...)
}

// Connect records a directed edge. Both endpoints must exist; duplicate
// edges collapse.
func (s *Store) Connect(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[from]; !ok {
		return fmt.Errorf("connect: unknown node %q", from)
	}
	if _, ok := s.nodes[to]; !ok {
		return fmt.Errorf("connect: unknown node %q", to)
	}
	for _, e := range s.edges {
		if e.From == from && e.To == to {
			return nil
		}
	}
	s.edges = append(s.edges, Edge{From: from, To: to})
	return nil
}

// WriteFile replaces a file's content on a node, registering the name on
// first write.
func (s *Store) WriteFile(nodeID, name, content string) error {
	return s.mutateFile(nodeID, name, func(old string) string { return content })
}

// AppendFile appends a streamed fragment to a file on a node.
func (s *Store) AppendFile(nodeID, name, fragment string) error {
	return s.mutateFile(nodeID, name, func(old string) string { return old + fragment })
}

func (s *Store) mutateFile(nodeID, name string, f func(string) string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if n.Files == nil {
		n.Files = make(map[string]string)
	}
	if _, exists := n.Files[name]; !exists {
		n.FileOrder = append(n.FileOrder, name)
	}
	n.Files[name] = f(n.Files[name])
	n.UpdatedAt = time.Now()
	return nil
}

// SetActiveFile points the node at its most recently opened file. The
// file must already be registered on the node.
func (s *Store) SetActiveFile(nodeID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if _, exists := n.Files[name]; !exists {
		return fmt.Errorf("node %q has no file %q", nodeID, name)
	}
	n.ActiveFile = name
	n.UpdatedAt = time.Now()
	return nil
}

// SetAsset records the rendered asset of a media node.
func (s *Store) SetAsset(nodeID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	n.AssetURI = uri
	n.UpdatedAt = time.Now()
	return nil
}

// Delete removes a node and any edges touching it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	delete(s.nodes, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	s.edges = kept
	logging.Canvas().Infow("node deleted", "id", id)
	return nil
}

// Clear empties the canvas.
func (s *Store) Clear() {
	s.mu.Lock()
	s.nodes = make(map[string]*Node)
	s.order = nil
	s.edges = nil
	s.mu.Unlock()
	logging.Canvas().Infow("canvas cleared")
}

// Apply executes one side-channel command against the store. Update and
// delete require an existing node id; malformed commands error without
// mutating anything.
func (s *Store) Apply(cmd types.Command) error {
	switch cmd.Action {
	case types.CommandCreateNode:
		plan := planFromPayload(cmd.Payload)
		s.Create(plan)
		return nil
	case types.CommandUpdateNode:
		if cmd.NodeID == "" {
			return fmt.Errorf("%s requires a node id", cmd.Action)
		}
		return s.applyUpdate(cmd)
	case types.CommandDeleteNode:
		if cmd.NodeID == "" {
			return fmt.Errorf("%s requires a node id", cmd.Action)
		}
		return s.Delete(cmd.NodeID)
	case types.CommandClear:
		s.Clear()
		return nil
	default:
		return fmt.Errorf("unknown command action %q", cmd.Action)
	}
}

func (s *Store) applyUpdate(cmd types.Command) error {
	if title, ok := cmd.Payload["title"].(string); ok && title != "" {
		s.mu.Lock()
		n, exists := s.nodes[cmd.NodeID]
		if !exists {
			s.mu.Unlock()
			return fmt.Errorf("unknown node %q", cmd.NodeID)
		}
		n.Title = title
		n.UpdatedAt = time.Now()
		s.mu.Unlock()
	}
	if content, ok := cmd.Payload["content"].(string); ok {
		name, _ := cmd.Payload["file"].(string)
		if name == "" {
			name = "content"
		}
		return s.WriteFile(cmd.NodeID, name, content)
	}
	if _, ok := s.Get(cmd.NodeID); !ok {
		return fmt.Errorf("unknown node %q", cmd.NodeID)
	}
	return nil
}

func planFromPayload(payload map[string]any) types.ArtifactPlan {
	plan := types.ArtifactPlan{Operation: types.OperationCreate, Type: types.ArtifactText, Title: "Untitled"}
	if t, ok := payload["type"].(string); ok && t != "" {
		plan.Type = types.ArtifactType(t)
	}
	if title, ok := payload["title"].(string); ok && title != "" {
		plan.Title = title
	}
	if lang, ok := payload["language"].(string); ok {
		plan.Language = lang
	}
	return plan
}
