package tree

import (
	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/naming"
)

// Tree is a rooted processing tree: one sensor at the root, transforms
// inside, sinks at the leaves. Edges are identified by the data_id of
// the source stream they carry, which keys the node registry.
type Tree struct {
	env         *Env
	registry    *Registry
	sensorIndex int

	root  *Node
	nodes map[string]*Node
	edges []Edge
}

// Edge is one connection in the tree: the source node, the stream it
// emits, and the receiving node.
type Edge struct {
	Source *Node
	Stream Stream
	Sink   *Node
}

// DataID returns the data_id the edge carries.
func (e Edge) DataID() naming.DataID {
	return e.Stream.DataID(e.Source.env.Config.Device.ID, e.Source.sensorIndex)
}

// New creates an empty tree for one physical sensor slot.
func New(env *Env, registry *Registry, sensorIndex int) *Tree {
	return &Tree{
		env:         env,
		registry:    registry,
		sensorIndex: sensorIndex,
		nodes:       make(map[string]*Node),
	}
}

// SensorIndex returns the sensor slot this tree belongs to.
func (t *Tree) SensorIndex() int { return t.sensorIndex }

// NewNode validates cfg and constructs its runtime node, resolving the
// sensor or transform implementation through the registry.
func (t *Tree) NewNode(cfg NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := newNode(cfg, t.sensorIndex, t.env)
	var err error
	switch cfg.Kind {
	case KindSensor:
		n.sensor, err = t.registry.NewSensor(cfg)
	case KindTransform:
		n.transform, err = t.registry.NewTransform(cfg)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Connect wires source's output stream to sink. The first call must
// supply a sensor as the source and establishes the root. It is an
// error to reuse an edge data_id, to connect the same output index
// twice, or to connect from a node that is not yet in the tree.
func (t *Tree) Connect(source *Node, streamIndex int, sink *Node) error {
	if t.root == nil {
		if source.cfg.Kind != KindSensor {
			return errors.New(errors.ErrorTypeConfig,
				"the first connect call must supply a sensor as the source")
		}
		t.root = source
	} else if source != t.root && !t.isRegistered(source) {
		return errors.Newf(errors.ErrorTypeConfig,
			"source node %q is not connected", source.cfg.Name)
	}

	stream, err := source.Stream(streamIndex)
	if err != nil {
		return err
	}
	dataID := stream.DataID(t.env.Config.Device.ID, t.sensorIndex).String()
	if _, ok := t.nodes[dataID]; ok {
		return errors.Newf(errors.ErrorTypeConfig, "%s is already connected", dataID)
	}
	if _, ok := source.children[streamIndex]; ok {
		return errors.Newf(errors.ErrorTypeConfig,
			"output stream %d is already connected from %q", streamIndex, source.cfg.Name)
	}

	t.nodes[dataID] = sink
	source.children[streamIndex] = sink
	t.edges = append(t.edges, Edge{Source: source, Stream: stream, Sink: sink})
	return nil
}

// Chain connects nodes in sequence, each pair via output stream 0.
func (t *Tree) Chain(nodes ...*Node) error {
	for i := 0; i+1 < len(nodes); i++ {
		if err := t.Connect(nodes[i], 0, nodes[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) isRegistered(n *Node) bool {
	for _, v := range t.nodes {
		if v == n {
			return true
		}
	}
	return false
}

// Root returns the sensor node, nil before the first connect.
func (t *Tree) Root() *Node { return t.root }

// Node retrieves a registered node by the data_id of its incoming
// edge.
func (t *Tree) Node(dataID string) *Node { return t.nodes[dataID] }

// Edges returns every connection in build order.
func (t *Tree) Edges() []Edge {
	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}

// TransformEdges returns the edges whose sink is a transform, in build
// order. This is the worker's processing schedule.
func (t *Tree) TransformEdges() []Edge {
	var out []Edge
	for _, e := range t.edges {
		if e.Sink.cfg.Kind == KindTransform {
			out = append(out, e)
		}
	}
	return out
}

// Nodes returns every node including the root.
func (t *Tree) Nodes() []*Node {
	if t.root == nil {
		return nil
	}
	out := []*Node{t.root}
	for _, e := range t.edges {
		out = append(out, e.Sink)
	}
	return out
}

// Validate checks the structural invariants: the root is a sensor,
// every childless node is a sink, and every registered node is
// reachable from the root.
func (t *Tree) Validate() error {
	if t.root == nil {
		return errors.New(errors.ErrorTypeConfig, "the tree must have a root node")
	}
	if t.root.cfg.Kind != KindSensor {
		return errors.New(errors.ErrorTypeConfig, "the root node must be a sensor")
	}

	visited := make(map[*Node]bool)
	var dfs func(n *Node)
	dfs = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, child := range n.children {
			dfs(child)
		}
	}
	dfs(t.root)

	for _, n := range t.nodes {
		if !visited[n] {
			return errors.Newf(errors.ErrorTypeConfig,
				"node %q is not reachable from the root", n.cfg.Name)
		}
		if len(n.children) == 0 && n.cfg.Kind != KindSink {
			return errors.Newf(errors.ErrorTypeConfig,
				"childless node %q must be a sink", n.cfg.Name)
		}
	}
	return nil
}

// Export is the recursive serialization of a subtree's configuration,
// used for audit snapshots.
type Export struct {
	Node     NodeConfig      `yaml:"node"`
	Children map[int]*Export `yaml:"children,omitempty"`
}

// Export serializes the whole tree's configuration.
func (t *Tree) Export() *Export {
	if t.root == nil {
		return nil
	}
	return exportNode(t.root)
}

func exportNode(n *Node) *Export {
	out := &Export{Node: n.cfg}
	if len(n.children) > 0 {
		out.Children = make(map[int]*Export, len(n.children))
		for idx, child := range n.children {
			out.Children[idx] = exportNode(child)
		}
	}
	return out
}
