// Package pipeline loads processing tree definitions from YAML. The
// file format is the mirror image of the audit snapshot: a nested
// node/children structure per sensor slot.
package pipeline

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/tree"
)

// NodeSpec is one node and its downstream subtrees, keyed by output
// stream index.
type NodeSpec struct {
	Node     tree.NodeConfig   `yaml:"node"`
	Children map[int]*NodeSpec `yaml:"children,omitempty"`
}

// TreeSpec defines one processing tree.
type TreeSpec struct {
	SensorIndex int      `yaml:"sensor_index"`
	Root        NodeSpec `yaml:"root"`
}

// File is a full pipeline definition.
type File struct {
	Trees []TreeSpec `yaml:"trees"`
}

// Load reads and parses a pipeline definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "read pipeline file "+path)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse pipeline file "+path)
	}
	if len(f.Trees) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "pipeline file defines no trees")
	}
	return &f, nil
}

// Builder returns the tree construction function for this spec.
func (s TreeSpec) Builder() func(t *tree.Tree) error {
	return func(t *tree.Tree) error {
		root, err := t.NewNode(s.Root.Node)
		if err != nil {
			return err
		}
		return attach(t, root, s.Root.Children)
	}
}

// attach creates and connects each child subtree in ascending stream
// order. A node must be connected before its own children, so creation
// and connection interleave top-down.
func attach(t *tree.Tree, parent *tree.Node, children map[int]*NodeSpec) error {
	indices := make([]int, 0, len(children))
	for idx := range children {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		spec := children[idx]
		child, err := t.NewNode(spec.Node)
		if err != nil {
			return err
		}
		if err := t.Connect(parent, idx, child); err != nil {
			return err
		}
		if err := attach(t, child, spec.Children); err != nil {
			return err
		}
	}
	return nil
}
