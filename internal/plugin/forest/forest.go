// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package forest tracks which loaded modules depend on which.
//
// Edges point from a dependency to its dependents. A module with no loaded
// dependencies is a root; the structure may have many roots. Cycles are not
// detected here: traversal stays finite because every walk keeps a visited
// set, and LoadOrder refuses to order a cycle.
package forest

import (
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/plugin"
)

// Node is one module in the forest.
type Node struct {
	descriptor plugin.Descriptor

	mu         sync.RWMutex
	dependents []*Node
}

// NewNode returns a detached node for d.
func NewNode(d plugin.Descriptor) *Node {
	return &Node{descriptor: d}
}

// Name returns the module name.
func (n *Node) Name() string { return n.descriptor.Name() }

// Descriptor returns the module descriptor.
func (n *Node) Descriptor() plugin.Descriptor { return n.descriptor }

// AddDependent records that dep depends on n. Adding the same dependent
// twice is a no-op.
func (n *Node) AddDependent(dep *Node) {
	if dep == nil || dep == n {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if slices.Contains(n.dependents, dep) {
		return
	}
	n.dependents = append(n.dependents, dep)
}

// RemoveDependent drops dep from n's direct dependents.
func (n *Node) RemoveDependent(dep *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dependents = slices.DeleteFunc(n.dependents, func(x *Node) bool { return x == dep })
}

// Dependents returns n's direct dependents in insertion order.
func (n *Node) Dependents() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.dependents)
}

// AllDependents yields every transitive dependent of n exactly once,
// breadth first. The sequence is lazy and can be ranged over repeatedly.
func (n *Node) AllDependents() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		visited := map[*Node]struct{}{n: {}}
		queue := n.Dependents()
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if _, seen := visited[cur]; seen {
				continue
			}
			visited[cur] = struct{}{}
			if !yield(cur) {
				return
			}
			queue = append(queue, cur.Dependents()...)
		}
	}
}

// TeardownOrder returns n's transitive dependents ordered so that every
// module comes before anything it depends on, followed by n itself.
func (n *Node) TeardownOrder() []*Node {
	var out []*Node
	visited := map[*Node]struct{}{}
	var visit func(*Node)
	visit = func(cur *Node) {
		visited[cur] = struct{}{}
		for _, d := range cur.Dependents() {
			if _, seen := visited[d]; !seen {
				visit(d)
			}
		}
		out = append(out, cur)
	}
	visit(n)
	return out
}

// Forest indexes nodes by module name.
type Forest struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
}

// New returns an empty forest.
func New() *Forest {
	return &Forest{nodes: make(map[string]*Node)}
}

// Insert adds a node for d and links it under each of its dependencies.
// Every dependency must already be present.
func (f *Forest) Insert(d plugin.Descriptor) (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := d.Name()
	if _, exists := f.nodes[name]; exists {
		return nil, oops.In("forest").With("plugin", name).Errorf("module %q already in forest", name)
	}

	deps := d.Dependencies()
	parents := make([]*Node, 0, len(deps))
	for _, dep := range deps {
		p, ok := f.nodes[dep]
		if !ok {
			return nil, oops.In("forest").With("plugin", name).With("dependency", dep).
				Errorf("dependency %q of %q is not loaded", dep, name)
		}
		parents = append(parents, p)
	}

	node := NewNode(d)
	for _, p := range parents {
		p.AddDependent(node)
	}
	f.nodes[name] = node
	f.order = append(f.order, name)
	return node, nil
}

// Remove detaches the named node from its dependencies and drops it.
// Its own dependents keep their nodes; callers tear them down first.
func (f *Forest) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, ok := f.nodes[name]
	if !ok {
		return
	}
	for _, dep := range node.descriptor.Dependencies() {
		if p, ok := f.nodes[dep]; ok {
			p.RemoveDependent(node)
		}
	}
	delete(f.nodes, name)
	f.order = slices.DeleteFunc(f.order, func(s string) bool { return s == name })
}

// Node returns the node for name.
func (f *Forest) Node(name string) (*Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[name]
	return n, ok
}

// Has reports whether name is present.
func (f *Forest) Has(name string) bool {
	_, ok := f.Node(name)
	return ok
}

// Nodes returns every node in insertion order.
func (f *Forest) Nodes() []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Node, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.nodes[name])
	}
	return out
}

// Roots returns nodes none of whose dependencies are in the forest.
func (f *Forest) Roots() []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Node
	for _, name := range f.order {
		n := f.nodes[name]
		root := true
		for _, dep := range n.descriptor.Dependencies() {
			if _, ok := f.nodes[dep]; ok {
				root = false
				break
			}
		}
		if root {
			out = append(out, n)
		}
	}
	return out
}

// AllDependents yields the transitive dependents of name. Unknown names
// yield nothing.
func (f *Forest) AllDependents(name string) iter.Seq[*Node] {
	n, ok := f.Node(name)
	if !ok {
		return func(func(*Node) bool) {}
	}
	return n.AllDependents()
}

// ShutdownOrder returns every node ordered so dependents precede their
// dependencies, newest first among unrelated modules.
func (f *Forest) ShutdownOrder() []*Node {
	nodes := f.Nodes()
	var out []*Node
	visited := map[*Node]struct{}{}
	for _, n := range slices.Backward(nodes) {
		if _, seen := visited[n]; seen {
			continue
		}
		for _, x := range n.TeardownOrder() {
			if _, seen := visited[x]; seen {
				continue
			}
			visited[x] = struct{}{}
			out = append(out, x)
		}
	}
	return out
}

// LoadOrder orders batch so that every module follows the modules it
// depends on. available reports dependencies satisfied outside the batch.
// Modules whose dependencies cannot be satisfied, directly, transitively, or
// because of a cycle, are returned in blocked with the reason.
func LoadOrder(batch []plugin.Descriptor, available func(name string) bool) (ordered []plugin.Descriptor, blocked map[string]error) {
	blocked = make(map[string]error)
	byName := make(map[string]plugin.Descriptor, len(batch))
	for _, d := range batch {
		byName[d.Name()] = d
	}

	pending := make(map[string]int, len(batch))
	dependents := make(map[string][]string)
	for _, d := range batch {
		for _, dep := range d.Dependencies() {
			if _, inBatch := byName[dep]; inBatch {
				pending[d.Name()]++
				dependents[dep] = append(dependents[dep], d.Name())
				continue
			}
			if available == nil || !available(dep) {
				blocked[d.Name()] = fmt.Errorf("missing dependency %q", dep)
			}
		}
	}

	// Propagate blocks to everything downstream.
	var block func(name string, cause error)
	block = func(name string, cause error) {
		for _, child := range dependents[name] {
			if _, done := blocked[child]; done {
				continue
			}
			blocked[child] = fmt.Errorf("dependency %q cannot load: %w", name, cause)
			block(child, blocked[child])
		}
	}
	initial := make([]string, 0, len(blocked))
	for name := range blocked {
		initial = append(initial, name)
	}
	for _, name := range initial {
		block(name, blocked[name])
	}

	var ready []string
	for _, d := range batch {
		if _, b := blocked[d.Name()]; !b && pending[d.Name()] == 0 {
			ready = append(ready, d.Name())
		}
	}

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		for _, child := range dependents[name] {
			if _, b := blocked[child]; b {
				continue
			}
			pending[child]--
			if pending[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(ordered)+len(blocked) < len(batch) {
		for _, d := range batch {
			name := d.Name()
			if _, b := blocked[name]; b {
				continue
			}
			if !slices.ContainsFunc(ordered, func(o plugin.Descriptor) bool { return o.Name() == name }) {
				blocked[name] = fmt.Errorf("dependency cycle involving %q", name)
			}
		}
	}
	return ordered, blocked
}
