// Package graph models the node and edge structure of a state-graph
// entrypoint: which agents and tasks run, and in what order.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Reserved node names understood by the state-graph runtime.
const (
	Start          = "START"
	End            = "END"
	Tools          = "tools"
	ToolsCondition = "tools_condition"
)

// NodeType classifies a graph node.
type NodeType string

const (
	Agent   NodeType = "agent"
	Task    NodeType = "task"
	ToolSet NodeType = "tools"
	Special NodeType = "special"
)

// Node is one endpoint of an edge.
type Node struct {
	Name string
	Type NodeType
}

// Expr renders the node as a Python argument: special nodes are bare
// identifiers, everything else is a string literal.
func (n Node) Expr() string {
	if n.Type == Special {
		return n.Name
	}
	return strconv.Quote(n.Name)
}

func (n Node) String() string { return n.Name }

// Edge connects two nodes. Conditional edges route through a condition
// function such as tools_condition.
type Edge struct {
	Source      Node
	Target      Node
	Conditional bool
}

func (e Edge) String() string {
	arrow := "->"
	if e.Conditional {
		arrow = "?>"
	}
	return fmt.Sprintf("%s %s %s", e.Source.Name, arrow, e.Target.Name)
}

// IsSpecial reports whether name is a reserved runtime identifier.
func IsSpecial(name string) bool {
	switch name {
	case Start, End, ToolsCondition:
		return true
	}
	return false
}

// Classifier resolves node names to types using the known agent and task
// names of a project.
type Classifier struct {
	agents map[string]struct{}
	tasks  map[string]struct{}
}

// NewClassifier builds a Classifier from agent and task names.
func NewClassifier(agents, tasks []string) *Classifier {
	c := &Classifier{
		agents: make(map[string]struct{}, len(agents)),
		tasks:  make(map[string]struct{}, len(tasks)),
	}
	for _, a := range agents {
		c.agents[a] = struct{}{}
	}
	for _, t := range tasks {
		c.tasks[t] = struct{}{}
	}
	return c
}

// Node returns the typed node for name, failing when name is neither
// reserved nor a known agent or task.
func (c *Classifier) Node(name string) (Node, error) {
	switch {
	case IsSpecial(name):
		return Node{Name: name, Type: Special}, nil
	case name == Tools:
		return Node{Name: name, Type: ToolSet}, nil
	}
	if _, ok := c.agents[name]; ok {
		return Node{Name: name, Type: Agent}, nil
	}
	if _, ok := c.tasks[name]; ok {
		return Node{Name: name, Type: Task}, nil
	}
	return Node{}, fmt.Errorf("could not determine type of graph node %q", name)
}

// EndpointName extracts a node name from an argument's source text: a
// string literal yields its contents, a bare identifier yields itself.
func EndpointName(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if s, err := strconv.Unquote(text); err == nil {
		return s, true
	}
	if len(text) >= 2 && text[0] == '\'' && text[len(text)-1] == '\'' {
		return text[1 : len(text)-1], true
	}
	if isIdentifier(text) {
		return text, true
	}
	return "", false
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// Into returns the first edge whose target is name.
func Into(edges []Edge, name string) (Edge, bool) {
	for _, e := range edges {
		if e.Target.Name == name && !e.Conditional {
			return e, true
		}
	}
	return Edge{}, false
}

// OutOf returns the first edge whose source is name.
func OutOf(edges []Edge, name string) (Edge, bool) {
	for _, e := range edges {
		if e.Source.Name == name && !e.Conditional {
			return e, true
		}
	}
	return Edge{}, false
}

// Dedupe removes repeated edges, keeping first occurrences in order.
func Dedupe(edges []Edge) []Edge {
	type edgeKey struct {
		src, tgt string
		cond     bool
	}
	seen := make(map[edgeKey]struct{}, len(edges))
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		key := edgeKey{e.Source.Name, e.Target.Name, e.Conditional}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Order returns the agent and task nodes reachable from START in
// execution order. Unconditional edges are followed breadth-first and
// siblings are visited by name for determinism. Nodes unreachable from
// START are appended, sorted by name.
func Order(edges []Edge) []Node {
	succ := make(map[string][]Node)
	nodes := make(map[string]Node)
	for _, e := range edges {
		if e.Conditional {
			continue
		}
		succ[e.Source.Name] = append(succ[e.Source.Name], e.Target)
		for _, n := range []Node{e.Source, e.Target} {
			if n.Type == Agent || n.Type == Task {
				nodes[n.Name] = n
			}
		}
	}

	var order []Node
	visited := make(map[string]struct{})
	queue := []string{Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := succ[cur]
		sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })
		for _, n := range next {
			if _, ok := nodes[n.Name]; !ok {
				continue
			}
			if _, ok := visited[n.Name]; ok {
				continue
			}
			visited[n.Name] = struct{}{}
			order = append(order, n)
			queue = append(queue, n.Name)
		}
	}

	for _, name := range sortedKeys(nodes) {
		if _, ok := visited[name]; !ok {
			order = append(order, nodes[name])
		}
	}
	return order
}

func sortedKeys(m map[string]Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
