// Package model defines core data structures for stackpatch.
package model

import "fmt"

// ConstructKind indicates the syntactic kind of a located construct.
type ConstructKind string

const (
	Type            ConstructKind = "type"
	Method          ConstructKind = "method"
	Call            ConstructKind = "call"
	KeywordArgument ConstructKind = "keyword_argument"
	ListElement     ConstructKind = "list_element"
	Import          ConstructKind = "import"
)

// ConstructReference is a snapshot of a located syntactic element.
// It is only valid for the document generation it was taken from.
type ConstructReference struct {
	Kind       ConstructKind
	Name       string
	Start      int
	End        int
	Generation uint64
}

func (r ConstructReference) String() string {
	return fmt.Sprintf("%s %s [%d:%d]", r.Kind, r.Name, r.Start, r.End)
}

// Edit replaces Source[Start:End] with Text.
type Edit struct {
	Start int
	End   int
	Text  string
}

// Position is where a new agent or task joins the run order of a graph
// framework. The zero value means End.
type Position string

const (
	End   Position = "end"
	Begin Position = "begin"
)

// ParsePosition accepts "begin" or "end"; an empty string is End.
func ParsePosition(s string) (Position, error) {
	switch Position(s) {
	case "", End:
		return End, nil
	case Begin:
		return Begin, nil
	}
	return "", fmt.Errorf("invalid position %q: want begin or end", s)
}

// AgentDescriptor describes an agent as recorded in the project's agent store.
type AgentDescriptor struct {
	Name      string
	Role      string
	Goal      string
	Backstory string
	Provider  string
	Model     string
	// Position is not stored; it only steers where the agent is wired.
	Position Position
}

// LLM returns the provider-qualified model identifier, e.g. "openai/gpt-4o".
func (a AgentDescriptor) LLM() string {
	if a.Provider == "" {
		return a.Model
	}
	return a.Provider + "/" + a.Model
}

// TaskDescriptor describes a task as recorded in the project's task store.
type TaskDescriptor struct {
	Name           string
	Description    string
	ExpectedOutput string
	Agent          string
	Position       Position
}

// ToolDescriptor describes a tool from the tool catalog.
type ToolDescriptor struct {
	Name      string
	Category  string
	URL       string
	Callables []string
	// Bundled tools expose their callables as a group and are referenced
	// with a spread prefix.
	Bundled bool
}

// Inspection is a read-only summary of a project: what the entrypoint
// defines, what the descriptor stores declare, and how they line up.
type Inspection struct {
	Project    string
	Framework  string
	Entrypoint string
	State      string
	Agents     []AgentInfo
	Tasks      []TaskInfo
	Tools      []ToolInfo
	Edges      []GraphEdge
	// Order is the execution order derived from Edges.
	Order []string
}

// AgentInfo is one agent as seen in the entrypoint and agent store.
type AgentInfo struct {
	Name     string
	LLM      string
	Tools    []string
	Declared bool // present in agents.yaml
	Defined  bool // present in the entrypoint
}

// TaskInfo is one task as seen in the entrypoint and task store.
type TaskInfo struct {
	Name     string
	Agent    string
	Declared bool
	Defined  bool
}

// ToolInfo is an installed tool and the agents that reference it.
type ToolInfo struct {
	Name     string
	Category string
	Agents   []string
}

// GraphEdge is a flattened state-graph edge.
type GraphEdge struct {
	Source      string
	Target      string
	Conditional bool
}

// ParseResult is the outcome of parsing one project file.
type ParseResult struct {
	Path   string
	Line   int
	Column int
	Err    string // empty when the file parsed cleanly
}
