// Package grammar encodes where each target framework keeps its agents,
// tasks and tool lists inside the generated entrypoint file, and edits
// those locations through a source.Document.
package grammar

import (
	"log/slog"
	"sort"

	"github.com/phobologic/stackpatch/internal/graph"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

// Adapter is the operation set every framework grammar implements. All
// operations act on an open document; callers own the session.
type Adapter interface {
	Name() string
	DisplayName() string
	// Entrypoint is the project-relative path of the file the grammar edits.
	Entrypoint() string
	ProviderNames() []string

	ValidateProject(doc *source.Document) (validation.State, error)
	AgentNames(doc *source.Document) ([]string, error)
	TaskNames(doc *source.Document) ([]string, error)

	AddAgentMethod(doc *source.Document, agent model.AgentDescriptor) error
	AddTaskMethod(doc *source.Document, task model.TaskDescriptor) error

	AgentToolNames(doc *source.Document, agent string) ([]string, error)
	AddAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error
	RemoveAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error
}

// GraphAdapter is implemented by grammars that wire members into an
// explicit state graph.
type GraphAdapter interface {
	Adapter
	Graph(doc *source.Document) ([]graph.Edge, error)
}

// Provider maps a model vendor to the class that wraps it and the module
// the class is imported from.
type Provider struct {
	Class  string
	Module string
}

// Registry maps framework ids to adapters. It is built once at startup
// and shared read-only.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding every supported framework.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(CrewAI(logger))
	r.Register(LangGraph(logger))
	r.Register(OpenAISwarm(logger))
	r.Register(LlamaIndex(logger))
	r.Register(AgentProtocol(logger))
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter for a framework id.
func (r *Registry) Lookup(id string) (Adapter, error) {
	if a, ok := r.adapters[id]; ok {
		return a, nil
	}
	return nil, &validation.UnknownFrameworkError{Framework: id, Supported: r.Names()}
}

// Names returns the registered framework ids, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
