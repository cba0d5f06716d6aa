package grammar

import (
	"fmt"
	"log/slog"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/stackpatch/internal/finder"
	"github.com/phobologic/stackpatch/internal/lang"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

const (
	onTaskMarker = "agent_protocol.on_task"
	onStepMarker = "agent_protocol.on_step"

	// toolsModule is the package the entrypoint imports tools from.
	toolsModule = "tools"
)

// moduleRefs writes tools as attributes of the imported tools package:
// tools.name, or *tools.name for a bundle.
var moduleRefs = refStyle{
	match: finder.Attribute(toolsModule),
	render: func(tool model.ToolDescriptor) string {
		if tool.Bundled {
			return "*" + toolsModule + "." + tool.Name
		}
		return toolsModule + "." + tool.Name
	},
}

// ProtocolGrammar is the module-level agent-protocol layout: a FastAPI app,
// an AgentProtocol instance, on_task/on_step handlers and a single
// module-level tools list shared by every agent function. It does not
// generate agent or task members.
type ProtocolGrammar struct {
	log *slog.Logger
}

// AgentProtocol returns the agent-protocol grammar.
func AgentProtocol(logger *slog.Logger) *ProtocolGrammar {
	return &ProtocolGrammar{log: logger.With("framework", "agent_protocol")}
}

func (p *ProtocolGrammar) Name() string            { return "agent_protocol" }
func (p *ProtocolGrammar) DisplayName() string     { return "Agent Protocol" }
func (p *ProtocolGrammar) Entrypoint() string      { return "src/agent.py" }
func (p *ProtocolGrammar) ProviderNames() []string { return nil }

// ValidateProject checks the module-level assignments, then the handlers.
func (p *ProtocolGrammar) ValidateProject(doc *source.Document) (validation.State, error) {
	return validation.Run(
		validation.Check{Fail: validation.NoAnchorType, Run: func() error {
			for _, name := range []string{"app", "agent_protocol", "tools"} {
				if finder.FindAssignment(doc.Root(), doc.Bytes(), name) == nil {
					return p.missing(validation.AnchorType, fmt.Sprintf("`%s` assignment", name))
				}
			}
			return nil
		}},
		validation.Check{Fail: validation.NoAnchorMethod, Run: func() error {
			for _, marker := range []string{onTaskMarker, onStepMarker} {
				if p.handler(doc, marker) == nil {
					return p.missing(validation.AnchorMethod, fmt.Sprintf("`@%s` handler", marker))
				}
			}
			return nil
		}},
	)
}

func (p *ProtocolGrammar) missing(kind validation.AnchorKind, construct string) error {
	return &validation.MissingAnchorError{
		Framework: p.DisplayName(),
		Path:      p.Entrypoint(),
		Kind:      kind,
		Construct: construct,
	}
}

func (p *ProtocolGrammar) handler(doc *source.Document, marker string) *sitter.Node {
	for _, fn := range finder.Functions(doc.Root()) {
		if finder.HasMarker(fn, doc.Bytes(), marker) {
			return fn
		}
	}
	return nil
}

// AgentNames lists the undecorated module-level functions.
func (p *ProtocolGrammar) AgentNames(doc *source.Document) ([]string, error) {
	var names []string
	for _, fn := range finder.Functions(doc.Root()) {
		if len(finder.Decorators(fn)) == 0 {
			names = append(names, lang.DefinitionName(fn, doc.Bytes()))
		}
	}
	return names, nil
}

// TaskNames is empty: tasks arrive over the protocol at runtime.
func (p *ProtocolGrammar) TaskNames(*source.Document) ([]string, error) {
	return nil, nil
}

func (p *ProtocolGrammar) AddAgentMethod(*source.Document, model.AgentDescriptor) error {
	return &validation.UnsupportedOperationError{Framework: p.DisplayName(), Operation: "adding agent methods"}
}

func (p *ProtocolGrammar) AddTaskMethod(*source.Document, model.TaskDescriptor) error {
	return &validation.UnsupportedOperationError{Framework: p.DisplayName(), Operation: "adding task methods"}
}

// toolList returns the module-level tools list after checking that agent
// names a module-level function.
func (p *ProtocolGrammar) toolList(doc *source.Document, agent string) (*sitter.Node, error) {
	src := doc.Bytes()
	if finder.MethodByName(finder.Functions(doc.Root()), src, agent) == nil {
		return nil, &validation.UnknownMemberError{Framework: p.DisplayName(), Path: p.Entrypoint(), Kind: "agent", Name: agent}
	}
	assign := finder.FindAssignment(doc.Root(), src, "tools")
	if assign == nil {
		return nil, p.missing(validation.AnchorType, "`tools` assignment")
	}
	list := assign.ChildByFieldName("right")
	if list == nil || list.Type() != "list" {
		return nil, &validation.MissingCallOrArgumentError{
			Framework: p.DisplayName(),
			Path:      p.Entrypoint(),
			Method:    "<module>",
			Construct: "`tools` assignment",
			Detail:    "is not a list literal",
		}
	}
	return list, nil
}

func (p *ProtocolGrammar) AgentToolNames(doc *source.Document, agent string) ([]string, error) {
	list, err := p.toolList(doc, agent)
	if err != nil {
		return nil, err
	}
	return moduleRefs.names(doc, list), nil
}

func (p *ProtocolGrammar) AddAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error {
	list, err := p.toolList(doc, agent)
	if err != nil {
		return err
	}
	_, err = moduleRefs.add(doc, list, tool)
	return err
}

func (p *ProtocolGrammar) RemoveAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error {
	list, err := p.toolList(doc, agent)
	if err != nil {
		return err
	}
	removed, err := moduleRefs.remove(doc, list, tool)
	if err != nil {
		return err
	}
	if !removed {
		return &validation.UnknownMemberError{Framework: p.DisplayName(), Path: p.Entrypoint(), Kind: "tool", Name: tool.Name, Scope: agent}
	}
	return nil
}
