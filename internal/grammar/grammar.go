package grammar

import (
	"bytes"
	"embed"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"text/template"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/stackpatch/internal/finder"
	"github.com/phobologic/stackpatch/internal/lang"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

//go:embed templates
var templateFS embed.FS

// Grammar is a class-based framework layout: an anchor type holding marked
// agent and task methods plus an anchor method that runs them. Framework
// constructors fill in the fields; the zero value is not usable.
type Grammar struct {
	ID      string
	Display string
	Path    string

	// The anchor type is found by decorator when TypeMarker is set and by
	// name otherwise.
	TypeMarker    string
	TypePattern   *regexp.Regexp
	TypeConstruct string

	// The anchor method is found by decorator when MethodMarker is set and
	// by name otherwise.
	MethodMarker    string
	MethodName      string
	MethodConstruct string
	RequireInputs   bool

	AgentMarker string
	TaskMarker  string

	// ToolCall is the call holding an agent's tool list: in its ToolKeyword
	// argument, or in its first positional argument when ToolKeyword is empty.
	ToolCall    string
	ToolKeyword string

	// Providers restricts the accepted model vendors; nil accepts any.
	// ImportProvider adds the provider's import when an agent is added.
	Providers      map[string]Provider
	ImportProvider bool

	agentTmpl *template.Template
	taskTmpl  *template.Template
	log       *slog.Logger
}

type memberData struct {
	Name  string
	Class string
	Agent string
}

func (g *Grammar) loadTemplates() {
	g.agentTmpl = template.Must(template.ParseFS(templateFS, "templates/"+g.ID+"/agent.py.tmpl"))
	g.taskTmpl = template.Must(template.ParseFS(templateFS, "templates/"+g.ID+"/task.py.tmpl"))
}

func (g *Grammar) Name() string        { return g.ID }
func (g *Grammar) DisplayName() string { return g.Display }
func (g *Grammar) Entrypoint() string  { return g.Path }

// ProviderNames lists the accepted providers, sorted. Nil means any.
func (g *Grammar) ProviderNames() []string {
	if g.Providers == nil {
		return nil
	}
	names := make([]string, 0, len(g.Providers))
	for n := range g.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateProject runs the anchor checklist against doc.
func (g *Grammar) ValidateProject(doc *source.Document) (validation.State, error) {
	var cls *sitter.Node
	return validation.Run(
		validation.Check{Fail: validation.NoAnchorType, Run: func() (err error) {
			cls, err = g.anchorType(doc)
			return err
		}},
		validation.Check{Fail: validation.NoAnchorMethod, Run: func() error {
			_, err := g.anchorMethod(doc, cls)
			return err
		}},
		validation.Check{Fail: validation.NoTaskMembers, Run: func() error {
			return g.requireMembers(doc, cls, g.TaskMarker, "task")
		}},
		validation.Check{Fail: validation.NoAgentMembers, Run: func() error {
			return g.requireMembers(doc, cls, g.AgentMarker, "agent")
		}},
	)
}

func (g *Grammar) requireMembers(doc *source.Document, cls *sitter.Node, marker, kind string) error {
	if len(finder.MethodsWithMarker(cls, doc.Bytes(), marker)) > 0 {
		return nil
	}
	return &validation.NoMarkedMembersError{
		Framework: g.Display,
		Path:      g.Path,
		Type:      lang.DefinitionName(cls, doc.Bytes()),
		Marker:    marker,
		Hint:      fmt.Sprintf("Create a new %s using `stackpatch %s add <name>`.", kind, kind),
	}
}

func (g *Grammar) anchorType(doc *source.Document) (*sitter.Node, error) {
	var types []*sitter.Node
	if g.TypeMarker != "" {
		types = finder.TypesWithMarker(doc.Root(), doc.Bytes(), g.TypeMarker)
	} else {
		types = finder.TypesByNamePattern(doc.Root(), doc.Bytes(), g.TypePattern)
	}
	if len(types) == 0 {
		return nil, &validation.MissingAnchorError{
			Framework: g.Display,
			Path:      g.Path,
			Kind:      validation.AnchorType,
			Construct: g.TypeConstruct,
		}
	}
	return types[0], nil
}

func (g *Grammar) anchorMethod(doc *source.Document, cls *sitter.Node) (*sitter.Node, error) {
	src := doc.Bytes()
	var method *sitter.Node
	if g.MethodMarker != "" {
		if ms := finder.MethodsWithMarker(cls, src, g.MethodMarker); len(ms) > 0 {
			method = ms[0]
		}
	} else {
		method = finder.MethodByName(finder.Methods(cls), src, g.MethodName)
	}
	clsName := lang.DefinitionName(cls, src)
	if method == nil {
		return nil, &validation.MissingAnchorError{
			Framework: g.Display,
			Path:      g.Path,
			Kind:      validation.AnchorMethod,
			Construct: g.MethodConstruct,
			Scope:     clsName,
		}
	}
	if g.RequireInputs && !slices.Contains(finder.ParameterNames(method, src), "inputs") {
		return nil, &validation.SignatureMismatchError{
			Framework: g.Display,
			Path:      g.Path,
			Type:      clsName,
			Method:    lang.DefinitionName(method, src),
			Parameter: "inputs",
		}
	}
	return method, nil
}

// members returns the anchor type's methods carrying marker.
func (g *Grammar) members(doc *source.Document, marker string) ([]*sitter.Node, error) {
	cls, err := g.anchorType(doc)
	if err != nil {
		return nil, err
	}
	return finder.MethodsWithMarker(cls, doc.Bytes(), marker), nil
}

func (g *Grammar) memberNames(doc *source.Document, marker string) ([]string, error) {
	methods, err := g.members(doc, marker)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, lang.DefinitionName(m, doc.Bytes()))
	}
	return names, nil
}

// AgentNames lists agent methods in declaration order.
func (g *Grammar) AgentNames(doc *source.Document) ([]string, error) {
	return g.memberNames(doc, g.AgentMarker)
}

// TaskNames lists task methods in declaration order.
func (g *Grammar) TaskNames(doc *source.Document) ([]string, error) {
	return g.memberNames(doc, g.TaskMarker)
}

func (g *Grammar) provider(name string) (Provider, error) {
	if g.Providers == nil {
		return Provider{}, nil
	}
	p, ok := g.Providers[name]
	if !ok {
		return Provider{}, &validation.UnsupportedProviderError{
			Framework: g.Display,
			Provider:  name,
			Supported: g.ProviderNames(),
		}
	}
	return p, nil
}

// AddAgentMethod inserts a new agent method rendered from the framework
// template. Class grammars have no run order, so only End is accepted.
func (g *Grammar) AddAgentMethod(doc *source.Document, agent model.AgentDescriptor) error {
	if agent.Position == model.Begin {
		return g.unorderedError()
	}
	return g.addAgentMethod(doc, agent)
}

func (g *Grammar) addAgentMethod(doc *source.Document, agent model.AgentDescriptor) error {
	p, err := g.provider(agent.Provider)
	if err != nil {
		return err
	}
	if g.ImportProvider && p.Module != "" {
		if err := AddImport(doc, p.Module, p.Class); err != nil {
			return err
		}
	}
	return g.insertMember(doc, g.AgentMarker, "agent", g.agentTmpl, memberData{Name: agent.Name, Class: p.Class})
}

// AddTaskMethod inserts a new task method rendered from the framework
// template.
func (g *Grammar) AddTaskMethod(doc *source.Document, task model.TaskDescriptor) error {
	if task.Position == model.Begin {
		return g.unorderedError()
	}
	return g.addTaskMethod(doc, task)
}

func (g *Grammar) addTaskMethod(doc *source.Document, task model.TaskDescriptor) error {
	return g.insertMember(doc, g.TaskMarker, "task", g.taskTmpl, memberData{Name: task.Name, Agent: task.Agent})
}

func (g *Grammar) unorderedError() error {
	return &validation.UnsupportedOperationError{Framework: g.Display, Operation: "inserting at the beginning of the run order"}
}

// insertMember places a new member after the last member with the same
// marker, or before the anchor method when there is none.
func (g *Grammar) insertMember(doc *source.Document, marker, kind string, tmpl *template.Template, data memberData) error {
	cls, err := g.anchorType(doc)
	if err != nil {
		return err
	}
	src := doc.Bytes()
	if finder.MethodByName(finder.Methods(cls), src, data.Name) != nil {
		return &validation.DuplicateMemberError{Framework: g.Display, Path: g.Path, Kind: kind, Name: data.Name}
	}

	var pos int
	if existing := finder.MethodsWithMarker(cls, src, marker); len(existing) > 0 {
		last := finder.Outer(existing[len(existing)-1])
		pos = doc.NextLineStart(doc.ContentEnd(last))
	} else {
		method, err := g.anchorMethod(doc, cls)
		if err != nil {
			return err
		}
		// keep a comment introducing the anchor attached to it
		pos = doc.LeadingComments(doc.LineStart(int(finder.Outer(method).StartByte())))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("rendering %s %s: %w", g.ID, kind, err)
	}
	if err := doc.InsertLines(pos, buf.String()); err != nil {
		return err
	}
	g.log.Debug("inserted member", "framework", g.ID, "kind", kind, "name", data.Name, "offset", pos)
	return nil
}

// AddImport adds "from module import name" after the last module-level
// import unless an equivalent import already exists.
func AddImport(doc *source.Document, module, name string) error {
	if finder.FindImport(doc.Root(), doc.Bytes(), module, name) != nil {
		return nil
	}
	line := fmt.Sprintf("from %s import %s\n", module, name)
	pos := 0
	if imports := finder.Imports(doc.Root()); len(imports) > 0 {
		last := imports[len(imports)-1]
		pos = doc.NextLineStart(int(last.EndByte()))
		if pos == len(doc.Bytes()) && !strings.HasSuffix(doc.String(), "\n") {
			line = "\n" + line
		}
	}
	return doc.Splice(pos, pos, line)
}
