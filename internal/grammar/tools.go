package grammar

import (
	"bytes"
	"fmt"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/stackpatch/internal/finder"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

// ToolReference renders the list element that registers tool.
func ToolReference(tool model.ToolDescriptor) string {
	ref := fmt.Sprintf("%s['%s']", finder.ToolNamespace, tool.Name)
	if tool.Bundled {
		return "*" + ref
	}
	return ref
}

// agentMethod finds the agent method called name.
func (g *Grammar) agentMethod(doc *source.Document, name string) (*sitter.Node, error) {
	agents, err := g.members(doc, g.AgentMarker)
	if err != nil {
		return nil, err
	}
	m := finder.MethodByName(agents, doc.Bytes(), name)
	if m == nil {
		return nil, &validation.UnknownMemberError{Framework: g.Display, Path: g.Path, Kind: "agent", Name: name}
	}
	return m, nil
}

// toolList locates the list literal holding an agent's tools.
func (g *Grammar) toolList(doc *source.Document, agent string) (*sitter.Node, error) {
	method, err := g.agentMethod(doc, agent)
	if err != nil {
		return nil, err
	}
	return g.listArgument(doc, method, agent, g.ToolCall, g.ToolKeyword)
}

// listArgument finds call inside scope and returns the list literal passed
// as keyword, or as the first positional argument when keyword is empty.
func (g *Grammar) listArgument(doc *source.Document, scope *sitter.Node, method, call, keyword string) (*sitter.Node, error) {
	src := doc.Bytes()
	c := finder.FindCall(scope, src, call)
	if c == nil {
		return nil, &validation.MissingCallOrArgumentError{
			Framework: g.Display,
			Path:      g.Path,
			Method:    method,
			Construct: fmt.Sprintf("`%s` call", call),
		}
	}

	var value *sitter.Node
	construct := fmt.Sprintf("list argument to `%s`", call)
	if keyword != "" {
		construct = fmt.Sprintf("`%s` keyword argument", keyword)
		if kw := finder.KeywordArgument(c, src, keyword); kw != nil {
			value = kw.ChildByFieldName("value")
		}
	} else {
		value = finder.PositionalArgument(c, 0)
	}
	if value == nil {
		return nil, &validation.MissingCallOrArgumentError{
			Framework: g.Display,
			Path:      g.Path,
			Method:    method,
			Construct: construct,
		}
	}
	if value.Type() != "list" {
		return nil, &validation.MissingCallOrArgumentError{
			Framework: g.Display,
			Path:      g.Path,
			Method:    method,
			Construct: construct,
			Detail:    "is not a list literal",
		}
	}
	return value, nil
}

// AgentToolNames lists the tools referenced by an agent's tool list.
func (g *Grammar) AgentToolNames(doc *source.Document, agent string) ([]string, error) {
	list, err := g.toolList(doc, agent)
	if err != nil {
		return nil, err
	}
	return namespaceRefs.names(doc, list), nil
}

// AddAgentTools appends tool to the agent's tool list. Adding a tool that is
// already referenced leaves the document untouched.
func (g *Grammar) AddAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error {
	list, err := g.toolList(doc, agent)
	if err != nil {
		return err
	}
	_, err = namespaceRefs.add(doc, list, tool)
	return err
}

// RemoveAgentTools drops every reference to tool from the agent's tool list.
func (g *Grammar) RemoveAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error {
	list, err := g.toolList(doc, agent)
	if err != nil {
		return err
	}
	removed, err := namespaceRefs.remove(doc, list, tool)
	if err != nil {
		return err
	}
	if !removed {
		return &validation.UnknownMemberError{Framework: g.Display, Path: g.Path, Kind: "tool", Name: tool.Name, Scope: agent}
	}
	return nil
}

// refStyle is how a grammar writes tool references into a list literal.
type refStyle struct {
	match  finder.Matcher
	render func(model.ToolDescriptor) string
}

// namespaceRefs is the agentstack.tools['name'] form used by the class
// grammars.
var namespaceRefs = refStyle{match: finder.Subscript(finder.ToolNamespace), render: ToolReference}

func (r refStyle) names(doc *source.Document, list *sitter.Node) []string {
	refs := finder.References(list, doc.Bytes(), r.match)
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names
}

// add appends a reference to tool to list. It reports whether the
// document changed.
func (r refStyle) add(doc *source.Document, list *sitter.Node, tool model.ToolDescriptor) (bool, error) {
	for _, ref := range finder.References(list, doc.Bytes(), r.match) {
		if ref.Name == tool.Name {
			return false, nil
		}
	}
	return true, editList(doc, list, appendElement(doc, list, r.render(tool)))
}

// remove drops every reference to tool from list. It reports whether any
// reference was found.
func (r refStyle) remove(doc *source.Document, list *sitter.Node, tool model.ToolDescriptor) (bool, error) {
	src := doc.Bytes()
	elems := finder.ListElements(list)
	removed := make(map[int]bool)
	for i, el := range elems {
		if ref, ok := r.match(el, src); ok && ref.Name == tool.Name {
			removed[i] = true
		}
	}
	if len(removed) == 0 {
		return false, nil
	}
	var edits []model.Edit
	for i := range elems {
		if removed[i] {
			edits = append(edits, dropElement(doc, list, elems, i, removed)...)
		}
	}
	return true, editList(doc, list, edits)
}

// appendElement returns the edits that add text after the last element of
// list. A list written one element per line gets a new line; anything else
// gets the element inline. A trailing comma is kept if the list has one.
func appendElement(doc *source.Document, list *sitter.Node, text string) []model.Edit {
	elems := finder.ListElements(list)
	if len(elems) == 0 {
		at := int(list.StartByte()) + 1
		return []model.Edit{{Start: at, End: at, Text: text}}
	}
	last := elems[len(elems)-1]
	comma := finder.TrailingComma(list, last)
	after := int(last.EndByte())
	if comma != nil {
		after = int(comma.EndByte())
	}

	if ownLine(doc, list, last, after) {
		var edits []model.Edit
		line := "\n" + doc.Indentation(int(last.StartByte())) + text
		if comma != nil {
			line += ","
		} else {
			edits = append(edits, model.Edit{Start: after, End: after, Text: ","})
		}
		end := doc.LineEnd(after)
		return append(edits, model.Edit{Start: end, End: end, Text: line})
	}
	if comma != nil {
		return []model.Edit{{Start: after, End: after, Text: " " + text + ","}}
	}
	return []model.Edit{{Start: after, End: after, Text: ", " + text}}
}

// dropElement returns the deletions that take elems[i] out of list along
// with its separator. removed marks the elements being dropped in the same
// edit so that a run of them collapses cleanly.
func dropElement(doc *source.Document, list *sitter.Node, elems []*sitter.Node, i int, removed map[int]bool) []model.Edit {
	el := elems[i]
	start := int(el.StartByte())
	end := int(el.EndByte())
	comma := finder.TrailingComma(list, el)
	if comma != nil {
		end = int(comma.EndByte())
	}

	// comma of the nearest element before el that stays
	var keptComma *sitter.Node
	for j := i - 1; j >= 0; j-- {
		if !removed[j] {
			keptComma = finder.TrailingComma(list, elems[j])
			break
		}
	}
	isLast := true
	for j := i + 1; j < len(elems); j++ {
		if !removed[j] {
			isLast = false
			break
		}
	}

	src := doc.Bytes()
	if ownLine(doc, list, el, end) && len(bytes.TrimSpace(src[doc.LineStart(start):start])) == 0 {
		edits := []model.Edit{{Start: doc.LineStart(start), End: doc.NextLineStart(end)}}
		if comma == nil && isLast && keptComma != nil {
			edits = append(edits, model.Edit{Start: int(keptComma.StartByte()), End: int(keptComma.EndByte())})
		}
		return edits
	}

	switch {
	case !isLast || keptComma == nil:
		for end < len(src) && (src[end] == ' ' || src[end] == '\t') {
			end++
		}
		return []model.Edit{{Start: start, End: end}}
	case comma != nil:
		return []model.Edit{{Start: int(keptComma.EndByte()), End: end}}
	default:
		return []model.Edit{{Start: int(keptComma.StartByte()), End: end}}
	}
}

// ownLine reports whether el, whose text with its separator ends at end,
// sits on a line of its own inside list: below the opening bracket, above
// the closing one, and followed by nothing but an optional comment.
func ownLine(doc *source.Document, list, el *sitter.Node, end int) bool {
	if el.StartPoint().Row <= list.StartPoint().Row {
		return false
	}
	lineEnd := doc.LineEnd(end)
	if lineEnd >= int(list.EndByte())-1 {
		return false
	}
	rest := bytes.TrimSpace(doc.Bytes()[end:lineEnd])
	return len(rest) == 0 || rest[0] == '#'
}

// editList applies edits, given as offsets into the whole document, to the
// text of list and splices the result back in one step. Overlapping
// deletions are merged.
func editList(doc *source.Document, list *sitter.Node, edits []model.Edit) error {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].Start < edits[j].Start })
	var merged []model.Edit
	for _, e := range edits {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if e.Text == "" && prev.Text == "" && e.Start <= prev.End {
				prev.End = max(prev.End, e.End)
				continue
			}
		}
		merged = append(merged, e)
	}

	start, end := doc.NodeRange(list)
	text := string(doc.Bytes()[start:end])
	for i := len(merged) - 1; i >= 0; i-- {
		e := merged[i]
		text = text[:e.Start-start] + e.Text + text[e.End-start:]
	}
	return doc.Splice(start, end, text)
}
