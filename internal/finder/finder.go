// Package finder locates structural constructs in a parsed Python tree.
//
// Every finder is read-only and reports absence as nil or an empty slice;
// deciding whether absence is an error is left to the caller.
package finder

import (
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/stackpatch/internal/lang"
)

// ToolNamespace is the expression that prefixes every tool reference.
const ToolNamespace = "agentstack.tools"

// Reference is a tool list element such as NS['name'], module.name, or
// either one spread with a leading '*'.
type Reference struct {
	Node   *sitter.Node
	Name   string
	Spread bool
}

// Types returns every module-level class definition in declaration order.
func Types(root *sitter.Node) []*sitter.Node {
	return definitions(root, "class_definition")
}

// TypesWithMarker returns module-level classes decorated with marker.
func TypesWithMarker(root *sitter.Node, src []byte, marker string) []*sitter.Node {
	var out []*sitter.Node
	for _, cls := range Types(root) {
		if HasMarker(cls, src, marker) {
			out = append(out, cls)
		}
	}
	return out
}

// TypesByNamePattern returns module-level classes whose name matches pattern.
func TypesByNamePattern(root *sitter.Node, src []byte, pattern *regexp.Regexp) []*sitter.Node {
	var out []*sitter.Node
	for _, cls := range Types(root) {
		if pattern.MatchString(lang.DefinitionName(cls, src)) {
			out = append(out, cls)
		}
	}
	return out
}

// Functions returns every module-level function definition.
func Functions(root *sitter.Node) []*sitter.Node {
	return definitions(root, "function_definition")
}

// Methods returns the function definitions directly inside a class body.
func Methods(typeNode *sitter.Node) []*sitter.Node {
	if typeNode == nil {
		return nil
	}
	body := typeNode.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	return definitions(body, "function_definition")
}

// MethodsWithMarker returns the methods of typeNode decorated with marker.
func MethodsWithMarker(typeNode *sitter.Node, src []byte, marker string) []*sitter.Node {
	var out []*sitter.Node
	for _, m := range Methods(typeNode) {
		if HasMarker(m, src, marker) {
			out = append(out, m)
		}
	}
	return out
}

// MethodByName returns the first definition in defs named name.
func MethodByName(defs []*sitter.Node, src []byte, name string) *sitter.Node {
	for _, d := range defs {
		if lang.DefinitionName(d, src) == name {
			return d
		}
	}
	return nil
}

// ParameterNames lists the declared parameter names of a function definition.
func ParameterNames(fn *sitter.Node, src []byte) []string {
	if fn == nil {
		return nil
	}
	params := fn.ChildByFieldName("parameters")
	if params == nil {
		return nil
	}
	var names []string
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		switch p.Type() {
		case "identifier":
			names = append(names, lang.NodeText(p, src))
		case "typed_parameter":
			if id := p.NamedChild(0); id != nil && id.Type() == "identifier" {
				names = append(names, lang.NodeText(id, src))
			}
		case "default_parameter", "typed_default_parameter":
			if id := p.ChildByFieldName("name"); id != nil {
				names = append(names, lang.NodeText(id, src))
			}
		}
	}
	return names
}

// Outer returns the decorated_definition wrapping def, or def itself. Its
// range is the one to use when inserting before or after a definition.
func Outer(def *sitter.Node) *sitter.Node {
	if p := def.Parent(); p != nil && p.Type() == "decorated_definition" {
		return p
	}
	return def
}

// Decorators returns the decorator nodes attached to a definition.
func Decorators(def *sitter.Node) []*sitter.Node {
	p := def.Parent()
	if p == nil || p.Type() != "decorated_definition" {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(p.NamedChildCount()); i++ {
		if c := p.NamedChild(i); c.Type() == "decorator" {
			out = append(out, c)
		}
	}
	return out
}

// DecoratorName returns the dotted name of a decorator, dropping any call
// arguments: "@agent_protocol.on_task()" yields "agent_protocol.on_task".
func DecoratorName(dec *sitter.Node, src []byte) string {
	expr := dec.NamedChild(0)
	if expr == nil {
		return ""
	}
	if expr.Type() == "call" {
		expr = expr.ChildByFieldName("function")
	}
	return strings.Join(strings.Fields(lang.NodeText(expr, src)), "")
}

// HasMarker reports whether def carries a decorator named marker.
func HasMarker(def *sitter.Node, src []byte, marker string) bool {
	for _, d := range Decorators(def) {
		if DecoratorName(d, src) == marker {
			return true
		}
	}
	return false
}

// FindCalls returns the calls under scope whose callee name is callee, in
// source order. The callee of "self.graph.add_edge(...)" is "add_edge".
func FindCalls(scope *sitter.Node, src []byte, callee string) []*sitter.Node {
	if scope == nil {
		return nil
	}
	query, err := lang.Python().GetCallQuery()
	if err != nil {
		return nil
	}
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, scope)

	var calls []*sitter.Node
	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		var call, name *sitter.Node
		for _, c := range match.Captures {
			switch query.CaptureNameForId(c.Index) {
			case "call":
				call = c.Node
			case "callee":
				name = c.Node
			}
		}
		if call != nil && name != nil && lang.NodeText(name, src) == callee {
			calls = append(calls, call)
		}
	}
	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].StartByte() < calls[j].StartByte()
	})
	return calls
}

// FindCall returns the first call under scope named callee.
func FindCall(scope *sitter.Node, src []byte, callee string) *sitter.Node {
	if calls := FindCalls(scope, src, callee); len(calls) > 0 {
		return calls[0]
	}
	return nil
}

// KeywordArgument returns the keyword_argument node for name in call.
func KeywordArgument(call *sitter.Node, src []byte, name string) *sitter.Node {
	for _, arg := range arguments(call) {
		if arg.Type() != "keyword_argument" {
			continue
		}
		if n := arg.ChildByFieldName("name"); n != nil && lang.NodeText(n, src) == name {
			return arg
		}
	}
	return nil
}

// PositionalArgument returns the index-th positional argument of call.
func PositionalArgument(call *sitter.Node, index int) *sitter.Node {
	i := 0
	for _, arg := range arguments(call) {
		if arg.Type() == "keyword_argument" || arg.Type() == "dictionary_splat" {
			continue
		}
		if i == index {
			return arg
		}
		i++
	}
	return nil
}

// PositionalArguments returns all positional arguments of call.
func PositionalArguments(call *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for _, arg := range arguments(call) {
		if arg.Type() != "keyword_argument" && arg.Type() != "dictionary_splat" {
			out = append(out, arg)
		}
	}
	return out
}

func arguments(call *sitter.Node) []*sitter.Node {
	if call == nil {
		return nil
	}
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		if c := args.NamedChild(i); c.Type() != "comment" {
			out = append(out, c)
		}
	}
	return out
}

// ListElements returns the elements of a list literal, skipping comments.
// Anything that is not a list yields nil.
func ListElements(list *sitter.Node) []*sitter.Node {
	if list == nil || list.Type() != "list" {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(list.NamedChildCount()); i++ {
		if c := list.NamedChild(i); c.Type() != "comment" {
			out = append(out, c)
		}
	}
	return out
}

// Matcher recognizes a single list element as a tool reference.
type Matcher func(el *sitter.Node, src []byte) (Reference, bool)

// Subscript matches namespace['name'] references.
func Subscript(namespace string) Matcher {
	return func(el *sitter.Node, src []byte) (Reference, bool) {
		expr, spread := unspread(el)
		if expr == nil || expr.Type() != "subscript" {
			return Reference{}, false
		}
		value := expr.ChildByFieldName("value")
		key := expr.ChildByFieldName("subscript")
		if value == nil || key == nil || lang.CollapseWhitespace(lang.NodeText(value, src)) != namespace {
			return Reference{}, false
		}
		name, ok := StringValue(key, src)
		if !ok {
			return Reference{}, false
		}
		return Reference{Node: el, Name: name, Spread: spread}, true
	}
}

// Attribute matches module.name references.
func Attribute(module string) Matcher {
	return func(el *sitter.Node, src []byte) (Reference, bool) {
		expr, spread := unspread(el)
		if expr == nil || expr.Type() != "attribute" {
			return Reference{}, false
		}
		obj := expr.ChildByFieldName("object")
		attr := expr.ChildByFieldName("attribute")
		if obj == nil || attr == nil || obj.Type() != "identifier" || lang.NodeText(obj, src) != module {
			return Reference{}, false
		}
		return Reference{Node: el, Name: lang.NodeText(attr, src), Spread: spread}, true
	}
}

// References keeps the list elements match accepts.
func References(list *sitter.Node, src []byte, match Matcher) []Reference {
	var refs []Reference
	for _, el := range ListElements(list) {
		if ref, ok := match(el, src); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func unspread(el *sitter.Node) (*sitter.Node, bool) {
	if el.Type() == "list_splat" {
		return el.NamedChild(0), true
	}
	return el, false
}

// TrailingComma returns the comma token that follows el inside list, or nil.
func TrailingComma(list, el *sitter.Node) *sitter.Node {
	found := false
	for i := 0; i < int(list.ChildCount()); i++ {
		c := list.Child(i)
		if !found {
			found = c.StartByte() == el.StartByte() && c.EndByte() == el.EndByte()
			continue
		}
		switch c.Type() {
		case "comment":
			continue
		case ",":
			return c
		}
		return nil
	}
	return nil
}

// Imports returns the module-level import statements.
func Imports(root *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(root.NamedChildCount()); i++ {
		switch c := root.NamedChild(i); c.Type() {
		case "import_statement", "import_from_statement", "future_import_statement":
			out = append(out, c)
		}
	}
	return out
}

// FindImport returns the "from module import name" statement that imports
// name from module, or nil.
func FindImport(root *sitter.Node, src []byte, module, name string) *sitter.Node {
	for _, imp := range Imports(root) {
		if imp.Type() != "import_from_statement" {
			continue
		}
		mod := imp.ChildByFieldName("module_name")
		if mod == nil || lang.NodeText(mod, src) != module {
			continue
		}
		for _, n := range importedNames(imp, mod) {
			if lang.NodeText(n, src) == name {
				return imp
			}
		}
	}
	return nil
}

func importedNames(imp, mod *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(imp.NamedChildCount()); i++ {
		c := imp.NamedChild(i)
		if c.StartByte() == mod.StartByte() && c.EndByte() == mod.EndByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			out = append(out, c)
		case "aliased_import":
			if n := c.ChildByFieldName("name"); n != nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// Defines reports whether name is bound at module level by a function or
// class definition, an assignment or a from-import.
func Defines(root *sitter.Node, src []byte, name string) bool {
	if MethodByName(Functions(root), src, name) != nil || MethodByName(Types(root), src, name) != nil {
		return true
	}
	if FindAssignment(root, src, name) != nil {
		return true
	}
	for _, imp := range Imports(root) {
		mod := imp.ChildByFieldName("module_name")
		if imp.Type() != "import_from_statement" || mod == nil {
			continue
		}
		for _, n := range importedNames(imp, mod) {
			bound := n
			if p := n.Parent(); p != nil && p.Type() == "aliased_import" {
				bound = p.ChildByFieldName("alias")
			}
			if bound != nil && lang.NodeText(bound, src) == name {
				return true
			}
		}
	}
	return false
}

// FindAssignment returns the first assignment statement directly in scope
// (a module or a block) whose target is the identifier name.
func FindAssignment(scope *sitter.Node, src []byte, name string) *sitter.Node {
	if scope == nil {
		return nil
	}
	for i := 0; i < int(scope.NamedChildCount()); i++ {
		stmt := scope.NamedChild(i)
		if stmt.Type() != "expression_statement" {
			continue
		}
		assign := stmt.NamedChild(0)
		if assign == nil || assign.Type() != "assignment" {
			continue
		}
		if left := assign.ChildByFieldName("left"); left != nil && lang.NodeText(left, src) == name {
			return assign
		}
	}
	return nil
}

// StringValue returns the contents of a plain string literal. Prefixed,
// f-strings and concatenations are rejected.
func StringValue(node *sitter.Node, src []byte) (string, bool) {
	if node == nil || node.Type() != "string" {
		return "", false
	}
	text := lang.NodeText(node, src)
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(text) >= 2*len(q) && strings.HasPrefix(text, q) && strings.HasSuffix(text, q) {
			return text[len(q) : len(text)-len(q)], true
		}
	}
	return "", false
}

// definitions returns the named children of scope of the given type, looking
// through decorated_definition wrappers.
func definitions(scope *sitter.Node, typ string) []*sitter.Node {
	if scope == nil {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(scope.NamedChildCount()); i++ {
		c := scope.NamedChild(i)
		if c.Type() == "decorated_definition" {
			c = c.ChildByFieldName("definition")
			if c == nil {
				continue
			}
		}
		if c.Type() == typ {
			out = append(out, c)
		}
	}
	return out
}
