package grammar

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/stackpatch/internal/finder"
	"github.com/phobologic/stackpatch/internal/graph"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

// GraphGrammar is the state-graph grammar. Besides the class layout it
// keeps the graph wiring in the run method in step with the members, and
// registers tools both on the agent's bind_tools call and on the global
// ToolNode.
type GraphGrammar struct {
	*Grammar
}

// LangGraph returns the state-graph grammar.
func LangGraph(logger *slog.Logger) *GraphGrammar {
	g := &Grammar{
		ID:              "langgraph",
		Display:         "LangGraph",
		Path:            "src/graph.py",
		TypePattern:     regexp.MustCompile(`\w+Graph$`),
		TypeConstruct:   "`<FooBar>Graph` class",
		MethodName:      "run",
		MethodConstruct: "`run` method",
		RequireInputs:   true,
		AgentMarker:     stackMarkerAgent,
		TaskMarker:      stackMarkerTask,
		ToolCall:        "bind_tools",
		Providers: map[string]Provider{
			"openai":      {Class: "ChatOpenAI", Module: "langchain_openai"},
			"deepseek":    {Class: "ChatDeepSeek", Module: "langchain_deepseek_official"},
			"anthropic":   {Class: "ChatAnthropic", Module: "langchain_anthropic"},
			"google":      {Class: "ChatGoogleGenerativeAI", Module: "langchain_google_genai"},
			"huggingface": {Class: "ChatHuggingFace", Module: "langchain_huggingface"},
			"microsoft":   {Class: "AzureChatOpenAI", Module: "langchain_openai"},
			"mistral":     {Class: "ChatMistralAI", Module: "langchain_mistralai.chat_models"},
			"ollama":      {Class: "ChatOllama", Module: "langchain_ollama.chat_models"},
			"groq":        {Class: "ChatGroq", Module: "langchain_groq"},
		},
		ImportProvider: true,
		log:            logger.With("framework", "langgraph"),
	}
	g.loadTemplates()
	return &GraphGrammar{Grammar: g}
}

// AddAgentMethod adds the agent method, its graph node, the edges to and
// from the tool node, and makes the agent the last step before END, or the
// first after START when agent.Position is Begin.
func (s *GraphGrammar) AddAgentMethod(doc *source.Document, agent model.AgentDescriptor) error {
	if err := s.addAgentMethod(doc, agent); err != nil {
		return err
	}
	if err := s.AddGraphNode(doc, agent.Name); err != nil {
		return err
	}
	node := graph.Node{Name: agent.Name, Type: graph.Agent}
	if err := s.AddGraphEdge(doc, graph.Edge{Source: graph.Node{Name: graph.Tools, Type: graph.ToolSet}, Target: node}); err != nil {
		return err
	}
	cond := graph.Edge{Source: node, Target: graph.Node{Name: graph.ToolsCondition, Type: graph.Special}, Conditional: true}
	if err := s.AddConditionalEdge(doc, cond); err != nil {
		return err
	}
	return s.link(doc, node, agent.Position)
}

// AddTaskMethod adds the task method and its graph node, and places the
// task in the run order like AddAgentMethod.
func (s *GraphGrammar) AddTaskMethod(doc *source.Document, task model.TaskDescriptor) error {
	if err := s.addTaskMethod(doc, task); err != nil {
		return err
	}
	if err := s.AddGraphNode(doc, task.Name); err != nil {
		return err
	}
	return s.link(doc, graph.Node{Name: task.Name, Type: graph.Task}, task.Position)
}

func (s *GraphGrammar) link(doc *source.Document, node graph.Node, pos model.Position) error {
	if pos == model.Begin {
		return s.prependToStart(doc, node)
	}
	return s.appendToEnd(doc, node)
}

// appendToEnd rewires "prev -> END" into "prev -> node -> END". A graph
// with nothing leaving START gets "START -> node" instead.
func (s *GraphGrammar) appendToEnd(doc *source.Document, node graph.Node) error {
	edges, err := s.Graph(doc)
	if err != nil {
		return err
	}
	if prev, ok := graph.Into(edges, graph.End); ok {
		if err := s.RemoveGraphEdge(doc, prev); err != nil {
			return err
		}
		if err := s.AddGraphEdge(doc, graph.Edge{Source: prev.Source, Target: node}); err != nil {
			return err
		}
	} else if !leavesStart(edges) {
		start := graph.Node{Name: graph.Start, Type: graph.Special}
		if err := s.AddGraphEdge(doc, graph.Edge{Source: start, Target: node}); err != nil {
			return err
		}
	} else {
		s.log.Warn("could not find an edge into END to replace", "path", s.Path, "node", node.Name)
	}
	return s.AddGraphEdge(doc, graph.Edge{Source: node, Target: graph.Node{Name: graph.End, Type: graph.Special}})
}

// prependToStart rewires "START -> next" into "START -> node -> next". A
// graph with nothing entering END gets "node -> END" instead.
func (s *GraphGrammar) prependToStart(doc *source.Document, node graph.Node) error {
	edges, err := s.Graph(doc)
	if err != nil {
		return err
	}
	if next, ok := graph.OutOf(edges, graph.Start); ok {
		if err := s.RemoveGraphEdge(doc, next); err != nil {
			return err
		}
		if err := s.AddGraphEdge(doc, graph.Edge{Source: node, Target: next.Target}); err != nil {
			return err
		}
	} else if _, ok := graph.Into(edges, graph.End); !ok {
		end := graph.Node{Name: graph.End, Type: graph.Special}
		if err := s.AddGraphEdge(doc, graph.Edge{Source: node, Target: end}); err != nil {
			return err
		}
	} else {
		s.log.Warn("could not find an edge out of START to replace", "path", s.Path, "node", node.Name)
	}
	return s.AddGraphEdge(doc, graph.Edge{Source: graph.Node{Name: graph.Start, Type: graph.Special}, Target: node})
}

func leavesStart(edges []graph.Edge) bool {
	for _, e := range edges {
		if e.Source.Name == graph.Start {
			return true
		}
	}
	return false
}

func (s *GraphGrammar) runMethod(doc *source.Document) (*sitter.Node, error) {
	cls, err := s.anchorType(doc)
	if err != nil {
		return nil, err
	}
	return s.anchorMethod(doc, cls)
}

type edgeCall struct {
	call        *sitter.Node
	source      string
	target      string
	conditional bool
}

// edgeCalls returns the add_edge and add_conditional_edges calls in the run
// method, in source order. Edges touching the tool node are skipped unless
// includeTools is set.
func (s *GraphGrammar) edgeCalls(doc *source.Document, run *sitter.Node, includeTools bool) ([]edgeCall, error) {
	src := doc.Bytes()
	var out []edgeCall
	collect := func(callee string, conditional bool) error {
		for _, c := range finder.FindCalls(run, src, callee) {
			args := finder.PositionalArguments(c)
			if len(args) < 2 || (!conditional && len(args) != 2) {
				return fmt.Errorf("%s: invalid `%s` call in %s", s.Display, callee, s.Path)
			}
			from, ok1 := graph.EndpointName(doc.Text(args[0]))
			to, ok2 := graph.EndpointName(doc.Text(args[1]))
			if !ok1 || !ok2 {
				return fmt.Errorf("%s: could not determine graph nodes of `%s` in %s", s.Display, doc.Text(c), s.Path)
			}
			if !includeTools && (from == graph.Tools || to == graph.Tools) {
				continue
			}
			out = append(out, edgeCall{call: c, source: from, target: to, conditional: conditional})
		}
		return nil
	}
	if err := collect("add_edge", false); err != nil {
		return nil, err
	}
	if err := collect("add_conditional_edges", true); err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b edgeCall) int {
		return int(a.call.StartByte()) - int(b.call.StartByte())
	})
	return out, nil
}

// Graph returns the edges wired in the run method, excluding the plumbing
// around the tool node. Node types are resolved against the entrypoint's
// agent and task methods.
func (s *GraphGrammar) Graph(doc *source.Document) ([]graph.Edge, error) {
	run, err := s.runMethod(doc)
	if err != nil {
		return nil, err
	}
	agents, err := s.AgentNames(doc)
	if err != nil {
		return nil, err
	}
	tasks, err := s.TaskNames(doc)
	if err != nil {
		return nil, err
	}
	classify := graph.NewClassifier(agents, tasks)

	calls, err := s.edgeCalls(doc, run, false)
	if err != nil {
		return nil, err
	}
	edges := make([]graph.Edge, 0, len(calls))
	for _, ec := range calls {
		from, err := classify.Node(ec.source)
		if err != nil {
			return nil, fmt.Errorf("%s: %w in %s", s.Display, err, s.Path)
		}
		to, err := classify.Node(ec.target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w in %s", s.Display, err, s.Path)
		}
		edges = append(edges, graph.Edge{Source: from, Target: to, Conditional: ec.conditional})
	}
	return edges, nil
}

// nodeAnchor is the statement new add_node calls follow: the last add_node
// call, or the StateGraph instantiation.
func (s *GraphGrammar) nodeAnchor(doc *source.Document, run *sitter.Node) (*sitter.Node, error) {
	src := doc.Bytes()
	if nodes := finder.FindCalls(run, src, "add_node"); len(nodes) > 0 {
		return nodes[len(nodes)-1], nil
	}
	if c := finder.FindCall(run, src, "StateGraph"); c != nil {
		return c, nil
	}
	return nil, &validation.MissingCallOrArgumentError{
		Framework: s.Display,
		Path:      s.Path,
		Method:    s.MethodName,
		Construct: "`StateGraph` call",
	}
}

// edgeAnchor is the statement new edges follow: the last edge call, or
// the node anchor.
func (s *GraphGrammar) edgeAnchor(doc *source.Document, run *sitter.Node) (*sitter.Node, error) {
	calls, err := s.edgeCalls(doc, run, true)
	if err != nil {
		return nil, err
	}
	if len(calls) > 0 {
		return calls[len(calls)-1].call, nil
	}
	return s.nodeAnchor(doc, run)
}

// AddGraphNode registers a member as a graph node. Existing nodes are left
// alone.
func (s *GraphGrammar) AddGraphNode(doc *source.Document, name string) error {
	run, err := s.runMethod(doc)
	if err != nil {
		return err
	}
	for _, c := range finder.FindCalls(run, doc.Bytes(), "add_node") {
		if arg := finder.PositionalArgument(c, 0); arg != nil {
			if n, ok := graph.EndpointName(doc.Text(arg)); ok && n == name {
				return nil
			}
		}
	}
	anchor, err := s.nodeAnchor(doc, run)
	if err != nil {
		return err
	}
	node := graph.Node{Name: name, Type: graph.Agent}
	return insertStatementAfter(doc, anchor, fmt.Sprintf("self.graph.add_node(%s, self.%s)", node.Expr(), name))
}

// AddGraphEdge appends an add_edge call after the last edge.
func (s *GraphGrammar) AddGraphEdge(doc *source.Document, e graph.Edge) error {
	return s.addEdge(doc, "add_edge", e)
}

// AddConditionalEdge appends an add_conditional_edges call after the last edge.
func (s *GraphGrammar) AddConditionalEdge(doc *source.Document, e graph.Edge) error {
	return s.addEdge(doc, "add_conditional_edges", e)
}

func (s *GraphGrammar) addEdge(doc *source.Document, callee string, e graph.Edge) error {
	run, err := s.runMethod(doc)
	if err != nil {
		return err
	}
	anchor, err := s.edgeAnchor(doc, run)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("self.graph.%s(%s, %s)", callee, e.Source.Expr(), e.Target.Expr())
	if err := insertStatementAfter(doc, anchor, stmt); err != nil {
		return err
	}
	s.log.Debug("added graph edge", "edge", e.String())
	return nil
}

// RemoveGraphEdge deletes the statement wiring e.
func (s *GraphGrammar) RemoveGraphEdge(doc *source.Document, e graph.Edge) error {
	run, err := s.runMethod(doc)
	if err != nil {
		return err
	}
	calls, err := s.edgeCalls(doc, run, true)
	if err != nil {
		return err
	}
	for _, ec := range calls {
		if ec.source != e.Source.Name || ec.target != e.Target.Name || ec.conditional != e.Conditional {
			continue
		}
		stmt := ec.call
		if p := stmt.Parent(); p != nil && p.Type() == "expression_statement" {
			stmt = p
		}
		start := doc.LineStart(int(stmt.StartByte()))
		end := doc.NextLineStart(int(stmt.EndByte()))
		if err := doc.Splice(start, end, ""); err != nil {
			return err
		}
		s.log.Debug("removed graph edge", "edge", e.String())
		return nil
	}
	return &validation.UnknownMemberError{Framework: s.Display, Path: s.Path, Kind: "graph edge", Name: e.String()}
}

// insertStatementAfter adds stmt on its own line after the line holding
// anchor, at the same indentation.
func insertStatementAfter(doc *source.Document, anchor *sitter.Node, stmt string) error {
	indent := doc.Indentation(int(anchor.StartByte()))
	pos := doc.NextLineStart(int(anchor.EndByte()))
	text := indent + stmt + "\n"
	if src := doc.Bytes(); pos == len(src) && pos > 0 && src[pos-1] != '\n' {
		text = "\n" + text
	}
	return doc.Splice(pos, pos, text)
}

// globalTools returns the list literal passed to ToolNode in the run method.
func (s *GraphGrammar) globalTools(doc *source.Document) (*sitter.Node, error) {
	run, err := s.runMethod(doc)
	if err != nil {
		return nil, err
	}
	return s.listArgument(doc, run, s.MethodName, "ToolNode", "")
}

// GlobalToolNames lists the tools registered on the ToolNode.
func (s *GraphGrammar) GlobalToolNames(doc *source.Document) ([]string, error) {
	list, err := s.globalTools(doc)
	if err != nil {
		return nil, err
	}
	return namespaceRefs.names(doc, list), nil
}

// AddAgentTools binds tool to the agent and registers it on the ToolNode.
// An agent without a bind_tools call gets one after its model is built.
func (s *GraphGrammar) AddAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error {
	method, err := s.agentMethod(doc, agent)
	if err != nil {
		return err
	}
	if finder.FindCall(method, doc.Bytes(), s.ToolCall) == nil {
		if err := s.bindTools(doc, agent, method); err != nil {
			return err
		}
	}
	if err := s.Grammar.AddAgentTools(doc, agent, tool); err != nil {
		return err
	}
	list, err := s.globalTools(doc)
	if err != nil {
		return err
	}
	_, err = namespaceRefs.add(doc, list, tool)
	return err
}

// bindTools inserts "x = x.bind_tools([])" after the provider model is
// instantiated and assigned to x.
func (s *GraphGrammar) bindTools(doc *source.Document, agent string, method *sitter.Node) error {
	src := doc.Bytes()
	var inst *sitter.Node
	for _, name := range s.ProviderNames() {
		c := finder.FindCall(method, src, s.Providers[name].Class)
		if c != nil && (inst == nil || c.StartByte() < inst.StartByte()) {
			inst = c
		}
	}
	if inst == nil {
		return &validation.MissingCallOrArgumentError{
			Framework: s.Display,
			Path:      s.Path,
			Method:    agent,
			Construct: "model provider call",
		}
	}
	variable := "agent"
	if p := inst.Parent(); p != nil && p.Type() == "assignment" {
		if left := p.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
			variable = doc.Text(left)
		}
	}
	s.log.Debug("adding bind_tools call", "agent", agent)
	return insertStatementAfter(doc, inst, fmt.Sprintf("%s = %s.%s([])", variable, variable, s.ToolCall))
}

// RemoveAgentTools unbinds tool from the agent. The ToolNode entry is
// dropped once no other agent binds the tool.
func (s *GraphGrammar) RemoveAgentTools(doc *source.Document, agent string, tool model.ToolDescriptor) error {
	if err := s.Grammar.RemoveAgentTools(doc, agent, tool); err != nil {
		return err
	}
	agents, err := s.AgentNames(doc)
	if err != nil {
		return err
	}
	for _, other := range agents {
		names, err := s.AgentToolNames(doc, other)
		if err != nil {
			continue
		}
		if slices.Contains(names, tool.Name) {
			return nil
		}
	}
	list, err := s.globalTools(doc)
	if err != nil {
		return err
	}
	_, err = namespaceRefs.remove(doc, list, tool)
	return err
}
