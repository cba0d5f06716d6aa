package grammar

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/stackpatch/internal/graph"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/validation"
)

func langGraph() *GraphGrammar {
	return LangGraph(slog.New(slog.DiscardHandler))
}

func edgeStrings(edges []graph.Edge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.String())
	}
	return out
}

func TestGraphMax(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "max"))

	edges, err := g.Graph(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"agent_name ?> tools_condition",
		"second_agent_name ?> tools_condition",
		"START -> task_name",
		"START -> task_name_two",
		"task_name -> agent_name",
		"task_name_two -> second_agent_name",
		"agent_name -> END",
		"second_agent_name -> END",
	}, edgeStrings(edges))

	assert.Equal(t, graph.Task, edges[2].Target.Type)
	assert.Equal(t, graph.Agent, edges[4].Target.Type)
	assert.Equal(t, graph.Special, edges[6].Target.Type)
}

func TestGraphUnknownNode(t *testing.T) {
	t.Parallel()

	g := langGraph()
	src := strings.Replace(fixture(t, "langgraph", "max"), `add_edge(START, "task_name")`, `add_edge(START, "ghost")`, 1)
	doc := open(t, g, src)

	_, err := g.Graph(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost"`)
}

func TestAddAgentWiresGraph(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "min"))

	require.NoError(t, g.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "anthropic", Model: "claude"}))
	require.NoError(t, g.AddTaskMethod(doc, model.TaskDescriptor{Name: "summarize", Agent: "researcher"}))

	text := doc.String()
	assert.Contains(t, text, "        agent = ChatAnthropic(model=agent_config.model)\n")
	assert.Contains(t, text, `        self.graph.add_node("tools", tools)
        self.graph.add_node("researcher", self.researcher)
        self.graph.add_node("summarize", self.summarize)
        self.graph.add_edge("tools", "researcher")
        self.graph.add_conditional_edges("researcher", tools_condition)
        self.graph.add_edge(START, "researcher")
        self.graph.add_edge("researcher", "summarize")
        self.graph.add_edge("summarize", END)
`)

	edges, err := g.Graph(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"researcher ?> tools_condition",
		"START -> researcher",
		"researcher -> summarize",
		"summarize -> END",
	}, edgeStrings(edges))

	var order []string
	for _, n := range graph.Order(edges) {
		order = append(order, n.Name)
	}
	assert.Equal(t, []string{"researcher", "summarize"}, order)
}

func TestAddAgentAddsProviderImport(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "min"))

	require.NoError(t, g.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "groq", Model: "llama"}))
	assert.Contains(t, doc.String(), "import agentstack\nfrom langchain_groq import ChatGroq\n")

	// openai is already imported by the fixture
	require.NoError(t, g.AddAgentMethod(doc, model.AgentDescriptor{Name: "writer", Provider: "openai", Model: "gpt-4o"}))
	assert.Equal(t, 1, strings.Count(doc.String(), "from langchain_openai import ChatOpenAI"))
}

func TestAddTaskRewiresEnd(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "max"))

	require.NoError(t, g.AddTaskMethod(doc, model.TaskDescriptor{Name: "review", Agent: "agent_name"}))

	edges, err := g.Graph(doc)
	require.NoError(t, err)
	got := edgeStrings(edges)
	assert.NotContains(t, got, "agent_name -> END")
	assert.Contains(t, got, "agent_name -> review")
	assert.Contains(t, got, "review -> END")
	assert.Contains(t, got, "second_agent_name -> END")
}

func TestAddAtBeginning(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "min"))

	require.NoError(t, g.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "openai", Model: "gpt-4o"}))
	require.NoError(t, g.AddTaskMethod(doc, model.TaskDescriptor{Name: "plan", Agent: "researcher", Position: model.Begin}))

	edges, err := g.Graph(doc)
	require.NoError(t, err)
	got := edgeStrings(edges)
	assert.NotContains(t, got, "START -> researcher")
	assert.Contains(t, got, "START -> plan")
	assert.Contains(t, got, "plan -> researcher")
	assert.Contains(t, got, "researcher -> END")

	var order []string
	for _, n := range graph.Order(edges) {
		order = append(order, n.Name)
	}
	assert.Equal(t, []string{"plan", "researcher"}, order)
}

func TestAddAtBeginningEmptyGraph(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "min"))

	require.NoError(t, g.AddTaskMethod(doc, model.TaskDescriptor{Name: "plan", Position: model.Begin}))

	edges, err := g.Graph(doc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"START -> plan", "plan -> END"}, edgeStrings(edges))
}

func TestBeginUnsupportedWithoutGraph(t *testing.T) {
	t.Parallel()

	for _, fw := range []string{"crewai", "openai_swarm", "llamaindex"} {
		t.Run(fw, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, fw)
			src := fixture(t, fw, "max")
			doc := open(t, a, src)

			var opErr *validation.UnsupportedOperationError
			err := a.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "openai", Model: "gpt-4o", Position: model.Begin})
			require.ErrorAs(t, err, &opErr)
			require.ErrorAs(t, a.AddTaskMethod(doc, model.TaskDescriptor{Name: "plan", Position: model.Begin}), &opErr)
			assert.Equal(t, src, doc.String())
		})
	}
}

func TestAddToolBindsAgent(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "min"))
	require.NoError(t, g.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "openai", Model: "gpt-4o"}))
	assert.NotContains(t, doc.String(), "bind_tools")

	require.NoError(t, g.AddAgentTools(doc, "researcher", webSearch))

	text := doc.String()
	assert.Contains(t, text, "        agent = ChatOpenAI(model=agent_config.model)\n        agent = agent.bind_tools([agentstack.tools['web_search']])\n")
	assert.Contains(t, text, "tools = ToolNode([agentstack.tools['web_search']])")

	global, err := g.GlobalToolNames(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, global)
}

func TestRemoveToolKeepsSharedGlobal(t *testing.T) {
	t.Parallel()

	g := langGraph()
	doc := open(t, g, fixture(t, "langgraph", "max"))

	require.NoError(t, g.AddAgentTools(doc, "agent_name", webSearch))
	require.NoError(t, g.AddAgentTools(doc, "second_agent_name", webSearch))
	assert.Equal(t, 1, strings.Count(doc.String(), "ToolNode([agentstack.tools['web_search']])"))

	require.NoError(t, g.RemoveAgentTools(doc, "agent_name", webSearch))
	global, err := g.GlobalToolNames(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, global)

	require.NoError(t, g.RemoveAgentTools(doc, "second_agent_name", webSearch))
	global, err = g.GlobalToolNames(doc)
	require.NoError(t, err)
	assert.Empty(t, global)
	assert.Contains(t, doc.String(), "tools = ToolNode([])")
}

func TestRemoveGraphEdge(t *testing.T) {
	t.Parallel()

	g := langGraph()
	src := fixture(t, "langgraph", "max")
	doc := open(t, g, src)

	e := graph.Edge{
		Source: graph.Node{Name: "task_name", Type: graph.Task},
		Target: graph.Node{Name: "agent_name", Type: graph.Agent},
	}
	require.NoError(t, g.RemoveGraphEdge(doc, e))
	assert.Equal(t, strings.Replace(src, "        self.graph.add_edge(\"task_name\", \"agent_name\")\n", "", 1), doc.String())

	err := g.RemoveGraphEdge(doc, e)
	var unknown *validation.UnknownMemberError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "graph edge", unknown.Kind)
}

func TestAddGraphNodeIdempotent(t *testing.T) {
	t.Parallel()

	g := langGraph()
	src := fixture(t, "langgraph", "max")
	doc := open(t, g, src)

	require.NoError(t, g.AddGraphNode(doc, "task_name"))
	assert.Equal(t, src, doc.String())
}

func TestMissingToolNode(t *testing.T) {
	t.Parallel()

	g := langGraph()
	src := strings.Replace(fixture(t, "langgraph", "max"), "tools = ToolNode([])", "tools = build_tools()", 1)
	doc := open(t, g, src)

	err := g.AddAgentTools(doc, "agent_name", webSearch)
	var callErr *validation.MissingCallOrArgumentError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "run", callErr.Method)
	assert.Contains(t, callErr.Construct, "ToolNode")
}
