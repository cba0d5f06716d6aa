package grammar

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

var (
	webSearch = model.ToolDescriptor{Name: "web_search", Callables: []string{"search"}}
	browser   = model.ToolDescriptor{Name: "browser", Callables: []string{"open", "click"}, Bundled: true}
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.DiscardHandler))
}

func adapter(t *testing.T, id string) Adapter {
	t.Helper()
	a, err := testRegistry().Lookup(id)
	require.NoError(t, err)
	return a
}

func fixture(t *testing.T, framework, variant string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", framework, "entrypoint_"+variant+".py"))
	require.NoError(t, err)
	return string(data)
}

func open(t *testing.T, a Adapter, src string) *source.Document {
	t.Helper()
	doc, err := source.Parse(a.Entrypoint(), []byte(src))
	require.NoError(t, err)
	t.Cleanup(doc.Close)
	return doc
}

// classFrameworks share the class-based layout and member generation.
var classFrameworks = []string{"crewai", "langgraph", "openai_swarm", "llamaindex"}

// firstAgent names an agent present in each max fixture.
var firstAgent = map[string]string{
	"crewai":         "agent_name",
	"langgraph":      "agent_name",
	"openai_swarm":   "agent_name",
	"llamaindex":     "agent_name",
	"agent_protocol": "test_agent",
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := testRegistry()
	assert.Equal(t, []string{"agent_protocol", "crewai", "langgraph", "llamaindex", "openai_swarm"}, r.Names())

	_, err := r.Lookup("autogen")
	var fwErr *validation.UnknownFrameworkError
	require.ErrorAs(t, err, &fwErr)
	assert.Equal(t, "autogen", fwErr.Framework)
	assert.ErrorIs(t, err, validation.ErrValidation)

	a, err := r.Lookup("langgraph")
	require.NoError(t, err)
	_, isGraph := a.(GraphAdapter)
	assert.True(t, isGraph)
	assert.Equal(t, "src/graph.py", a.Entrypoint())
}

func TestValidateProject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		framework string
		variant   string
		want      validation.State
	}{
		{"crewai", "max", validation.Valid},
		{"crewai", "min", validation.NoTaskMembers},
		{"langgraph", "max", validation.Valid},
		{"langgraph", "min", validation.NoTaskMembers},
		{"openai_swarm", "max", validation.Valid},
		{"openai_swarm", "min", validation.NoTaskMembers},
		{"llamaindex", "max", validation.Valid},
		{"llamaindex", "min", validation.NoTaskMembers},
		{"agent_protocol", "max", validation.Valid},
		{"agent_protocol", "min", validation.Valid},
	}
	for _, tt := range tests {
		t.Run(tt.framework+"/"+tt.variant, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, tt.framework)
			doc := open(t, a, fixture(t, tt.framework, tt.variant))

			state, err := a.ValidateProject(doc)
			assert.Equal(t, tt.want, state)
			if tt.want == validation.Valid {
				require.NoError(t, err)
				return
			}
			var membersErr *validation.NoMarkedMembersError
			require.ErrorAs(t, err, &membersErr)
			assert.Contains(t, membersErr.Hint, "stackpatch task add")
		})
	}
}

func TestValidateProjectFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		framework string
		edit      func(string) string
		want      validation.State
		check     func(t *testing.T, err error)
	}{
		{
			name:      "missing anchor type",
			framework: "crewai",
			edit:      func(s string) string { return strings.Replace(s, "@CrewBase\n", "", 1) },
			want:      validation.NoAnchorType,
			check: func(t *testing.T, err error) {
				var e *validation.MissingAnchorError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, validation.AnchorType, e.Kind)
				assert.Equal(t, "CrewAI: `@CrewBase` decorated class not found in src/crew.py", err.Error())
			},
		},
		{
			name:      "missing anchor method",
			framework: "crewai",
			edit:      func(s string) string { return strings.Replace(s, "    @crew\n", "", 1) },
			want:      validation.NoAnchorMethod,
			check: func(t *testing.T, err error) {
				var e *validation.MissingAnchorError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, validation.AnchorMethod, e.Kind)
				assert.Equal(t, "TestCrew", e.Scope)
			},
		},
		{
			name:      "no agents",
			framework: "crewai",
			edit:      func(s string) string { return strings.ReplaceAll(s, "    @agent\n", "") },
			want:      validation.NoAgentMembers,
			check: func(t *testing.T, err error) {
				var e *validation.NoMarkedMembersError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "agent", e.Marker)
				assert.Equal(t, "TestCrew", e.Type)
			},
		},
		{
			name:      "graph class renamed",
			framework: "langgraph",
			edit:      func(s string) string { return strings.Replace(s, "class TestGraph:", "class TestThing:", 1) },
			want:      validation.NoAnchorType,
			check: func(t *testing.T, err error) {
				var e *validation.MissingAnchorError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, validation.AnchorType, e.Kind)
			},
		},
		{
			name:      "run without inputs",
			framework: "openai_swarm",
			edit: func(s string) string {
				return strings.Replace(s, "def run(self, inputs: list[str]):", "def run(self, data):", 1)
			},
			want: validation.NoAnchorMethod,
			check: func(t *testing.T, err error) {
				var e *validation.SignatureMismatchError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "run", e.Method)
				assert.Equal(t, "TestStack", e.Type)
			},
		},
		{
			name:      "run missing",
			framework: "llamaindex",
			edit:      func(s string) string { return strings.Replace(s, "async def run(", "async def start(", 1) },
			want:      validation.NoAnchorMethod,
			check: func(t *testing.T, err error) {
				var e *validation.MissingAnchorError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, validation.AnchorMethod, e.Kind)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, tt.framework)
			doc := open(t, a, tt.edit(fixture(t, tt.framework, "max")))

			state, err := a.ValidateProject(doc)
			assert.Equal(t, tt.want, state)
			require.Error(t, err)
			assert.ErrorIs(t, err, validation.ErrValidation)
			tt.check(t, err)
		})
	}
}

func TestMemberNames(t *testing.T) {
	t.Parallel()

	for _, fw := range classFrameworks {
		t.Run(fw, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, fw)
			doc := open(t, a, fixture(t, fw, "max"))

			agents, err := a.AgentNames(doc)
			require.NoError(t, err)
			assert.Equal(t, []string{"agent_name", "second_agent_name"}, agents)

			tasks, err := a.TaskNames(doc)
			require.NoError(t, err)
			assert.Equal(t, []string{"task_name", "task_name_two"}, tasks)
		})
	}
}

func TestAddToolIdempotent(t *testing.T) {
	t.Parallel()

	for fw, agent := range firstAgent {
		t.Run(fw, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, fw)
			doc := open(t, a, fixture(t, fw, "max"))

			require.NoError(t, a.AddAgentTools(doc, agent, webSearch))
			once := doc.String()
			gen := doc.Generation()

			require.NoError(t, a.AddAgentTools(doc, agent, webSearch))
			assert.Equal(t, once, doc.String())
			assert.Equal(t, gen, doc.Generation(), "second add must not splice")

			names, err := a.AgentToolNames(doc, agent)
			require.NoError(t, err)
			assert.Equal(t, []string{"web_search"}, names)
		})
	}
}

func TestAddRemoveInverse(t *testing.T) {
	t.Parallel()

	for fw, agent := range firstAgent {
		t.Run(fw, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, fw)
			doc := open(t, a, fixture(t, fw, "max"))

			require.NoError(t, a.AddAgentTools(doc, agent, browser))
			before, err := a.AgentToolNames(doc, agent)
			require.NoError(t, err)

			require.NoError(t, a.AddAgentTools(doc, agent, webSearch))
			during, err := a.AgentToolNames(doc, agent)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"browser", "web_search"}, during)
			bundle := "*agentstack.tools['browser']"
			if fw == "agent_protocol" {
				bundle = "*tools.browser"
			}
			assert.Contains(t, doc.String(), bundle)

			require.NoError(t, a.RemoveAgentTools(doc, agent, webSearch))
			after, err := a.AgentToolNames(doc, agent)
			require.NoError(t, err)
			assert.ElementsMatch(t, before, after)

			err = a.RemoveAgentTools(doc, agent, webSearch)
			var unknown *validation.UnknownMemberError
			require.ErrorAs(t, err, &unknown)
			assert.Equal(t, "tool", unknown.Kind)
			assert.Equal(t, agent, unknown.Scope)
		})
	}
}

func TestAddToolNonInterference(t *testing.T) {
	t.Parallel()

	a := adapter(t, "crewai")
	orig := fixture(t, "crewai", "max")
	doc := open(t, a, orig)

	require.NoError(t, a.AddAgentTools(doc, "agent_name", webSearch))

	old := "config=self.agents_config['agent_name'], tools=[], verbose"
	idx := strings.Index(orig, old)
	require.Positive(t, idx)
	listStart := idx + len("config=self.agents_config['agent_name'], tools=")
	listEnd := listStart + len("[]")

	got := doc.String()
	assert.Equal(t, orig[:listStart], got[:listStart])
	assert.True(t, strings.HasSuffix(got, orig[listEnd:]))
	assert.Equal(t, "[agentstack.tools['web_search']]", got[listStart:len(got)-len(orig[listEnd:])])
}

func TestToolListLayout(t *testing.T) {
	t.Parallel()

	const ref = "agentstack.tools['web_search']"
	tests := []struct {
		name  string
		list  string
		added string
	}{
		{"empty", "[]", "[" + ref + "]"},
		{"inline", "[agentstack.tools['x']]", "[agentstack.tools['x'], " + ref + "]"},
		{"inline trailing comma", "[agentstack.tools['x'],]", "[agentstack.tools['x'], " + ref + ",]"},
		{
			"one per line",
			"[\n            agentstack.tools['x']\n        ]",
			"[\n            agentstack.tools['x'],\n            " + ref + "\n        ]",
		},
		{
			"commented",
			"[\n            # search tools\n            agentstack.tools['x'],  # primary\n            helper,\n        ]",
			"[\n            # search tools\n            agentstack.tools['x'],  # primary\n            helper,\n            " + ref + ",\n        ]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, "crewai")
			old := "config=self.agents_config['agent_name'], tools=[], verbose"
			orig := strings.Replace(fixture(t, "crewai", "max"), old, strings.Replace(old, "[]", tt.list, 1), 1)
			doc := open(t, a, orig)

			require.NoError(t, a.AddAgentTools(doc, "agent_name", webSearch))
			assert.Contains(t, doc.String(), "tools="+tt.added+", verbose")

			require.NoError(t, a.RemoveAgentTools(doc, "agent_name", webSearch))
			assert.Equal(t, orig, doc.String())
		})
	}
}

func TestRemoveRepeatedReferences(t *testing.T) {
	t.Parallel()

	tests := []struct{ list, want string }{
		{"[helper, agentstack.tools['web_search'], agentstack.tools['web_search']]", "[helper]"},
		{"[agentstack.tools['web_search'], agentstack.tools['web_search'], helper]", "[helper]"},
		{"[agentstack.tools['web_search'], *agentstack.tools['web_search']]", "[]"},
	}
	for _, tt := range tests {
		a := adapter(t, "crewai")
		old := "config=self.agents_config['agent_name'], tools=[], verbose"
		doc := open(t, a, strings.Replace(fixture(t, "crewai", "max"), old, strings.Replace(old, "[]", tt.list, 1), 1))

		require.NoError(t, a.RemoveAgentTools(doc, "agent_name", webSearch))
		assert.Contains(t, doc.String(), "tools="+tt.want+", verbose", tt.list)
	}
}

func TestToolListErrors(t *testing.T) {
	t.Parallel()

	a := adapter(t, "crewai")
	orig := fixture(t, "crewai", "max")

	tests := []struct {
		name   string
		src    string
		agent  string
		detail string
		target any
	}{
		{"unknown agent", orig, "writer", "", new(*validation.UnknownMemberError)},
		{
			"missing keyword",
			strings.Replace(orig, "config=self.agents_config['agent_name'], tools=[], verbose=True", "config=self.agents_config['agent_name'], verbose=True", 1),
			"agent_name", "", new(*validation.MissingCallOrArgumentError),
		},
		{
			"not a list",
			strings.Replace(orig, "config=self.agents_config['agent_name'], tools=[], verbose=True", "config=self.agents_config['agent_name'], tools=get_tools(), verbose=True", 1),
			"agent_name", "is not a list literal", new(*validation.MissingCallOrArgumentError),
		},
		{
			"missing call",
			strings.Replace(orig, "return Agent(config=self.agents_config['agent_name'], tools=[], verbose=True)", "return make_agent()", 1),
			"agent_name", "", new(*validation.MissingCallOrArgumentError),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := open(t, a, tt.src)
			err := a.AddAgentTools(doc, tt.agent, webSearch)
			require.ErrorAs(t, err, tt.target)
			assert.Equal(t, tt.src, doc.String())
			if tt.detail != "" {
				assert.Contains(t, err.Error(), tt.detail)
			}
		})
	}
}

func TestAddTaskPosition(t *testing.T) {
	t.Parallel()

	a := adapter(t, "crewai")
	doc := open(t, a, fixture(t, "crewai", "max"))

	require.NoError(t, a.AddTaskMethod(doc, model.TaskDescriptor{Name: "summarize", Agent: "agent_name"}))

	want := "        return Task(config=self.tasks_config['task_name_two'])\n" +
		"\n" +
		"    @task\n" +
		"    def summarize(self) -> Task:\n" +
		"        return Task(\n" +
		"            config=self.tasks_config['summarize'],\n" +
		"        )\n" +
		"\n" +
		"    @crew\n"
	assert.Contains(t, doc.String(), want)

	tasks, err := a.TaskNames(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_name", "task_name_two", "summarize"}, tasks)
}

func TestAddAgentBeforeAnchor(t *testing.T) {
	t.Parallel()

	a := adapter(t, "crewai")
	doc := open(t, a, fixture(t, "crewai", "min"))

	require.NoError(t, a.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "openai", Model: "gpt-4o"}))

	want := "class TestCrew():\n" +
		"\n" +
		"    @agent\n" +
		"    def researcher(self) -> Agent:\n" +
		"        return Agent(\n" +
		"            config=self.agents_config['researcher'],\n" +
		"            tools=[],\n" +
		"            verbose=True,\n" +
		"        )\n" +
		"\n" +
		"    @crew\n"
	assert.Contains(t, doc.String(), want)
}

func TestAddAgentKeepsAnchorComment(t *testing.T) {
	t.Parallel()

	a := adapter(t, "crewai")
	src := strings.Replace(fixture(t, "crewai", "min"), "    @crew\n", "    # Assemble the crew\n    @crew\n", 1)
	doc := open(t, a, src)

	require.NoError(t, a.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "openai", Model: "gpt-4o"}))

	want := "            verbose=True,\n" +
		"        )\n" +
		"\n" +
		"    # Assemble the crew\n" +
		"    @crew\n"
	assert.Contains(t, doc.String(), want)
	assert.Less(t, strings.Index(doc.String(), "def researcher"), strings.Index(doc.String(), "# Assemble the crew"))
}

func TestAddDuplicateMember(t *testing.T) {
	t.Parallel()

	for _, fw := range classFrameworks {
		t.Run(fw, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, fw)
			src := fixture(t, fw, "max")
			doc := open(t, a, src)

			err := a.AddTaskMethod(doc, model.TaskDescriptor{Name: "task_name"})
			var dup *validation.DuplicateMemberError
			require.ErrorAs(t, err, &dup)
			assert.Equal(t, src, doc.String())
		})
	}
}

func TestUnsupportedProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		framework string
		provider  string
	}{
		{"openai_swarm", "groq"},
		{"langgraph", "bedrock"},
		{"llamaindex", "deepseek"},
	}
	for _, tt := range tests {
		t.Run(tt.framework, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, tt.framework)
			src := fixture(t, tt.framework, "min")
			doc := open(t, a, src)

			err := a.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: tt.provider, Model: "m"})
			var provErr *validation.UnsupportedProviderError
			require.ErrorAs(t, err, &provErr)
			assert.Equal(t, a.ProviderNames(), provErr.Supported)
			assert.Equal(t, src, doc.String())
		})
	}

	assert.Nil(t, adapter(t, "crewai").ProviderNames())
}

// TestScenario builds a researcher agent, a summarize task and a web_search
// tool into each minimal entrypoint.
func TestScenario(t *testing.T) {
	t.Parallel()

	for _, fw := range classFrameworks {
		t.Run(fw, func(t *testing.T) {
			t.Parallel()
			a := adapter(t, fw)
			doc := open(t, a, fixture(t, fw, "min"))

			require.NoError(t, a.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "openai", Model: "gpt-4o"}))
			require.NoError(t, a.AddTaskMethod(doc, model.TaskDescriptor{Name: "summarize", Agent: "researcher"}))
			require.NoError(t, a.AddAgentTools(doc, "researcher", webSearch))

			reparsed, err := source.Parse(a.Entrypoint(), doc.Bytes())
			require.NoError(t, err)
			defer reparsed.Close()

			agents, err := a.AgentNames(reparsed)
			require.NoError(t, err)
			assert.Equal(t, []string{"researcher"}, agents)

			tasks, err := a.TaskNames(reparsed)
			require.NoError(t, err)
			assert.Equal(t, []string{"summarize"}, tasks)

			tools, err := a.AgentToolNames(reparsed, "researcher")
			require.NoError(t, err)
			assert.Equal(t, []string{"web_search"}, tools)

			anchor := "    def run("
			if fw == "crewai" {
				anchor = "    @crew"
			} else if fw == "llamaindex" {
				anchor = "    async def run("
			}
			text := reparsed.String()
			assert.Less(t, strings.Index(text, "def summarize("), strings.Index(text, anchor))

			state, err := a.ValidateProject(reparsed)
			require.NoError(t, err)
			assert.Equal(t, validation.Valid, state)
		})
	}
}

func TestAddAgentImportsProvider(t *testing.T) {
	t.Parallel()

	a := adapter(t, "llamaindex")
	doc := open(t, a, fixture(t, "llamaindex", "min"))

	require.NoError(t, a.AddAgentMethod(doc, model.AgentDescriptor{Name: "researcher", Provider: "anthropic", Model: "claude"}))
	text := doc.String()
	assert.Contains(t, text, "import agentstack\nfrom llama_index.llms.anthropic import Anthropic\n")
	assert.Contains(t, text, "        llm = Anthropic(\n")

	// a second agent on the same provider does not repeat the import
	require.NoError(t, a.AddAgentMethod(doc, model.AgentDescriptor{Name: "writer", Provider: "anthropic", Model: "claude"}))
	assert.Equal(t, 1, strings.Count(doc.String(), "from llama_index.llms.anthropic import Anthropic"))
}

func TestToolReference(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "agentstack.tools['web_search']", ToolReference(webSearch))
	assert.Equal(t, "*agentstack.tools['browser']", ToolReference(browser))
}
